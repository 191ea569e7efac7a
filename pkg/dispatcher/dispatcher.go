/*
Copyright 2019 The Machine Controller Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package dispatcher is the Action Dispatcher (C9): the single place an
// EngineRequest's (cloud_kind, action) pair resolves to a cluster.Actuator
// method, and an EnvironmentRequest's services resolve, in the dispatcher's
// stable kind-group order, to a deploy.Deployer. It is deliberately thin —
// all state-machine logic lives in pkg/cluster and pkg/deploy; this package
// only orders and wires.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/nexops/deploy-engine/pkg/cluster"
	"github.com/nexops/deploy-engine/pkg/deploy"
	"github.com/nexops/deploy-engine/pkg/model"
	"github.com/nexops/deploy-engine/pkg/reporter"
)

// Dispatcher bundles the two Target shapes a request needs: one for the
// cluster side, one for the environment (service) side. Both point at the
// same kube/helm/terraform/runner/reporter collaborators; they're kept as
// two structs because pkg/cluster.Target and pkg/deploy.Target have
// slightly different collaborator sets (the cluster side adds Terraform and
// WorkDir, the environment side adds Mirror and ClusterRegistry).
type Dispatcher struct {
	ClusterTarget *cluster.Target
	ServiceTarget *deploy.Target
	Reporter      *reporter.Sink
	CloudCreds    cluster.Credentials
}

// DispatchCluster resolves req.Cluster.Kind to an Actuator and calls the
// method matching req.Action. The actuator's Upgrade method handles Update,
// Upgrade and Resume requests alike, since no cloud kind distinguishes them
// at the Terraform-apply level (cluster.SelectNodeGroupBehavior does give
// Resume its own node-group sizing rule, but Upgrade does not call it).
func (d *Dispatcher) DispatchCluster(ctx context.Context, req model.EngineRequest) error {
	actuator, err := cluster.ForCloudKind(ctx, d.CloudCreds, req.Cluster)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	details := reporter.EventDetails{
		CloudKind:   string(req.Cluster.Kind),
		OrgID:       req.Organization,
		ClusterID:   req.Cluster.Options["cluster_id"],
		ExecutionID: req.ID,
		Stage:       reporter.StageInfrastructure,
		Transmitter: reporter.TransmitterCluster,
	}

	var dispatchErr error
	switch req.Action {
	case model.ClusterActionBootstrap:
		dispatchErr = actuator.Bootstrap(ctx, d.ClusterTarget, req.Cluster)
	case model.ClusterActionUpdate, model.ClusterActionUpgrade, model.ClusterActionResume:
		dispatchErr = actuator.Upgrade(ctx, d.ClusterTarget, req.Cluster)
	case model.ClusterActionPause:
		dispatchErr = actuator.Pause(ctx, d.ClusterTarget, req.Cluster)
	case model.ClusterActionDelete:
		dispatchErr = actuator.Delete(ctx, d.ClusterTarget, req.Cluster)
	default:
		dispatchErr = fmt.Errorf("dispatch: unrecognized cluster action %q", req.Action)
	}

	if dispatchErr != nil {
		d.Reporter.DeployedError(details, fmt.Sprintf("cluster %s failed: %v", req.Action, dispatchErr), nil)
		return dispatchErr
	}
	d.Reporter.DeployedSuccess(details, fmt.Sprintf("cluster %s succeeded", req.Action), nil)
	return nil
}

// serviceGroup is one stage of the stable dispatch order.
type serviceGroup int

const (
	groupDatabase serviceGroup = iota
	groupStateful
	groupStateless
	groupTerraform
)

// groupFor buckets a service by the stable order: databases, then stateful
// apps/containers, then stateless, then Terraform services last (the
// closest analog this model has to network/router provisioning — it often
// wires DNS/ingress resources that depend on everything else already being
// up).
func groupFor(req model.ServiceRequest) serviceGroup {
	switch {
	case req.Kind == model.ServiceKindDatabase:
		return groupDatabase
	case req.Kind == model.ServiceKindTerraformService:
		return groupTerraform
	case req.Stateful:
		return groupStateful
	default:
		return groupStateless
	}
}

// orderServices returns req's services partitioned into the stable
// dispatch order, stable within each group (DispatchEnvironment below
// relies on that to keep logs reproducible across runs).
func orderServices(services []model.ServiceRequest) []model.ServiceRequest {
	buckets := make([][]model.ServiceRequest, groupTerraform+1)
	for _, svc := range services {
		g := groupFor(svc)
		buckets[g] = append(buckets[g], svc)
	}
	var ordered []model.ServiceRequest
	for _, b := range buckets {
		ordered = append(ordered, b...)
	}
	return ordered
}

// DispatchEnvironment converges every service in req in the stable order.
// With failFast=false it accumulates every service's error and keeps going
// — one broken service should not block the rest of an environment from
// converging. With failFast=true (a Delete request, typically) it stops at
// the first failure within a group, since later groups may depend on
// earlier ones having actually gone away.
func (d *Dispatcher) DispatchEnvironment(ctx context.Context, req *model.EnvironmentRequest, failFast bool) error {
	var errs []error
	for _, svc := range orderServices(req.Services) {
		if err := d.dispatchOneService(ctx, svc); err != nil {
			errs = append(errs, fmt.Errorf("service %s: %w", svc.Identity.ServiceShortID, err))
			if failFast {
				break
			}
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) dispatchOneService(ctx context.Context, req model.ServiceRequest) error {
	deployer := deploy.ForKind(req.Kind)
	if deployer == nil {
		return fmt.Errorf("unrecognized service kind %q", req.Kind)
	}

	switch req.Identity.Action {
	case model.ServiceActionCreate:
		return deploy.Execute(ctx, deployer, d.ServiceTarget, req)
	case model.ServiceActionPause:
		return deployer.OnPause(ctx, d.ServiceTarget, req)
	case model.ServiceActionDelete:
		return deployer.OnDelete(ctx, d.ServiceTarget, req)
	case model.ServiceActionRestart:
		return deployer.OnRestart(ctx, d.ServiceTarget, req)
	default:
		return fmt.Errorf("unrecognized service action %q", req.Identity.Action)
	}
}
