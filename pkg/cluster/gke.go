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

package cluster

import (
	"context"
	"fmt"
	"time"

	container "google.golang.org/api/container/v1"
	"google.golang.org/api/option"

	"github.com/nexops/deploy-engine/pkg/model"
)

// gkeActuator is the GCP/GKE cluster path. Like Kapsule, GKE's managed
// control plane absorbs master/worker skew, so upgrades stay single-phase.
type gkeActuator struct {
	containerService *container.Service
}

// newGKEActuator builds the container API client from the service
// account JSON the same way cloudprovider/provider/gce passes
// option.WithCredentialsJSON to its compute service.
func newGKEActuator(ctx context.Context, creds Credentials, spec model.ClusterSpec) (Actuator, error) {
	svc, err := container.NewService(ctx, option.WithCredentialsJSON([]byte(creds.GCPCredentialsJSON)))
	if err != nil {
		return nil, fmt.Errorf("failed to build GKE container service: %w", err)
	}
	return &gkeActuator{containerService: svc}, nil
}

func (a *gkeActuator) Bootstrap(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	deadline := time.Now().Add(defaultClusterTimeout)
	if err := terraformCycle(ctx, t, false, deadline); err != nil {
		return err
	}
	return deployBootstrapCharts(ctx, t, []model.HelmRelease{
		{Name: "qovery-user-mapper", Namespace: "kube-system", Action: model.HelmActionDeploy},
		{Name: "cluster-autoscaler", Namespace: "kube-system", Action: model.HelmActionDeploy},
	})
}

func (a *gkeActuator) Upgrade(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	deadline := time.Now().Add(defaultClusterTimeout)
	namespaces, err := safetyPassNamespaces(ctx, t)
	if err != nil {
		return fmt.Errorf("failed to enumerate namespaces for safety pass: %w", err)
	}
	if err := t.Workload.SafetyPass(ctx, t.Log, namespaces); err != nil {
		return fmt.Errorf("cluster-wide safety pass failed: %w", err)
	}
	return terraformCycle(ctx, t, false, deadline)
}

func (a *gkeActuator) Pause(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	for _, ng := range spec.NodeGroups {
		desired := SelectNodeGroupBehavior(model.ClusterActionPause, ng, nil)
		if err := a.setNodePoolSize(ctx, spec, desired); err != nil {
			return fmt.Errorf("failed to pause node pool %s: %w", ng.Name, err)
		}
	}
	return nil
}

func (a *gkeActuator) setNodePoolSize(ctx context.Context, spec model.ClusterSpec, desired model.NodeGroupWithDesiredState) error {
	if a.containerService == nil || !desired.EnableDesiredSize {
		return nil
	}
	parent := fmt.Sprintf("projects/%s/locations/%s/clusters/%s/nodePools/%s",
		spec.Options["gcp_project_id"], spec.Zones[0], spec.Options["cluster_name"], desired.Name)
	_, err := a.containerService.Projects.Locations.Clusters.NodePools.SetSize(parent, &container.SetNodePoolSizeRequest{
		NodeCount: int64(desired.DesiredSize),
	}).Context(ctx).Do()
	return err
}

func (a *gkeActuator) Delete(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	deadline := time.Now().Add(defaultClusterTimeout)
	killer := runnerKiller(t, deadline)
	if _, err := t.Terraform.Destroy(ctx, killer); err != nil {
		return fmt.Errorf("terraform destroy failed: %w", err)
	}
	return nil
}
