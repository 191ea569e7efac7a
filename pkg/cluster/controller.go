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

// Package cluster is the Cluster Controller (C8): cluster lifecycle
// (Bootstrap/Upgrade/Pause/Delete) across AWS/EKS, Scaleway/Kapsule, GCP/GKE
// and on-prem self-managed clusters. The cloud-kind registry
// (ForCloudKind) is a structural copy of the
// cloudprovider.ForProvider map-of-constructors pattern
// (pkg/cloudprovider/provider.go), generalized from one Machine's cloud to
// one cluster's cloud.
package cluster

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	"go.uber.org/zap"

	enginerrors "github.com/nexops/deploy-engine/pkg/errors"
	"github.com/nexops/deploy-engine/pkg/helm"
	"github.com/nexops/deploy-engine/pkg/kube"
	"github.com/nexops/deploy-engine/pkg/model"
	"github.com/nexops/deploy-engine/pkg/reporter"
	"github.com/nexops/deploy-engine/pkg/runner"
	"github.com/nexops/deploy-engine/pkg/terraform"
	"github.com/nexops/deploy-engine/pkg/workload"
)

// Target bundles the collaborators one cluster lifecycle operation needs,
// the cluster-scoped equivalent of pkg/deploy.Target (see that package's
// note on never holding a back-reference: the same rule applies here).
type Target struct {
	Kube      *kube.Client
	Helm      *helm.Harness
	Terraform *terraform.Harness
	Workload  *workload.Primitives
	Runner    *runner.Runner
	Reporter  *reporter.Sink
	Log       *zap.SugaredLogger
	Abort     *runner.AbortHandle

	// WorkDir is the rendered terraform context directory for this cluster,
	// under the workspace's bootstrap/<cluster_short_id>/ path.
	WorkDir string
}

// Actuator is the per-cloud-kind capability set: Bootstrap/Upgrade/Pause/Delete,
// one implementation per ClusterKind, resolved through ForCloudKind and
// never downcast.
type Actuator interface {
	Bootstrap(ctx context.Context, t *Target, spec model.ClusterSpec) error
	Upgrade(ctx context.Context, t *Target, spec model.ClusterSpec) error
	Pause(ctx context.Context, t *Target, spec model.ClusterSpec) error
	Delete(ctx context.Context, t *Target, spec model.ClusterSpec) error
}

// Credentials is every cloud's static API credential set, read once at
// startup (pkg/config) and threaded through to whichever actuator the
// request's ClusterKind resolves to. Mirrors the credential fields
// cloudprovider/provider/{aws,scaleway,gce,azure} each read off their own
// provider-spec/secret resolver, collapsed onto one struct since this
// engine has exactly one credential set per cloud, not one per machine.
type Credentials struct {
	AWSAccessKeyID     string
	AWSSecretAccessKey string

	ScalewayAccessKey string
	ScalewaySecretKey string
	ScalewayProjectID string

	GCPCredentialsJSON string

	AzureClientID      string
	AzureClientSecret  string
	AzureTenantID      string
	AzureSubscription  string
}

var actuators = map[model.ClusterKind]func(ctx context.Context, creds Credentials, spec model.ClusterSpec) (Actuator, error){
	model.ClusterKindEKS:         newEKSActuator,
	model.ClusterKindKapsule:     newKapsuleActuator,
	model.ClusterKindGKE:         newGKEActuator,
	model.ClusterKindAzure:       newAzureActuator,
	model.ClusterKindSelfManaged: newSelfManagedActuator,
}

// ForCloudKind resolves and constructs the Actuator for spec.Kind,
// building whatever cloud SDK client that actuator needs from creds and
// spec.Region. A self-managed cluster needs no cloud client at all, so
// its constructor ignores creds entirely.
func ForCloudKind(ctx context.Context, creds Credentials, spec model.ClusterSpec) (Actuator, error) {
	ctor, found := actuators[spec.Kind]
	if !found {
		return nil, enginerrors.ErrProviderNotFound
	}
	return ctor(ctx, creds, spec)
}

// runnerKiller builds the Killer every cloud's Terraform/destroy calls share:
// a deadline plus the cluster operation's abort channel.
func runnerKiller(t *Target, deadline time.Time) runner.Killer {
	return runner.Killer{Deadline: deadline, Abort: t.Abort.Done()}
}

// terraformCycle runs init/validate/plan/(apply), honoring dryRun, shared by
// every cloud's Bootstrap/Upgrade paths.
func terraformCycle(ctx context.Context, t *Target, dryRun bool, deadline time.Time) error {
	killer := runner.Killer{Deadline: deadline, Abort: t.Abort.Done()}

	if _, err := t.Terraform.Init(ctx, killer); err != nil {
		return enginerrors.CloudTransient("TerraformInitFailed", "terraform init failed", err)
	}
	if _, err := t.Terraform.Validate(ctx, killer); err != nil {
		return enginerrors.UserError("TerraformValidateFailed", "terraform configuration is invalid", err)
	}
	if _, err := t.Terraform.Apply(ctx, dryRun, killer); err != nil {
		return enginerrors.CloudTransient("TerraformApplyFailed", "terraform apply failed", err)
	}
	return nil
}

// deployBootstrapCharts installs the cluster's bootstrap Helm charts (CNI,
// cluster-autoscaler, priority classes, user-mapper, Karpenter if enabled),
// in the order given — bootstrap charts have cross-dependencies (CNI before
// autoscaler) that a map iteration would silently scramble.
func deployBootstrapCharts(ctx context.Context, t *Target, releases []model.HelmRelease) error {
	for _, rel := range releases {
		if err := t.Helm.Apply(ctx, rel, "", helm.NewBackupManager(t.Kube)); err != nil {
			return enginerrors.CloudTransient("BootstrapChartFailed", "failed to deploy bootstrap chart "+rel.Name, err)
		}
	}
	return nil
}

// safetyPassNamespaces is the set of namespaces the cluster-wide safety pass
// scans ahead of a worker upgrade, listed from the live API server. It
// skips kube-system, kube-public and kube-node-lease, to avoid fighting
// cluster-critical components during the safety pass itself.
func safetyPassNamespaces(ctx context.Context, t *Target) ([]string, error) {
	var namespaces corev1.NamespaceList
	if err := t.Kube.RuntimeClient.List(ctx, &namespaces); err != nil {
		return nil, err
	}
	var out []string
	for _, ns := range namespaces.Items {
		if ns.Name == "kube-system" || ns.Name == "kube-public" || ns.Name == "kube-node-lease" {
			continue
		}
		out = append(out, ns.Name)
	}
	return out, nil
}
