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

	corev1 "k8s.io/api/core/v1"
	ctrlruntimeclient "sigs.k8s.io/controller-runtime/pkg/client"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscredentials "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/eks/types"

	enginerrors "github.com/nexops/deploy-engine/pkg/errors"
	"github.com/nexops/deploy-engine/pkg/kube"
	"github.com/nexops/deploy-engine/pkg/model"
	"github.com/nexops/deploy-engine/pkg/reporter"
	"github.com/nexops/deploy-engine/pkg/runner"
)

// eksActuator is the representative cluster path:
// two-phase upgrade (masters, then workers), a cluster-wide safety pass
// ahead of the worker phase, and cluster-autoscaler quiesce/restore around
// the worker Terraform apply.
type eksActuator struct {
	eksClient *eks.Client
}

// newEKSActuator loads an AWS config the same way
// cloudprovider/provider/aws.getAwsConfig does (static credentials plus
// region, no assume-role support here since the engine always deploys
// with its own account's keys) and builds the EKS client from it.
func newEKSActuator(ctx context.Context, creds Credentials, spec model.ClusterSpec) (Actuator, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(spec.Region),
		awsconfig.WithCredentialsProvider(awscredentials.NewStaticCredentialsProvider(creds.AWSAccessKeyID, creds.AWSSecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &eksActuator{eksClient: eks.NewFromConfig(cfg)}, nil
}

// Bootstrap renders the terraform context (done by the caller into
// t.WorkDir before this runs), applies it, then deploys the cluster's
// bootstrap Helm charts.
func (a *eksActuator) Bootstrap(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	deadline := time.Now().Add(defaultClusterTimeout)
	if err := terraformCycle(ctx, t, false, deadline); err != nil {
		return err
	}
	return deployBootstrapCharts(ctx, t, bootstrapChartsFor(spec))
}

func bootstrapChartsFor(spec model.ClusterSpec) []model.HelmRelease {
	charts := []model.HelmRelease{
		{Name: "aws-vpc-cni", Namespace: "kube-system", Action: model.HelmActionDeploy},
		{Name: "priority-classes", Namespace: "kube-system", Action: model.HelmActionDeploy},
		{Name: "qovery-user-mapper", Namespace: "kube-system", Action: model.HelmActionDeploy},
	}
	if spec.Options["karpenter_enabled"] == "true" {
		charts = append(charts, model.HelmRelease{Name: "karpenter", Namespace: "karpenter", Action: model.HelmActionDeploy})
	} else {
		charts = append(charts, model.HelmRelease{Name: "cluster-autoscaler", Namespace: "kube-system", Action: model.HelmActionDeploy})
	}
	return charts
}

// Upgrade runs the two-phase EKS upgrade choreography: compute
// KubernetesUpgradeStatus, run a Terraform cycle when the masters need an
// upgrade, run the cluster-wide safety pass, then quiesce the autoscaler and
// run a second Terraform cycle for the workers, restoring the autoscaler on
// every exit path. Both cycles apply the rendered Terraform context as it is
// on disk: no master or worker version variable is set between them, so the
// workers are not pinned behind the masters.
func (a *eksActuator) Upgrade(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	status, err := a.computeUpgradeStatus(ctx, t, spec)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(clusterUpgradeTimeout(ctx, t))

	if status.RequiredUpgradeOn == model.RequiredUpgradeOnMasters {
		t.Reporter.Info(clusterDetails(spec), "upgrading masters: applying the rendered terraform context", nil)
		if err := terraformCycle(ctx, t, false, deadline); err != nil {
			return fmt.Errorf("masters upgrade failed: %w", err)
		}
	}

	namespaces, err := safetyPassNamespaces(ctx, t)
	if err != nil {
		return fmt.Errorf("failed to enumerate namespaces for safety pass: %w", err)
	}
	if err := t.Workload.SafetyPass(ctx, t.Log, namespaces); err != nil {
		return fmt.Errorf("cluster-wide safety pass failed: %w", err)
	}

	return a.upgradeWorkers(ctx, t, spec, deadline)
}

// upgradeWorkers quiesces the cluster-autoscaler (unless Karpenter owns
// scaling), runs a Terraform cycle over the rendered context (no
// worker-version variable is set here), and restores the autoscaler on
// every exit path — success or error.
func (a *eksActuator) upgradeWorkers(ctx context.Context, t *Target, spec model.ClusterSpec, deadline time.Time) error {
	karpenter := spec.Options["karpenter_enabled"] == "true"
	if !karpenter {
		if err := t.Kube.PatchScale(ctx, kube.KindDeployment, "kube-system", "cluster-autoscaler", 0); err != nil {
			return fmt.Errorf("failed to quiesce cluster-autoscaler: %w", err)
		}
		defer func() {
			if err := t.Kube.PatchScale(ctx, kube.KindDeployment, "kube-system", "cluster-autoscaler", 1); err != nil {
				t.Log.Errorw("failed to restore cluster-autoscaler after worker upgrade", "error", err)
			}
		}()
	}

	if err := terraformCycle(ctx, t, false, deadline); err != nil {
		return fmt.Errorf("workers upgrade failed: %w", err)
	}

	return a.awaitWorkersOnVersion(ctx, t, spec, deadline)
}

// awaitWorkersOnVersion polls node objects until every non-fargate node
// reports spec.Version.
func (a *eksActuator) awaitWorkersOnVersion(ctx context.Context, t *Target, spec model.ClusterSpec, deadline time.Time) error {
	_, err := kube.AwaitCondition(ctx, 15*time.Second, deadline, t.Abort.Done(),
		func(ctx context.Context) (bool, error) {
			var nodes corev1.NodeList
			if err := t.Kube.RuntimeClient.List(ctx, &nodes); err != nil {
				return false, err
			}
			for _, n := range nodes.Items {
				if isFargateNode(n) {
					continue
				}
				if n.Status.NodeInfo.KubeletVersion != "v"+spec.Version {
					return false, nil
				}
			}
			return true, nil
		},
		func(ok bool) bool { return ok },
	)
	return err
}

func isFargateNode(n corev1.Node) bool {
	_, ok := n.Labels["eks.amazonaws.com/compute-type"]
	return ok && n.Labels["eks.amazonaws.com/compute-type"] == "fargate"
}

// computeUpgradeStatus derives KubernetesUpgradeStatus from the deployed
// masters' version and the requested one.
func (a *eksActuator) computeUpgradeStatus(ctx context.Context, t *Target, spec model.ClusterSpec) (model.KubernetesUpgradeStatus, error) {
	deployed, err := a.deployedMastersVersion(ctx, t)
	if err != nil {
		return model.KubernetesUpgradeStatus{}, err
	}
	status := model.KubernetesUpgradeStatus{DeployedMastersVersion: deployed, RequestedVersion: spec.Version}
	switch {
	case deployed == spec.Version:
		status.RequiredUpgradeOn = model.RequiredUpgradeOnNone
	case deployed == "":
		status.RequiredUpgradeOn = model.RequiredUpgradeOnMasters
	default:
		status.RequiredUpgradeOn = model.RequiredUpgradeOnMasters
	}
	return status, nil
}

func (a *eksActuator) deployedMastersVersion(ctx context.Context, t *Target) (string, error) {
	var nodes corev1.NodeList
	if err := t.Kube.RuntimeClient.List(ctx, &nodes, ctrlruntimeclient.Limit(1)); err != nil {
		return "", enginerrors.Internal("failed to list nodes for deployed version lookup", err)
	}
	if len(nodes.Items) == 0 {
		return "", nil
	}
	return trimLeadingV(nodes.Items[0].Status.NodeInfo.KubeletVersion), nil
}

func trimLeadingV(v string) string {
	if len(v) > 0 && v[0] == 'v' {
		return v[1:]
	}
	return v
}

// Pause scales managed node groups' desired size down to min and suspends
// Karpenter if present, leaving Terraform state intact.
func (a *eksActuator) Pause(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	for _, ng := range spec.NodeGroups {
		desired := SelectNodeGroupBehavior(model.ClusterActionPause, ng, nil)
		if err := a.setNodeGroupScaling(ctx, spec, desired); err != nil {
			return fmt.Errorf("failed to pause node group %s: %w", ng.Name, err)
		}
	}
	if spec.Options["karpenter_enabled"] == "true" {
		if err := t.Kube.PatchScale(ctx, kube.KindDeployment, "karpenter", "karpenter", 0); err != nil {
			return fmt.Errorf("failed to suspend karpenter: %w", err)
		}
	}
	return nil
}

// setNodeGroupScaling applies one node group's computed desired state via
// the EKS SDK's UpdateNodegroupConfig call.
func (a *eksActuator) setNodeGroupScaling(ctx context.Context, spec model.ClusterSpec, desired model.NodeGroupWithDesiredState) error {
	if a.eksClient == nil || !desired.EnableDesiredSize {
		return nil
	}
	d := desired.DesiredSize
	_, err := a.eksClient.UpdateNodegroupConfig(ctx, &eks.UpdateNodegroupConfigInput{
		ClusterName:   awsStr(spec.Options["cluster_name"]),
		NodegroupName: awsStr(desired.Name),
		ScalingConfig: &types.NodegroupScalingConfig{DesiredSize: awsInt32(d)},
	})
	return err
}

func awsStr(s string) *string { return &s }
func awsInt32(i int32) *int32 { return &i }

// Delete runs one best-effort reconciling Terraform apply, tears down
// workloads and Helm releases, deletes node groups, removes the
// kubeconfig bucket from Terraform state, and runs `terraform destroy`.
// No secret-store entry is purged here. State-removal failures are downgraded to
// warnings: the bucket may already be gone from a partially-completed
// prior delete, and that must not block the rest of teardown.
func (a *eksActuator) Delete(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	deadline := time.Now().Add(defaultClusterTimeout)
	killer := runnerKiller(t, deadline)

	if err := terraformCycle(ctx, t, false, deadline); err != nil {
		t.Log.Warnw("pre-destroy reconciling terraform apply failed; continuing with delete", "error", err)
	}

	if err := a.deleteUserNamespaces(ctx, t); err != nil {
		return fmt.Errorf("failed to delete user namespaces: %w", err)
	}

	if err := a.uninstallBootstrapCharts(ctx, t, spec); err != nil {
		return fmt.Errorf("failed to uninstall bootstrap charts: %w", err)
	}

	if err := a.deleteNodeGroups(ctx, t, spec); err != nil {
		return err
	}

	if res, err := t.Terraform.StateRemove(ctx, "aws_s3_bucket.kubeconfigs", killer); err != nil {
		t.Log.Warnw("terraform state rm failed, continuing with destroy", "output", res.FirstError, "error", err)
	}

	if _, err := t.Terraform.Destroy(ctx, killer); err != nil {
		return fmt.Errorf("terraform destroy failed: %w", err)
	}

	return nil
}

func (a *eksActuator) deleteUserNamespaces(ctx context.Context, t *Target) error {
	namespaces, err := safetyPassNamespaces(ctx, t)
	if err != nil {
		return err
	}
	for _, ns := range namespaces {
		n := &corev1.Namespace{}
		n.Name = ns
		if err := t.Kube.RuntimeClient.Delete(ctx, n); err != nil {
			t.Log.Warnw("failed to delete namespace during cluster delete", "namespace", ns, "error", err)
		}
	}
	return nil
}

func (a *eksActuator) uninstallBootstrapCharts(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	for _, rel := range bootstrapChartsFor(spec) {
		if spec.Options["karpenter_enabled"] == "true" && rel.Name == "karpenter" {
			continue
		}
		rel.Action = model.HelmActionDestroy
		if err := t.Helm.Apply(ctx, rel, "", nil); err != nil {
			t.Log.Warnw("failed to uninstall bootstrap chart during cluster delete", "chart", rel.Name, "error", err)
		}
	}
	return nil
}

func (a *eksActuator) deleteNodeGroups(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	if a.eksClient == nil {
		return nil
	}
	for _, ng := range spec.NodeGroups {
		if _, err := a.eksClient.DeleteNodegroup(ctx, &eks.DeleteNodegroupInput{
			ClusterName:   awsStr(spec.Options["cluster_name"]),
			NodegroupName: awsStr(ng.Name),
		}); err != nil {
			return fmt.Errorf("failed to delete node group %s: %w", ng.Name, err)
		}
	}
	return nil
}

const defaultClusterTimeout = 60 * time.Minute

// clusterUpgradeTimeout returns the apply/destroy timeout for an upgrade.
// It always returns defaultClusterTimeout: running pods and their
// terminationGracePeriodSeconds are not inspected.
func clusterUpgradeTimeout(ctx context.Context, t *Target) time.Duration {
	return defaultClusterTimeout
}

func clusterDetails(spec model.ClusterSpec) reporter.EventDetails {
	return reporter.EventDetails{
		CloudKind:   string(spec.Kind),
		Stage:       reporter.StageInfrastructure,
		Transmitter: reporter.TransmitterCluster,
	}
}
