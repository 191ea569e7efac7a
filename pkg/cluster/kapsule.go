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

	k8s "github.com/scaleway/scaleway-sdk-go/api/k8s/v1"
	"github.com/scaleway/scaleway-sdk-go/scw"

	"github.com/nexops/deploy-engine/pkg/model"
)

// kapsuleActuator is the Scaleway Kapsule cluster path. Unlike EKS, Kapsule
// upgrades are single-phase: the managed control plane handles master/worker
// version skew itself, so there's no masters-then-workers split and no
// cluster-autoscaler quiesce step.
type kapsuleActuator struct {
	k8sAPI *k8s.API
}

// newKapsuleActuator builds a Scaleway client the same way
// cloudprovider/provider/scaleway.provider does (scw.WithAuth plus
// scw.WithDefaultProjectID), then wraps the k8s API over it.
func newKapsuleActuator(ctx context.Context, creds Credentials, spec model.ClusterSpec) (Actuator, error) {
	client, err := scw.NewClient(
		scw.WithAuth(creds.ScalewayAccessKey, creds.ScalewaySecretKey),
		scw.WithDefaultRegion(scw.Region(spec.Region)),
		scw.WithDefaultProjectID(creds.ScalewayProjectID),
		scw.WithUserAgent("nexops-deploy-engine"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build scaleway client: %w", err)
	}
	return &kapsuleActuator{k8sAPI: k8s.NewAPI(client)}, nil
}

func (a *kapsuleActuator) Bootstrap(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	deadline := time.Now().Add(defaultClusterTimeout)
	if err := terraformCycle(ctx, t, false, deadline); err != nil {
		return err
	}
	return deployBootstrapCharts(ctx, t, []model.HelmRelease{
		{Name: "qovery-user-mapper", Namespace: "kube-system", Action: model.HelmActionDeploy},
		{Name: "cluster-autoscaler", Namespace: "kube-system", Action: model.HelmActionDeploy},
	})
}

func (a *kapsuleActuator) Upgrade(ctx context.Context, t *Target, spec model.ClusterSpec) error {
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

func (a *kapsuleActuator) Pause(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	for _, ng := range spec.NodeGroups {
		desired := SelectNodeGroupBehavior(model.ClusterActionPause, ng, nil)
		if err := a.setPoolSize(ctx, spec, desired); err != nil {
			return fmt.Errorf("failed to pause pool %s: %w", ng.Name, err)
		}
	}
	return nil
}

func (a *kapsuleActuator) setPoolSize(ctx context.Context, spec model.ClusterSpec, desired model.NodeGroupWithDesiredState) error {
	if a.k8sAPI == nil || !desired.EnableDesiredSize {
		return nil
	}
	size := uint32(desired.DesiredSize)
	_, err := a.k8sAPI.UpdatePool(&k8s.UpdatePoolRequest{
		Region:  scw.Region(spec.Region),
		PoolID:  desired.Name,
		Size:    &size,
	}, scw.WithContext(ctx))
	return err
}

func (a *kapsuleActuator) Delete(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	deadline := time.Now().Add(defaultClusterTimeout)
	killer := runnerKiller(t, deadline)
	if _, err := t.Terraform.Destroy(ctx, killer); err != nil {
		return fmt.Errorf("terraform destroy failed: %w", err)
	}
	return nil
}
