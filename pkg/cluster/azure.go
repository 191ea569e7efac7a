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

	"github.com/Azure/azure-sdk-for-go/services/containerservice/mgmt/2022-07-01/containerservice"
	"github.com/Azure/go-autorest/autorest/azure/auth"
	"github.com/Azure/go-autorest/autorest/to"

	"github.com/nexops/deploy-engine/pkg/model"
)

// azureActuator is the AKS cluster path. AKS, like GKE and Kapsule, owns
// master/worker version skew itself, so upgrades are single-phase.
type azureActuator struct {
	agentPools  containerservice.AgentPoolsClient
	resourceGrp string
}

// newAzureActuator authorizes the agent-pools client the same way
// cloudprovider/provider/azure.getClients does for every AKS/network
// client it builds: auth.NewClientCredentialsConfig(...).Authorizer().
func newAzureActuator(ctx context.Context, creds Credentials, spec model.ClusterSpec) (Actuator, error) {
	client := containerservice.NewAgentPoolsClient(creds.AzureSubscription)
	authorizer, err := auth.NewClientCredentialsConfig(creds.AzureClientID, creds.AzureClientSecret, creds.AzureTenantID).Authorizer()
	if err != nil {
		return nil, fmt.Errorf("failed to authorize azure client: %w", err)
	}
	client.Authorizer = authorizer
	return &azureActuator{agentPools: client, resourceGrp: spec.Options["resource_group"]}, nil
}

func (a *azureActuator) Bootstrap(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	deadline := time.Now().Add(defaultClusterTimeout)
	if err := terraformCycle(ctx, t, false, deadline); err != nil {
		return err
	}
	return deployBootstrapCharts(ctx, t, []model.HelmRelease{
		{Name: "qovery-user-mapper", Namespace: "kube-system", Action: model.HelmActionDeploy},
		{Name: "cluster-autoscaler", Namespace: "kube-system", Action: model.HelmActionDeploy},
	})
}

func (a *azureActuator) Upgrade(ctx context.Context, t *Target, spec model.ClusterSpec) error {
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

func (a *azureActuator) Pause(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	for _, ng := range spec.NodeGroups {
		desired := SelectNodeGroupBehavior(model.ClusterActionPause, ng, nil)
		if err := a.setAgentPoolCount(ctx, spec, desired); err != nil {
			return fmt.Errorf("failed to pause agent pool %s: %w", ng.Name, err)
		}
	}
	return nil
}

func (a *azureActuator) setAgentPoolCount(ctx context.Context, spec model.ClusterSpec, desired model.NodeGroupWithDesiredState) error {
	if a.resourceGrp == "" || !desired.EnableDesiredSize {
		return nil
	}
	profile, err := a.agentPools.Get(ctx, a.resourceGrp, spec.Options["cluster_name"], desired.Name)
	if err != nil {
		return err
	}
	profile.Count = to.Int32Ptr(desired.DesiredSize)
	future, err := a.agentPools.CreateOrUpdate(ctx, a.resourceGrp, spec.Options["cluster_name"], desired.Name, profile)
	if err != nil {
		return err
	}
	return future.WaitForCompletionRef(ctx, a.agentPools.Client)
}

func (a *azureActuator) Delete(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	deadline := time.Now().Add(defaultClusterTimeout)
	killer := runnerKiller(t, deadline)
	if _, err := t.Terraform.Destroy(ctx, killer); err != nil {
		return fmt.Errorf("terraform destroy failed: %w", err)
	}
	return nil
}
