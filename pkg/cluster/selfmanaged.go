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

	"github.com/nexops/deploy-engine/pkg/model"
)

// selfManagedActuator targets a cluster whose nodes the engine does not
// own: there is no cloud API to resize node groups or tear down compute,
// only the add-on charts layered on top of a pre-existing kubeconfig.
type selfManagedActuator struct{}

// newSelfManagedActuator ignores creds entirely: there's no cloud API to
// authenticate against for a cluster the engine doesn't provision.
func newSelfManagedActuator(ctx context.Context, creds Credentials, spec model.ClusterSpec) (Actuator, error) {
	return &selfManagedActuator{}, nil
}

func (a *selfManagedActuator) Bootstrap(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	return deployBootstrapCharts(ctx, t, []model.HelmRelease{
		{Name: "qovery-user-mapper", Namespace: "kube-system", Action: model.HelmActionDeploy},
	})
}

func (a *selfManagedActuator) Upgrade(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	namespaces, err := safetyPassNamespaces(ctx, t)
	if err != nil {
		return fmt.Errorf("failed to enumerate namespaces for safety pass: %w", err)
	}
	return t.Workload.SafetyPass(ctx, t.Log, namespaces)
}

// Pause is a no-op: the engine has no authority to scale node groups it
// does not provision.
func (a *selfManagedActuator) Pause(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	return nil
}

// Delete uninstalls the bootstrap charts only; the underlying nodes stay
// up since the engine never created them.
func (a *selfManagedActuator) Delete(ctx context.Context, t *Target, spec model.ClusterSpec) error {
	rel := model.HelmRelease{Name: "qovery-user-mapper", Namespace: "kube-system", Action: model.HelmActionDestroy}
	if err := t.Helm.Apply(ctx, rel, "", nil); err != nil {
		return fmt.Errorf("failed to uninstall bootstrap chart: %w", err)
	}
	return nil
}
