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

package deploy

import (
	"context"
	"fmt"

	"github.com/nexops/deploy-engine/pkg/model"
)

// DatabaseDeployer handles managed-database services. A Database is StatefulSet-shaped at the Helm chart level
// (the chart owns its own PVC/StatefulSet templates), so it reuses
// ContainerDeployer's Run/pause/restart behavior with Stateful forced true;
// the only Database-specific step is skipping the image mirror, since
// managed-database charts pull their own vendor images directly rather than
// routing through the cluster registry.
type DatabaseDeployer struct {
	container ContainerDeployer
}

func (d *DatabaseDeployer) PreRun(ctx context.Context, t *Target, req model.ServiceRequest) (State, error) {
	req.Stateful = true
	currentImage, err := d.container.currentlyDeployedImage(ctx, t, req)
	if err != nil {
		return State{}, fmt.Errorf("pre_run: failed to read currently-deployed database image: %w", err)
	}
	return State{LastDeployedImage: currentImage}, nil
}

func (d *DatabaseDeployer) Run(ctx context.Context, t *Target, req model.ServiceRequest, state State) (State, error) {
	req.Stateful = true
	return d.container.Run(ctx, t, req, state)
}

func (d *DatabaseDeployer) PostRun(ctx context.Context, t *Target, req model.ServiceRequest, state State, runErr error) {
	req.Stateful = true
	d.container.PostRun(ctx, t, req, state, runErr)
}

func (d *DatabaseDeployer) OnPause(ctx context.Context, t *Target, req model.ServiceRequest) error {
	req.Stateful = true
	return d.container.OnPause(ctx, t, req)
}

func (d *DatabaseDeployer) OnDelete(ctx context.Context, t *Target, req model.ServiceRequest) error {
	req.Stateful = true
	return d.container.OnDelete(ctx, t, req)
}

func (d *DatabaseDeployer) OnRestart(ctx context.Context, t *Target, req model.ServiceRequest) error {
	req.Stateful = true
	return d.container.OnRestart(ctx, t, req)
}
