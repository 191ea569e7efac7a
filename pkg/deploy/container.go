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
	"time"

	"github.com/nexops/deploy-engine/pkg/kube"
	"github.com/nexops/deploy-engine/pkg/model"
	"github.com/nexops/deploy-engine/pkg/reporter"
)

// ContainerDeployer handles Deployment- or StatefulSet-backed services
//.
type ContainerDeployer struct{}

func (c *ContainerDeployer) workloadKind(req model.ServiceRequest) kube.Kind {
	if req.Stateful {
		return kube.KindStatefulSet
	}
	return kube.KindDeployment
}

func (c *ContainerDeployer) PreRun(ctx context.Context, t *Target, req model.ServiceRequest) (State, error) {
	details := detailsFor(req)

	if err := t.Mirror.Run(ctx, req.Image, t.ClusterRegistry, req.Identity.ServiceShortID, details, t.Abort.Done()); err != nil {
		return State{}, fmt.Errorf("pre_run: image mirror failed for service %s: %w", req.Identity.ServiceShortID, err)
	}

	currentImage, err := c.currentlyDeployedImage(ctx, t, req)
	if err != nil {
		return State{}, fmt.Errorf("pre_run: failed to read currently-deployed image: %w", err)
	}

	return State{LastDeployedImage: currentImage}, nil
}

func (c *ContainerDeployer) currentlyDeployedImage(ctx context.Context, t *Target, req model.ServiceRequest) (string, error) {
	kind := c.workloadKind(req)
	if kind == kube.KindStatefulSet {
		s, err := t.Kube.GetStatefulSet(ctx, req.Release.Namespace, req.Identity.KubeName)
		if err != nil || s == nil || len(s.Spec.Template.Spec.Containers) == 0 {
			return "", err
		}
		return s.Spec.Template.Spec.Containers[0].Image, nil
	}
	d, err := t.Kube.GetDeployment(ctx, req.Release.Namespace, req.Identity.KubeName)
	if err != nil || d == nil || len(d.Spec.Template.Spec.Containers) == 0 {
		return "", err
	}
	return d.Spec.Template.Spec.Containers[0].Image, nil
}

func (c *ContainerDeployer) Run(ctx context.Context, t *Target, req model.ServiceRequest, state State) (State, error) {
	kind := c.workloadKind(req)

	if err := t.Workload.Unpause(ctx, kind, req.Release.Namespace, req.Identity.KubeName, req.Replicas); err != nil {
		return state, fmt.Errorf("run: failed to unpause %s %s/%s: %w", kind, req.Release.Namespace, req.Identity.KubeName, err)
	}

	// The release goes straight to the Helm Harness (C3), whose
	// upgradeInstall is a plain helm install or upgrade. No PVC is resized
	// and no Service is replaced on an ALB/NLB service-mode change, here or
	// in C3.
	backup := backupManagerFor(t)
	if err := t.Helm.Apply(ctx, req.Release, "", backup); err != nil {
		return state, fmt.Errorf("run: helm apply failed for release %s/%s: %w", req.Release.Namespace, req.Release.Name, err)
	}

	return state, nil
}

func (c *ContainerDeployer) PostRun(ctx context.Context, t *Target, req model.ServiceRequest, state State, runErr error) {
	details := detailsFor(req)
	if runErr != nil {
		t.Reporter.DeployedError(details, fmt.Sprintf("container deployment failed: %v", runErr), nil)
		return
	}

	newImage := req.Image.RegistryURL + "/" + req.Image.ImageName + ":" + req.Image.Tag
	if state.LastDeployedImage != "" && state.LastDeployedImage != newImage && t.MirrorMode == model.MirrorModeService {
		// Best-effort cleanup: never fails the deployment.
		if err := t.Mirror.Cull(ctx, state.LastDeployedImage); err != nil {
			t.Reporter.Info(details, "failed to cull previously mirrored image tag", map[string]any{"image": state.LastDeployedImage, "error": err.Error()})
		} else {
			t.Reporter.Info(details, "culled previously mirrored image tag", map[string]any{"image": state.LastDeployedImage})
		}
	}
	t.Reporter.DeployedSuccess(details, "container deployment succeeded", nil)
}

func (c *ContainerDeployer) OnPause(ctx context.Context, t *Target, req model.ServiceRequest) error {
	kind := c.workloadKind(req)
	deadline := time.Now().Add(5 * time.Minute)
	return t.Workload.Pause(ctx, kind, req.Release.Namespace, req.Identity.KubeName, req.Identity.KubeLabelSelector, 0, deadline, t.Abort.Done())
}

// legacyPVCSelectorCutoff resolves the open
// question on the legacy PVC selector: both selectors are queried until
// this date.
var legacyPVCSelectorCutoff = time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)

func (c *ContainerDeployer) OnDelete(ctx context.Context, t *Target, req model.ServiceRequest) error {
	if err := t.Helm.Apply(ctx, model.HelmRelease{
		Name: req.Release.Name, Namespace: req.Release.Namespace, Action: model.HelmActionDestroy,
	}, "", backupManagerFor(t)); err != nil {
		return fmt.Errorf("on_delete: helm uninstall failed: %w", err)
	}

	if !req.Stateful {
		return nil
	}

	// Both the current and legacy selectors are attempted even if the
	// first fails: accumulate, don't short-circuit.
	var firstErr error
	if err := t.Kube.DeleteAllMatching(ctx, kube.KindPVC, req.Release.Namespace, req.Identity.KubeLabelSelector, kube.DeleteModeBackground); err != nil {
		firstErr = fmt.Errorf("failed to delete PVCs by current selector: %w", err)
	}
	if time.Now().Before(legacyPVCSelectorCutoff) {
		legacySelector := "app=" + req.Identity.KubeName
		if err := t.Kube.DeleteAllMatching(ctx, kube.KindPVC, req.Release.Namespace, legacySelector, kube.DeleteModeBackground); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to delete PVCs by legacy selector: %w", err)
		}
	}
	return firstErr
}

func (c *ContainerDeployer) OnRestart(ctx context.Context, t *Target, req model.ServiceRequest) error {
	kind := c.workloadKind(req)
	return t.Workload.Restart(ctx, kind, req.Release.Namespace, req.Identity.KubeName, req.Identity.KubeLabelSelector, req.Replicas, t.Abort.Done())
}

func detailsFor(req model.ServiceRequest) reporter.EventDetails {
	return reporter.EventDetails{
		Stage:       reporter.StageEnvironment,
		Transmitter: reporter.TransmitterService,
		StageStep:   string(req.Kind),
	}
}
