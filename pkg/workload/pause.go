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

// Package workload is the Pause/Restart Primitives (C6): scale workloads to
// zero, rolling-restart, and wait for convergence. Convergence is awaited
// by polling through kube.AwaitCondition. The safety pass (safetypass.go)
// fans pod deletions out one goroutine per pod over a sync.WaitGroup, a
// shape taken from the pkg/node/eviction package; it deletes pods directly,
// without the eviction API or PodDisruptionBudget-aware retry.
package workload

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexops/deploy-engine/pkg/kube"
)

const pausePollInterval = 10 * time.Second

// Primitives operates pause/unpause/restart against one cluster.
type Primitives struct {
	kube *kube.Client
}

func New(kubeClient *kube.Client) *Primitives {
	return &Primitives{kube: kubeClient}
}

// Pause scales the named workload to zero (or suspends/locks it out,
// depending on kind) and waits for convergence. Pause is
// idempotent: running it twice leaves replicas == 0 with no error
//.
func (p *Primitives) Pause(ctx context.Context, kind kube.Kind, ns, name, selector string, desiredSize int32, deadline time.Time, abort <-chan struct{}) error {
	switch kind {
	case kube.KindDeployment, kube.KindStatefulSet:
		if err := p.kube.PatchScale(ctx, kind, ns, name, 0); err != nil {
			return fmt.Errorf("failed to scale %s %s/%s to zero: %w", kind, ns, name, err)
		}
	case kube.KindCronJob:
		if err := p.kube.Patch(ctx, kind, ns, name, mergePatch(map[string]any{"spec": map[string]any{"suspend": true}})); err != nil {
			return fmt.Errorf("failed to suspend cronjob %s/%s: %w", ns, name, err)
		}
	case kube.KindDaemonSet:
		if err := p.addDaemonSetPauseSelector(ctx, ns, name); err != nil {
			return err
		}
	case kube.KindJob:
		// Job is a no-op for pause.
		return nil
	default:
		return fmt.Errorf("pause not supported for kind %s", kind)
	}

	return p.awaitPauseConverged(ctx, kind, ns, name, selector, desiredSize, deadline, abort)
}

func (p *Primitives) addDaemonSetPauseSelector(ctx context.Context, ns, name string) error {
	ds, err := p.getDaemonSetSpecNodeSelector(ctx, ns, name)
	if err != nil {
		return err
	}
	selectors := ds
	if selectors == nil {
		selectors = map[string]string{}
	}
	selectors["qovery-pause"] = "true"
	patch := mergePatch(map[string]any{
		"spec": map[string]any{
			"template": map[string]any{
				"spec": map[string]any{
					"nodeSelector": selectors,
				},
			},
		},
	})
	return p.kube.Patch(ctx, kube.KindDaemonSet, ns, name, patch)
}

func mergePatch(body map[string]any) []byte {
	out, _ := json.Marshal(body)
	return out
}

func (p *Primitives) awaitPauseConverged(ctx context.Context, kind kube.Kind, ns, name, selector string, desiredSize int32, deadline time.Time, abort <-chan struct{}) error {
	_, err := kube.AwaitCondition(ctx, pausePollInterval, deadline, abort,
		func(ctx context.Context) (bool, error) {
			converged, err := p.conditionHolds(ctx, kind, ns, name)
			if err != nil || !converged {
				return false, err
			}
			pods, err := p.kube.ListPodsBySelector(ctx, ns, selector)
			if err != nil {
				return false, err
			}
			return int32(len(pods)) == desiredSize, nil
		},
		func(ok bool) bool { return ok },
	)
	return err
}

func (p *Primitives) conditionHolds(ctx context.Context, kind kube.Kind, ns, name string) (bool, error) {
	switch kind {
	case kube.KindDeployment:
		d, err := p.kube.GetDeployment(ctx, ns, name)
		if err != nil || d == nil {
			return false, err
		}
		return d.Status.ReadyReplicas == 0, nil
	case kube.KindStatefulSet:
		s, err := p.kube.GetStatefulSet(ctx, ns, name)
		if err != nil || s == nil {
			return false, err
		}
		return s.Status.ReadyReplicas == 0, nil
	case kube.KindCronJob, kube.KindDaemonSet:
		return true, nil
	default:
		return true, nil
	}
}

func (p *Primitives) getDaemonSetSpecNodeSelector(ctx context.Context, ns, name string) (map[string]string, error) {
	ds, err := p.kube.GetDaemonSet(ctx, ns, name)
	if err != nil {
		return nil, err
	}
	if ds == nil {
		return nil, nil
	}
	return ds.Spec.Template.Spec.NodeSelector, nil
}

// IsPaused reports whether a Deployment/StatefulSet appears paused
// (replicas == 0), used by Unpause to decide whether to act at all.
func IsPaused(replicas *int32) bool {
	return replicas != nil && *replicas == 0
}
