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

package workload

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/nexops/deploy-engine/pkg/kube"
)

const restartTimeout = 10 * time.Minute

// Unpause inverts Pause's patch. Deployments and StatefulSets are scaled
// back only when replicas == 0, and the DaemonSet pause selector is removed
// only when present; a CronJob is unsuspended whatever its current state.
// HPA is left untouched: it auto-disables while replicas == 0.
func (p *Primitives) Unpause(ctx context.Context, kind kube.Kind, ns, name string, restoreReplicas int32) error {
	switch kind {
	case kube.KindDeployment:
		d, err := p.kube.GetDeployment(ctx, ns, name)
		if err != nil || d == nil {
			return err
		}
		if !IsPaused(d.Spec.Replicas) {
			return nil
		}
		return p.kube.PatchScale(ctx, kind, ns, name, restoreReplicas)
	case kube.KindStatefulSet:
		s, err := p.kube.GetStatefulSet(ctx, ns, name)
		if err != nil || s == nil {
			return err
		}
		if !IsPaused(s.Spec.Replicas) {
			return nil
		}
		return p.kube.PatchScale(ctx, kind, ns, name, restoreReplicas)
	case kube.KindCronJob:
		return p.kube.Patch(ctx, kind, ns, name, mergePatch(map[string]any{"spec": map[string]any{"suspend": false}}))
	case kube.KindDaemonSet:
		return p.removeDaemonSetPauseSelector(ctx, ns, name)
	default:
		return nil
	}
}

func (p *Primitives) removeDaemonSetPauseSelector(ctx context.Context, ns, name string) error {
	selectors, err := p.getDaemonSetSpecNodeSelector(ctx, ns, name)
	if err != nil {
		return err
	}
	if _, paused := selectors["qovery-pause"]; !paused {
		return nil
	}
	// A JSON merge patch removes a map key only when the key is set to null.
	patch := mergePatch(map[string]any{
		"spec": map[string]any{"template": map[string]any{"spec": map[string]any{"nodeSelector": map[string]any{"qovery-pause": nil}}}},
	})
	return p.kube.Patch(ctx, kube.KindDaemonSet, ns, name, patch)
}

// Restart snapshots the most recent pod startTime matching selector, triggers
// a rolling restart, then waits until the number of ready pods whose
// startTime is newer than the snapshot equals expectedReplicas.
// Timeout is 10 minutes; cancellation fails with CancelledByUser.
func (p *Primitives) Restart(ctx context.Context, kind kube.Kind, ns, name, selector string, expectedReplicas int32, abort <-chan struct{}) error {
	pods, err := p.kube.ListPodsBySelector(ctx, ns, selector)
	if err != nil {
		return fmt.Errorf("failed to list pods for restart snapshot: %w", err)
	}
	snapshot := latestStartTime(pods)

	if err := p.kube.RollingRestart(ctx, kind, ns, name); err != nil {
		return fmt.Errorf("failed to trigger rolling restart of %s %s/%s: %w", kind, ns, name, err)
	}

	deadline := time.Now().Add(restartTimeout)
	_, err = kube.AwaitCondition(ctx, pausePollInterval, deadline, abort,
		func(ctx context.Context) (int32, error) {
			pods, err := p.kube.ListPodsBySelector(ctx, ns, selector)
			if err != nil {
				return 0, err
			}
			return countReadyAfter(pods, snapshot), nil
		},
		func(ready int32) bool { return ready == expectedReplicas },
	)
	return err
}

func latestStartTime(pods []corev1.Pod) time.Time {
	var latest time.Time
	for _, pod := range pods {
		if pod.Status.StartTime == nil {
			continue
		}
		if pod.Status.StartTime.Time.After(latest) {
			latest = pod.Status.StartTime.Time
		}
	}
	return latest
}

func countReadyAfter(pods []corev1.Pod, snapshot time.Time) int32 {
	var count int32
	for _, pod := range pods {
		if pod.Status.StartTime == nil || !pod.Status.StartTime.Time.After(snapshot) {
			continue
		}
		if isPodReady(pod) {
			count++
		}
	}
	return count
}

func isPodReady(pod corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
