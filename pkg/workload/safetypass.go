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
	"sync"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	ctrlruntimeclient "sigs.k8s.io/controller-runtime/pkg/client"
	"go.uber.org/zap"

	"github.com/nexops/deploy-engine/pkg/kube"
)

const crashLoopRestartThreshold = 3

// SafetyPass runs the cluster-wide safety pass ahead
// of a worker node-group upgrade: scale to zero any Deployment/StatefulSet
// stuck with replicas > 0 and readyReplicas == 0, then delete crash-looping
// pods (> 3 restarts) and completed Jobs. Pod deletion fans out one
// goroutine per candidate with a shared error channel, the same shape as
// NodeEviction.evictPods (pkg/node/eviction/eviction.go).
func (p *Primitives) SafetyPass(ctx context.Context, log *zap.SugaredLogger, namespaces []string) error {
	for _, ns := range namespaces {
		if err := p.scaleDownBrokenWorkloads(ctx, log, ns); err != nil {
			return err
		}
		if err := p.deleteCrashLoopingPods(ctx, log, ns); err != nil {
			return err
		}
		if err := p.deleteCompletedJobs(ctx, log, ns); err != nil {
			return err
		}
	}
	return nil
}

func (p *Primitives) scaleDownBrokenWorkloads(ctx context.Context, log *zap.SugaredLogger, ns string) error {
	var deployments appsv1.DeploymentList
	if err := p.kube.RuntimeClient.List(ctx, &deployments, ctrlruntimeclient.InNamespace(ns)); err != nil {
		return fmt.Errorf("failed to list deployments in %s: %w", ns, err)
	}
	for _, d := range deployments.Items {
		if d.Status.Replicas > 0 && d.Status.ReadyReplicas == 0 {
			log.Infow("scaling broken deployment to zero ahead of upgrade", "namespace", ns, "deployment", d.Name)
			if err := p.kube.PatchScale(ctx, kube.KindDeployment, ns, d.Name, 0); err != nil {
				return err
			}
		}
	}

	var statefulsets appsv1.StatefulSetList
	if err := p.kube.RuntimeClient.List(ctx, &statefulsets, ctrlruntimeclient.InNamespace(ns)); err != nil {
		return fmt.Errorf("failed to list statefulsets in %s: %w", ns, err)
	}
	for _, s := range statefulsets.Items {
		if s.Status.Replicas > 0 && s.Status.ReadyReplicas == 0 {
			log.Infow("scaling broken statefulset to zero ahead of upgrade", "namespace", ns, "statefulset", s.Name)
			if err := p.kube.PatchScale(ctx, kube.KindStatefulSet, ns, s.Name, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Primitives) deleteCrashLoopingPods(ctx context.Context, log *zap.SugaredLogger, ns string) error {
	var pods corev1.PodList
	if err := p.kube.RuntimeClient.List(ctx, &pods, ctrlruntimeclient.InNamespace(ns)); err != nil {
		return fmt.Errorf("failed to list pods in %s: %w", ns, err)
	}

	var candidates []corev1.Pod
	for _, pod := range pods.Items {
		if isCrashLooping(pod) {
			candidates = append(candidates, pod)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	errCh := make(chan error, len(candidates))
	var wg sync.WaitGroup
	wg.Add(len(candidates))
	for _, pod := range candidates {
		go func(pod corev1.Pod) {
			defer wg.Done()
			if err := p.kube.RuntimeClient.Delete(ctx, &pod); err != nil && !kerrors.IsNotFound(err) {
				errCh <- fmt.Errorf("failed to delete crash-looping pod %s/%s: %w", pod.Namespace, pod.Name, err)
				return
			}
			log.Infow("deleted crash-looping pod ahead of upgrade", "namespace", pod.Namespace, "pod", pod.Name)
		}(pod)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func isCrashLooping(pod corev1.Pod) bool {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.RestartCount > crashLoopRestartThreshold {
			return true
		}
	}
	return false
}

func (p *Primitives) deleteCompletedJobs(ctx context.Context, log *zap.SugaredLogger, ns string) error {
	var jobs batchv1.JobList
	if err := p.kube.RuntimeClient.List(ctx, &jobs, ctrlruntimeclient.InNamespace(ns)); err != nil {
		return fmt.Errorf("failed to list jobs in %s: %w", ns, err)
	}
	for _, job := range jobs.Items {
		if job.Status.Succeeded == 0 {
			continue
		}
		if err := p.kube.RuntimeClient.Delete(ctx, &job); err != nil && !kerrors.IsNotFound(err) {
			return fmt.Errorf("failed to delete completed job %s/%s: %w", ns, job.Name, err)
		}
		log.Infow("deleted completed job ahead of upgrade", "namespace", ns, "job", job.Name)
	}
	return nil
}
