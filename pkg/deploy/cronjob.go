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

	batchv1 "k8s.io/api/batch/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	enginerrors "github.com/nexops/deploy-engine/pkg/errors"
	"github.com/nexops/deploy-engine/pkg/kube"
	"github.com/nexops/deploy-engine/pkg/model"
)

// forceTriggerTimeout bounds how long forceTrigger waits for the
// synthesized Job to reach a terminal condition.
const forceTriggerTimeout = 63 * time.Minute

// CronJobDeployer handles CronJob-backed services.
// The CronJob's own schedule drives normal execution; this deployer also
// force-triggers an out-of-band run on every Create action. No schedule
// selector is consulted: the request carries none.
type CronJobDeployer struct{}

// forceTriggerJobName truncates name to 49 characters and appends
// "-force-trigger", keeping the result within Kubernetes' 63-character
// object name limit.
func forceTriggerJobName(name string) string {
	const suffix = "-force-trigger"
	maxBase := 63 - len(suffix)
	if maxBase > 49 {
		maxBase = 49
	}
	if len(name) > maxBase {
		name = name[:maxBase]
	}
	return name + suffix
}

func (c *CronJobDeployer) PreRun(ctx context.Context, t *Target, req model.ServiceRequest) (State, error) {
	details := detailsFor(req)
	if err := t.Mirror.Run(ctx, req.Image, t.ClusterRegistry, req.Identity.ServiceShortID, details, t.Abort.Done()); err != nil {
		return State{}, fmt.Errorf("pre_run: image mirror failed for cronjob %s: %w", req.Identity.ServiceShortID, err)
	}
	return State{}, nil
}

func (c *CronJobDeployer) Run(ctx context.Context, t *Target, req model.ServiceRequest, state State) (State, error) {
	if err := t.Helm.Apply(ctx, req.Release, "", backupManagerFor(t)); err != nil {
		return state, fmt.Errorf("run: helm apply failed for cronjob release %s/%s: %w", req.Release.Namespace, req.Release.Name, err)
	}

	if req.Identity.Action != model.ServiceActionCreate {
		return state, nil
	}
	return state, c.forceTrigger(ctx, t, req)
}

// forceTrigger synthesizes a one-shot Job from the deployed CronJob's pod
// template, the same mechanism `kubectl create job --from=cronjob` uses
//.
func (c *CronJobDeployer) forceTrigger(ctx context.Context, t *Target, req model.ServiceRequest) error {
	var cj batchv1.CronJob
	if err := t.Kube.RuntimeClient.Get(ctx, types.NamespacedName{Namespace: req.Release.Namespace, Name: req.Identity.KubeName}, &cj); err != nil {
		return fmt.Errorf("failed to read cronjob %s/%s for force-trigger: %w", req.Release.Namespace, req.Identity.KubeName, err)
	}

	jobName := forceTriggerJobName(req.Identity.KubeName)
	ttl := int32(10)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: req.Release.Namespace,
			Labels:    cj.Spec.JobTemplate.Labels,
		},
		Spec: cj.Spec.JobTemplate.Spec,
	}
	job.Spec.TTLSecondsAfterFinished = &ttl
	if err := t.Kube.RuntimeClient.Create(ctx, job); err != nil {
		if kerrors.IsAlreadyExists(err) {
			return c.awaitForceTriggerCompletion(ctx, t, req.Release.Namespace, jobName)
		}
		return fmt.Errorf("failed to create force-trigger job for cronjob %s/%s: %w", req.Release.Namespace, req.Identity.KubeName, err)
	}
	return c.awaitForceTriggerCompletion(ctx, t, req.Release.Namespace, jobName)
}

// awaitForceTriggerCompletion polls the synthesized Job until it reaches a
// terminal condition or forceTriggerTimeout elapses. A Job that has already
// been TTL-reaped by the time of a poll is treated as a successful
// completion rather than an error.
func (c *CronJobDeployer) awaitForceTriggerCompletion(ctx context.Context, t *Target, ns, name string) error {
	deadline := time.Now().Add(forceTriggerTimeout)
	for {
		var job batchv1.Job
		err := t.Kube.RuntimeClient.Get(ctx, types.NamespacedName{Namespace: ns, Name: name}, &job)
		if kerrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get force-trigger job %s/%s: %w", ns, name, err)
		}
		if failed, completed := jobConditionTerminal(&job); completed {
			if failed {
				return fmt.Errorf("force-trigger job %s/%s failed", ns, name)
			}
			return nil
		}
		select {
		case <-t.Abort.Done():
			if t.Abort.Status() >= 2 {
				return enginerrors.Aborted("force-cancelled while awaiting force-trigger job")
			}
		case <-time.After(2 * time.Second):
		}
		if time.Now().After(deadline) {
			return enginerrors.Timeout("ForceTriggerTimeout", "force-trigger job execution exceeded its deadline")
		}
	}
}

func (c *CronJobDeployer) PostRun(ctx context.Context, t *Target, req model.ServiceRequest, state State, runErr error) {
	details := detailsFor(req)
	if runErr != nil {
		t.Reporter.DeployedError(details, fmt.Sprintf("cronjob deployment failed: %v", runErr), nil)
		return
	}
	t.Reporter.DeployedSuccess(details, "cronjob deployment succeeded", nil)
}

func (c *CronJobDeployer) OnPause(ctx context.Context, t *Target, req model.ServiceRequest) error {
	return t.Workload.Pause(ctx, kube.KindCronJob, req.Release.Namespace, req.Identity.KubeName, req.Identity.KubeLabelSelector, 0, time.Now().Add(time.Minute), t.Abort.Done())
}

func (c *CronJobDeployer) OnDelete(ctx context.Context, t *Target, req model.ServiceRequest) error {
	return t.Helm.Apply(ctx, model.HelmRelease{Name: req.Release.Name, Namespace: req.Release.Namespace, Action: model.HelmActionDestroy}, "", backupManagerFor(t))
}

func (c *CronJobDeployer) OnRestart(ctx context.Context, t *Target, req model.ServiceRequest) error {
	return nil
}
