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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"

	enginerrors "github.com/nexops/deploy-engine/pkg/errors"
	"github.com/nexops/deploy-engine/pkg/kube"
	"github.com/nexops/deploy-engine/pkg/model"
)

// ScheduleSelector names a lifecycle event a Job/CronJob's workload can be
// tied to; JobDeployer.shouldRun maps each selector to its action. No
// request field carries selectors and shouldRun has no caller, so the
// selectors do not decide which events run a workload.
type ScheduleSelector string

const (
	ScheduleOnStart  ScheduleSelector = "OnStart"
	ScheduleOnPause  ScheduleSelector = "OnPause"
	ScheduleOnDelete ScheduleSelector = "OnDelete"
	ScheduleCron     ScheduleSelector = "Cron"
)

// JobOutputVariable is one entry of a Job's JSON output map.
type JobOutputVariable struct {
	Value       string `json:"value"`
	Sensitive   bool   `json:"sensitive"`
	Description string `json:"description"`
}

// rawJobOutputVariable mirrors the loosely-typed JSON a job may emit: value
// can be any JSON scalar/object, not just a string.
type rawJobOutputVariable struct {
	Value       json.RawMessage `json:"value"`
	Sensitive   *bool           `json:"sensitive"`
	Description *string         `json:"description"`
}

// SerializeJobOutput normalizes job output values: non-string JSON values
// are JSON-stringified, string values remain unquoted, missing "sensitive"
// defaults to false, missing "value" defaults to "". Keys are uppercased.
func SerializeJobOutput(raw string) (map[string]JobOutputVariable, error) {
	var decoded map[string]rawJobOutputVariable
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse job output JSON: %w", err)
	}

	out := make(map[string]JobOutputVariable, len(decoded))
	for key, v := range decoded {
		value := ""
		if len(v.Value) > 0 {
			var asString string
			if err := json.Unmarshal(v.Value, &asString); err == nil {
				value = asString
			} else {
				value = string(v.Value)
			}
		}
		sensitive := false
		if v.Sensitive != nil {
			sensitive = *v.Sensitive
		}
		description := ""
		if v.Description != nil {
			description = *v.Description
		}
		out[strings.ToUpper(key)] = JobOutputVariable{Value: value, Sensitive: sensitive, Description: description}
	}
	return out, nil
}

// JobDeployer handles one-shot Job-kind services.
type JobDeployer struct{}

func (j *JobDeployer) shouldRun(req model.ServiceRequest, selectors []ScheduleSelector, action model.ServiceAction) bool {
	for _, s := range selectors {
		switch {
		case s == ScheduleOnStart && action == model.ServiceActionCreate:
			return true
		case s == ScheduleOnPause && action == model.ServiceActionPause:
			return true
		case s == ScheduleOnDelete && action == model.ServiceActionDelete:
			return true
		}
	}
	return false
}

func (j *JobDeployer) PreRun(ctx context.Context, t *Target, req model.ServiceRequest) (State, error) {
	details := detailsFor(req)
	if err := t.Mirror.Run(ctx, req.Image, t.ClusterRegistry, req.Identity.ServiceShortID, details, t.Abort.Done()); err != nil {
		return State{}, fmt.Errorf("pre_run: image mirror failed for job %s: %w", req.Identity.ServiceShortID, err)
	}
	// Job specs are immutable: delete the previous Job object before
	// installing a new release. Scoped to the release namespace and label
	// selector so this never touches Jobs belonging to other releases.
	if err := t.Kube.DeleteAllMatching(ctx, kube.KindJob, req.Release.Namespace, req.Identity.KubeLabelSelector, kube.DeleteModeBackground); err != nil {
		// Best-effort: a missing prior Job is not an error.
		_ = err
	}
	return State{}, nil
}

func (j *JobDeployer) Run(ctx context.Context, t *Target, req model.ServiceRequest, state State) (State, error) {
	if err := t.Helm.Apply(ctx, req.Release, "", backupManagerFor(t)); err != nil {
		return state, fmt.Errorf("run: helm apply failed for job release %s/%s: %w", req.Release.Namespace, req.Release.Name, err)
	}

	exitCode, err := j.awaitUserContainerTerminated(ctx, t, req)
	if err != nil {
		return state, err
	}

	if exitCode == 0 {
		output, err := j.captureAndForwardOutput(ctx, t, req)
		if err != nil {
			return state, err
		}
		_ = output
	}

	if err := j.releaseWaiterSidecar(ctx, t, req); err != nil {
		return state, err
	}

	return state, j.awaitJobCompletion(ctx, t, req)
}

const userContainerName = "user-container"
const waiterSidecarName = "qovery-wait-container-output"

func (j *JobDeployer) podName(ctx context.Context, t *Target, req model.ServiceRequest) (string, error) {
	pods, err := t.Kube.ListPodsBySelector(ctx, req.Release.Namespace, req.Identity.KubeLabelSelector)
	if err != nil || len(pods) == 0 {
		return "", err
	}
	return pods[0].Name, nil
}

// awaitUserContainerTerminated polls until the user container reaches a
// terminated state with an exit code.
func (j *JobDeployer) awaitUserContainerTerminated(ctx context.Context, t *Target, req model.ServiceRequest) (int32, error) {
	deadline := jobDeadline(req)
	var exitCode int32
	for {
		pods, err := t.Kube.ListPodsBySelector(ctx, req.Release.Namespace, req.Identity.KubeLabelSelector)
		if err != nil {
			return 0, err
		}
		if term, ok := userContainerTerminated(pods); ok {
			exitCode = term
			break
		}
		select {
		case <-t.Abort.Done():
			if t.Abort.Status() >= 2 {
				return 0, enginerrors.Aborted("force-cancelled while awaiting job container")
			}
		case <-time.After(2 * time.Second):
		}
		if time.Now().After(deadline) {
			return 0, enginerrors.Timeout("JobExecutionTimeout", "job execution exceeded its deadline")
		}
	}
	return exitCode, nil
}

func userContainerTerminated(pods []corev1.Pod) (int32, bool) {
	for _, pod := range pods {
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name != userContainerName {
				continue
			}
			if cs.State.Terminated != nil {
				return cs.State.Terminated.ExitCode, true
			}
		}
	}
	return 0, false
}

func (j *JobDeployer) captureAndForwardOutput(ctx context.Context, t *Target, req model.ServiceRequest) (map[string]JobOutputVariable, error) {
	pod, err := j.podName(ctx, t, req)
	if err != nil || pod == "" {
		return nil, err
	}
	res, err := t.Kube.Exec(ctx, req.Release.Namespace, pod, waiterSidecarName, []string{"/qovery-job-output-waiter", "--display-output-file"})
	if err != nil {
		return nil, fmt.Errorf("failed to exec output waiter: %w", err)
	}
	if strings.TrimSpace(res.Stdout) == "" {
		return nil, nil
	}
	output, err := SerializeJobOutput(res.Stdout)
	if err != nil {
		return nil, err
	}
	payload := make(map[string]any, len(output))
	for k, v := range output {
		payload[k] = v
	}
	t.Reporter.Info(detailsFor(req), "job produced output variables", payload)
	return output, nil
}

func (j *JobDeployer) releaseWaiterSidecar(ctx context.Context, t *Target, req model.ServiceRequest) error {
	pod, err := j.podName(ctx, t, req)
	if err != nil || pod == "" {
		return err
	}
	_, err = t.Kube.Exec(ctx, req.Release.Namespace, pod, waiterSidecarName, []string{"/qovery-job-output-waiter", "--terminate"})
	return err
}

// jobConditionTerminal reports whether the batch Job has a terminal
// condition. A Job is Failed when a FailureTarget condition exists;
// Completed when FailureTarget or SuccessCriteriaMet exists.
func jobConditionTerminal(job *batchv1.Job) (failed, completed bool) {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch string(cond.Type) {
		case "FailureTarget":
			failed = true
			completed = true
		case "SuccessCriteriaMet":
			completed = true
		}
	}
	return
}

// jobDeadline computes "60s + max_duration * (max_restarts + 1)".
func jobDeadline(req model.ServiceRequest) time.Time {
	maxDuration := 10 * time.Minute
	maxRestarts := 0
	return time.Now().Add(60*time.Second + maxDuration*time.Duration(maxRestarts+1))
}

func (j *JobDeployer) awaitJobCompletion(ctx context.Context, t *Target, req model.ServiceRequest) error {
	deadline := jobDeadline(req)
	for {
		var job batchv1.Job
		if err := t.Kube.RuntimeClient.Get(ctx, types.NamespacedName{Namespace: req.Release.Namespace, Name: req.Identity.KubeName}, &job); err != nil {
			return fmt.Errorf("failed to get job %s/%s: %w", req.Release.Namespace, req.Identity.KubeName, err)
		}
		failed, completed := jobConditionTerminal(&job)
		if completed {
			if failed {
				return fmt.Errorf("job %s/%s failed", req.Release.Namespace, req.Identity.KubeName)
			}
			return nil
		}
		select {
		case <-t.Abort.Done():
			if t.Abort.Status() >= 2 {
				return enginerrors.Aborted("force-cancelled while awaiting job completion")
			}
		case <-time.After(2 * time.Second):
		}
		if time.Now().After(deadline) {
			return enginerrors.Timeout("JobExecutionTimeout", "job execution exceeded its deadline")
		}
	}
}

func (j *JobDeployer) PostRun(ctx context.Context, t *Target, req model.ServiceRequest, state State, runErr error) {
	details := detailsFor(req)
	if runErr != nil {
		t.Reporter.DeployedError(details, fmt.Sprintf("job execution failed: %v", runErr), nil)
		return
	}
	t.Reporter.DeployedSuccess(details, "job execution succeeded", nil)
}

func (j *JobDeployer) OnPause(ctx context.Context, t *Target, req model.ServiceRequest) error {
	return nil
}

func (j *JobDeployer) OnDelete(ctx context.Context, t *Target, req model.ServiceRequest) error {
	return t.Helm.Apply(ctx, model.HelmRelease{Name: req.Release.Name, Namespace: req.Release.Namespace, Action: model.HelmActionDestroy}, "", backupManagerFor(t))
}

func (j *JobDeployer) OnRestart(ctx context.Context, t *Target, req model.ServiceRequest) error {
	return enginerrors.ErrCannotRestartService
}
