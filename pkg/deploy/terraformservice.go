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
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	enginerrors "github.com/nexops/deploy-engine/pkg/errors"
	"github.com/nexops/deploy-engine/pkg/model"
	"github.com/nexops/deploy-engine/pkg/runner"
	"github.com/nexops/deploy-engine/pkg/terraform"
)

// terraformApplyTimeout bounds how long Run waits for the pod running
// "terraform apply" to reach a terminal state, mirroring forceTriggerTimeout.
const terraformApplyTimeout = 63 * time.Minute

const terraformOutputPath = "/qovery-output/output.json"
const terraformTerminatePath = "/qovery-output/terminate"

// TerraformServiceDeployer runs a rendered Terraform configuration as a
// one-shot Job-backed service (C7), the same install-then-wait-then-exec
// model JobDeployer uses: the Helm Harness (C3) installs a release
// containing a Job whose user-container runs "terraform apply" against the
// release's ChartPath, alongside an output-waiter sidecar. Outputs are
// pulled with a pod exec rather than a local "terraform output" call, since
// the working directory and its state live inside that pod, not on this
// process.
type TerraformServiceDeployer struct{}

func (t *TerraformServiceDeployer) PreRun(ctx context.Context, target *Target, req model.ServiceRequest) (State, error) {
	if err := t.writeBackendSecret(ctx, target, req); err != nil {
		return State{}, fmt.Errorf("pre_run: failed to stage backend config secret: %w", err)
	}
	return State{}, nil
}

func (t *TerraformServiceDeployer) Run(ctx context.Context, target *Target, req model.ServiceRequest, state State) (State, error) {
	defer t.removeBackendSecret(ctx, target, req)

	if err := target.Helm.Apply(ctx, req.Release, "", backupManagerFor(target)); err != nil {
		return state, fmt.Errorf("run: helm apply failed for terraform release %s/%s: %w", req.Release.Namespace, req.Release.Name, err)
	}

	deadline := time.Now().Add(terraformApplyTimeout)
	pod, exitCode, err := t.awaitUserContainerTerminated(ctx, target, req, deadline)
	if err != nil {
		return state, err
	}
	if exitCode != 0 {
		return state, fmt.Errorf("run: terraform apply exited %d for %s", exitCode, req.Identity.ServiceShortID)
	}

	outputs, err := t.fetchOutputs(ctx, target, req, pod)
	if err != nil {
		target.Reporter.Warning(detailsFor(req), "failed to fetch terraform outputs", map[string]any{"error": err.Error()})
	}
	_ = outputs

	if err := t.signalTerminate(ctx, target, req, pod); err != nil {
		target.Reporter.Warning(detailsFor(req), "failed to signal terraform output waiter to terminate", map[string]any{"error": err.Error()})
	}

	return state, t.awaitJobCompletion(ctx, target, req, deadline)
}

// awaitUserContainerTerminated polls until the Job's user-container reaches
// a terminated state, the same wait JobDeployer.awaitUserContainerTerminated
// performs over the same "user-container" convention.
func (t *TerraformServiceDeployer) awaitUserContainerTerminated(ctx context.Context, target *Target, req model.ServiceRequest, deadline time.Time) (string, int32, error) {
	for {
		pods, err := target.Kube.ListPodsBySelector(ctx, req.Release.Namespace, req.Identity.KubeLabelSelector)
		if err != nil {
			return "", 0, err
		}
		if exitCode, ok := userContainerTerminated(pods); ok {
			return pods[0].Name, exitCode, nil
		}
		select {
		case <-target.Abort.Done():
			if target.Abort.Status() >= 2 {
				return "", 0, enginerrors.Aborted("force-cancelled while awaiting terraform apply")
			}
		case <-time.After(2 * time.Second):
		}
		if time.Now().After(deadline) {
			return "", 0, enginerrors.Timeout("TerraformApplyTimeout", "terraform apply exceeded its deadline")
		}
	}
}

func (t *TerraformServiceDeployer) fetchOutputs(ctx context.Context, target *Target, req model.ServiceRequest, pod string) (map[string]JobOutputVariable, error) {
	res, err := target.Kube.Exec(ctx, req.Release.Namespace, pod, waiterSidecarName, []string{"cat", terraformOutputPath})
	if err != nil {
		return nil, fmt.Errorf("failed to exec output waiter: %w", err)
	}
	raw := strings.TrimSpace(res.Stdout)
	if raw == "" {
		return nil, nil
	}
	outputs, err := SerializeJobOutput(raw)
	if err != nil {
		return nil, err
	}
	payload := make(map[string]any, len(outputs))
	for k, v := range outputs {
		payload[k] = v
	}
	target.Reporter.Info(detailsFor(req), "terraform service produced output variables", payload)
	return outputs, nil
}

// signalTerminate touches terraformTerminatePath inside the output waiter
// sidecar, the file it watches for before exiting and letting the Job
// complete.
func (t *TerraformServiceDeployer) signalTerminate(ctx context.Context, target *Target, req model.ServiceRequest, pod string) error {
	_, err := target.Kube.Exec(ctx, req.Release.Namespace, pod, waiterSidecarName, []string{"touch", terraformTerminatePath})
	return err
}

// awaitJobCompletion polls the Job object itself for a terminal condition,
// the same mechanism JobDeployer.awaitJobCompletion uses: the pod reaching
// a terminated user-container is a proxy, the Job's own conditions are the
// authority.
func (t *TerraformServiceDeployer) awaitJobCompletion(ctx context.Context, target *Target, req model.ServiceRequest, deadline time.Time) error {
	for {
		var job batchv1.Job
		if err := target.Kube.RuntimeClient.Get(ctx, types.NamespacedName{Namespace: req.Release.Namespace, Name: req.Identity.KubeName}, &job); err != nil {
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
		case <-target.Abort.Done():
			if target.Abort.Status() >= 2 {
				return enginerrors.Aborted("force-cancelled while awaiting terraform job completion")
			}
		case <-time.After(2 * time.Second):
		}
		if time.Now().After(deadline) {
			return enginerrors.Timeout("TerraformApplyTimeout", "terraform job execution exceeded its deadline")
		}
	}
}

func (t *TerraformServiceDeployer) backendSecretName(req model.ServiceRequest) string {
	return req.Identity.KubeName + "-tf-backend"
}

// writeBackendSecret materializes backend credentials as a Secret the
// rendered .tf files reference; it is removed again as soon as terraform
// finishes, scoped to this one run.
func (t *TerraformServiceDeployer) writeBackendSecret(ctx context.Context, target *Target, req model.ServiceRequest) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      t.backendSecretName(req),
			Namespace: req.Release.Namespace,
		},
		StringData: map[string]string{
			"service_id": req.Identity.ServiceShortID,
		},
	}
	if err := target.Kube.RuntimeClient.Create(ctx, secret); err != nil {
		return target.Kube.RuntimeClient.Update(ctx, secret)
	}
	return nil
}

func (t *TerraformServiceDeployer) removeBackendSecret(ctx context.Context, target *Target, req model.ServiceRequest) {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      t.backendSecretName(req),
			Namespace: req.Release.Namespace,
		},
	}
	_ = target.Kube.RuntimeClient.Delete(ctx, secret)
}

func (t *TerraformServiceDeployer) PostRun(ctx context.Context, target *Target, req model.ServiceRequest, state State, runErr error) {
	details := detailsFor(req)
	if runErr != nil {
		target.Reporter.DeployedError(details, fmt.Sprintf("terraform service run failed: %v", runErr), nil)
		return
	}
	target.Reporter.DeployedSuccess(details, "terraform service run succeeded", nil)
}

// OnPause is rejected: a TerraformService has no running workload to scale.
func (t *TerraformServiceDeployer) OnPause(ctx context.Context, target *Target, req model.ServiceRequest) error {
	return enginerrors.ErrCannotRestartService
}

// OnDelete runs "terraform destroy" locally against the working directory
// left on disk from the last Run, then uninstalls the Helm release Run
// installed to execute "terraform apply" in-cluster. Destroy runs first so
// a failed destroy leaves the release (and its state) in place for a retry.
func (t *TerraformServiceDeployer) OnDelete(ctx context.Context, target *Target, req model.ServiceRequest) error {
	harness := terraform.New(target.Runner, req.Release.ChartPath)
	killer := runner.Killer{Deadline: time.Now().Add(20 * time.Minute), Abort: target.Abort.Done()}
	if res, err := harness.Destroy(ctx, killer); err != nil {
		if res.FirstError != "" {
			return fmt.Errorf("terraform destroy failed for %s: %s", req.Identity.ServiceShortID, res.FirstError)
		}
		return fmt.Errorf("terraform destroy failed for %s: %w", req.Identity.ServiceShortID, err)
	}

	if err := target.Helm.Apply(ctx, model.HelmRelease{
		Name: req.Release.Name, Namespace: req.Release.Namespace, Action: model.HelmActionDestroy,
	}, "", backupManagerFor(target)); err != nil {
		return fmt.Errorf("on_delete: helm uninstall failed for terraform release %s/%s: %w", req.Release.Namespace, req.Release.Name, err)
	}
	return nil
}

// OnRestart is rejected: terraform services run to completion exactly once
// per converge and have no long-running process to bounce.
func (t *TerraformServiceDeployer) OnRestart(ctx context.Context, target *Target, req model.ServiceRequest) error {
	return enginerrors.ErrCannotRestartService
}
