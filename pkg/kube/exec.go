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

package kube

import (
	"bytes"
	"context"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"

	enginerrors "github.com/nexops/deploy-engine/pkg/errors"
)

var execParameterCodec = scheme.ParameterCodec

// Exec runs argv inside container of pod ns/name, used by the Job and
// TerraformService deployers to talk to the qovery-wait-container-output
// sidecar.
func (c *Client) Exec(ctx context.Context, ns, pod, container string, argv []string) (ExecResult, error) {
	req := c.Typed.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(ns).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   argv,
			Stdin:     false,
			Stdout:    true,
			Stderr:    true,
			TTY:       false,
		}, execParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(c.RESTConfig, "POST", req.URL())
	if err != nil {
		return ExecResult{}, enginerrors.Internal("failed to build exec executor", err)
	}

	var stdout, stderr bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(exec_codeExitError); ok {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, enginerrors.Internal("exec failed", err)
	}
	return result, nil
}

// exec_codeExitError matches remotecommand's internal exit-code error shape
// without importing its unexported type directly.
type exec_codeExitError interface {
	error
	ExitStatus() int
}
