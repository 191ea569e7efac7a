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

// Package errors is the engine's error taxonomy, generalized from
// the cloudprovidererrors.TerminalError pattern used throughout the AWS
// provider (pkg/cloudprovider/provider/aws/provider.go).
package errors

import (
	"errors"
	"fmt"
)

// Kind is the categorical error bucket surfaced to the reporter.
type Kind string

const (
	KindUserError              Kind = "UserError"
	KindCloudTransient         Kind = "CloudTransient"
	KindClusterInvariantBroken Kind = "ClusterInvariantBroken"
	KindTimeout                Kind = "Timeout"
	KindAborted                Kind = "Aborted"
	KindInternal               Kind = "Internal"
)

// EngineError is the taxonomy's concrete type. Reason is a short machine
// token (e.g. "OneNodeGroupMustBeActiveAtLeast"); Message is human text.
type EngineError struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Retryable reports whether the component's retry policy should be applied.
// Only CloudTransient errors are retried; everything else is terminal.
func (e *EngineError) Retryable() bool { return e.Kind == KindCloudTransient }

func newErr(kind Kind, reason, msg string, err error) *EngineError {
	return &EngineError{Kind: kind, Reason: reason, Message: msg, Err: err}
}

func UserError(reason, msg string, err error) error {
	return newErr(KindUserError, reason, msg, err)
}

func CloudTransient(reason, msg string, err error) error {
	return newErr(KindCloudTransient, reason, msg, err)
}

func ClusterInvariantBroken(reason, msg string) error {
	return newErr(KindClusterInvariantBroken, reason, msg, nil)
}

func Timeout(reason, msg string) error {
	return newErr(KindTimeout, reason, msg, nil)
}

func Aborted(msg string) error {
	return newErr(KindAborted, "CancelledByUser", msg, nil)
}

func Internal(msg string, err error) error {
	return newErr(KindInternal, "Internal", msg, err)
}

// KindOf extracts the taxonomy Kind from err, if any.
func KindOf(err error) (Kind, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return "", false
}

// IsRetryable reports whether err's component retry policy should apply.
func IsRetryable(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Retryable()
	}
	return false
}

// Sentinel reasons used across components, named so callers can match on
// them without constructing a new EngineError each time.
var (
	// ErrOneNodeGroupMustBeActiveAtLeast is returned by the nodegroup
	// deletion-safety check when every existing node
	// group is in a failed state and the request is not a cluster delete.
	ErrOneNodeGroupMustBeActiveAtLeast = ClusterInvariantBroken(
		"OneNodeGroupMustBeActiveAtLeast",
		"at least one node group must remain active; refusing to delete all failed node groups",
	)

	// ErrCannotRestartService is returned by TerraformService's Pause/Restart
	// hooks and by the Job deployer's Restart hook, which are not supported
	// for those service kinds.
	ErrCannotRestartService = UserError(
		"CannotRestartService",
		"this action is not supported for this service kind",
		nil,
	)

	// ErrProviderNotFound mirrors cloudprovider.ErrProviderNotFound,
	// returned by the cluster-kind registry (pkg/cluster) when no actuator is
	// registered for the requested ClusterKind.
	ErrProviderNotFound = errors.New("cluster kind not found")

	// NoSupportedVersionAvailableErr and VersionNotAvailableErr are kept from
	// machine-controller. No code in this module returns them; the cluster
	// upgrade-status computation (pkg/cluster) does not use them.
	NoSupportedVersionAvailableErr = errors.New("no supported version available")
	VersionNotAvailableErr         = errors.New("version not available")
)

// CmdExitNonZero is returned by the Command Runner (C1) when a child process
// exits with a non-zero status.
type CmdExitNonZero struct {
	Code       int
	StderrTail string
}

func (e *CmdExitNonZero) Error() string {
	return fmt.Sprintf("command exited with code %d: %s", e.Code, e.StderrTail)
}

// ErrCmdAborted is returned by the Command Runner when the abort signal
// fires before the child process exits on its own.
var ErrCmdAborted = Aborted("command aborted")

// ErrCmdTimeout is returned by the Command Runner when the deadline elapses.
var ErrCmdTimeout = Timeout("CmdTimeout", "command timed out")
