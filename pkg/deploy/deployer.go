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

// Package deploy is the Service Deployers (C7): per-service-kind state
// machines (Container, Job, CronJob, TerraformService, Database) following
// the pre_run -> run -> post_run skeleton shared by every service kind. The skeleton itself
// is grounded on pkg/controller/machine/machine.go's
// create/update/delete state machine, generalized from one Machine object
// to one environment service, with a reporter.Sink threaded through every
// phase instead of machine.go's MetricsCollection.
package deploy

import (
	"context"

	"github.com/nexops/deploy-engine/pkg/helm"
	"github.com/nexops/deploy-engine/pkg/kube"
	"github.com/nexops/deploy-engine/pkg/mirror"
	"github.com/nexops/deploy-engine/pkg/model"
	"github.com/nexops/deploy-engine/pkg/reporter"
	"github.com/nexops/deploy-engine/pkg/runner"
	"github.com/nexops/deploy-engine/pkg/workload"
)

// State carries data threaded from pre_run through run to post_run. Every
// deployer shares this one type; LastDeployedImage is used by post_run to
// cull the previous mirrored image from the cache.
type State struct {
	LastDeployedImage string
}

// Target bundles the collaborators a deployer needs, the Go-shaped
// equivalent of a deployment target. It is passed by reference into
// every deployer; deployers never hold a back-reference to their caller,
// since cyclic back-references invite leaks and make the call graph
// harder to reason about.
type Target struct {
	Kube              *kube.Client
	Helm              *helm.Harness
	Mirror            *mirror.Pipeline
	Workload          *workload.Primitives
	Runner            *runner.Runner
	Reporter          *reporter.Sink
	ClusterRegistry   string
	MirrorMode        model.MirrorMode
	Abort             *runner.AbortHandle
}

// Deployer is the three-phase skeleton every service kind implements.
type Deployer interface {
	PreRun(ctx context.Context, t *Target, req model.ServiceRequest) (State, error)
	Run(ctx context.Context, t *Target, req model.ServiceRequest, state State) (State, error)
	PostRun(ctx context.Context, t *Target, req model.ServiceRequest, state State, runErr error)
	OnPause(ctx context.Context, t *Target, req model.ServiceRequest) error
	OnDelete(ctx context.Context, t *Target, req model.ServiceRequest) error
	OnRestart(ctx context.Context, t *Target, req model.ServiceRequest) error
}

// Execute drives one service through pre_run -> run -> post_run, strictly
// serial, matching the dispatcher's per-environment ordering rule.
func Execute(ctx context.Context, d Deployer, t *Target, req model.ServiceRequest) error {
	state, err := d.PreRun(ctx, t, req)
	if err != nil {
		return err
	}
	state, runErr := d.Run(ctx, t, req, state)
	d.PostRun(ctx, t, req, state, runErr)
	return runErr
}

// backupManagerFor builds the Helm backup-mode collaborator bound to t's
// kube client. Deployers never hold one themselves to keep Target the
// single point of wiring (see the "cyclic back-references" design note).
func backupManagerFor(t *Target) *helm.BackupManager {
	return helm.NewBackupManager(t.Kube)
}

// ForKind resolves the Deployer for req.Kind. Unrecognized kinds are a
// ClusterInvariantBroken-class programmer error, since the dispatcher (C9)
// is responsible for only ever constructing known kinds.
func ForKind(kind model.ServiceKind) Deployer {
	switch kind {
	case model.ServiceKindContainer:
		return &ContainerDeployer{}
	case model.ServiceKindJob:
		return &JobDeployer{}
	case model.ServiceKindCronJob:
		return &CronJobDeployer{}
	case model.ServiceKindTerraformService:
		return &TerraformServiceDeployer{}
	case model.ServiceKindDatabase:
		return &DatabaseDeployer{}
	default:
		return nil
	}
}
