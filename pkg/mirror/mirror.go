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

// Package mirror is the Image Mirror Pipeline (C5): decides whether a
// user image must be copied into the cluster registry, then logs in and
// mirrors with retry. Registry existence probing uses
// github.com/google/go-containerregistry (pkg/v1/remote), grounded on
// jordigilh-kubernaut's go.mod, the only pack repo depending on it
// directly. The actual docker pull/tag/push goes through the Command
// Runner (C1).
package mirror

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"go.uber.org/zap"

	"github.com/nexops/deploy-engine/pkg/metrics"
	"github.com/nexops/deploy-engine/pkg/model"
	"github.com/nexops/deploy-engine/pkg/reporter"
	"github.com/nexops/deploy-engine/pkg/retry"
	"github.com/nexops/deploy-engine/pkg/runner"
)

// Pipeline mirrors Registry-sourced images into the cluster registry.
type Pipeline struct {
	run      *runner.Runner
	log      *zap.SugaredLogger
	reporter *reporter.Sink
	metrics  *metrics.Collection
}

func New(run *runner.Runner, log *zap.SugaredLogger, rep *reporter.Sink, m *metrics.Collection) *Pipeline {
	return &Pipeline{run: run, log: log, reporter: rep, metrics: m}
}

// Decision is the computed (dst_registry, dst_image, dst_tag, must_mirror)
// tuple the mirror pipeline consumes.
type Decision struct {
	Ref        model.RegistryImageRef
	MustMirror bool
}

// Decide computes the mirror Decision for a Registry image source destined
// for the cluster registry at clusterRegistryHost.
func Decide(src model.ImageSource, clusterRegistryHost, serviceShortID string) Decision {
	if src.Kind == model.ImageSourceBuild {
		// Build sources skip mirroring entirely.
		return Decision{MustMirror: false}
	}

	srcHost := hostOf(src.RegistryURL)
	mustMirror := srcHost != clusterRegistryHost

	ref := model.RegistryImageRef{
		RegistryEndpoint: clusterRegistryHost,
		RepositoryName:   serviceShortID,
		ImageName:        src.ImageName,
		Tag:              src.Tag,
		MustMirror:       mustMirror,
	}
	return Decision{Ref: ref, MustMirror: mustMirror}
}

func hostOf(registryURL string) string {
	parts := strings.SplitN(registryURL, "/", 2)
	return parts[0]
}

// Run executes the full pipeline for one service's image: skip logic,
// existence probe, login with Fibonacci retry, and pull+tag+push with
// fixed-interval retry, with a heartbeat every 60s and a 30-minute hard
// timeout.
func (p *Pipeline) Run(ctx context.Context, src model.ImageSource, clusterRegistryHost, serviceShortID string, details reporter.EventDetails, abort <-chan struct{}) error {
	decision := Decide(src, clusterRegistryHost, serviceShortID)
	if !decision.MustMirror {
		p.reporter.Info(details, "image already resides in the destination registry; skipping mirror", nil)
		p.metrics.ImageMirrorsTotal.WithLabelValues("skip").Inc()
		return nil
	}

	destRef := fmt.Sprintf("%s/%s/%s:%s", decision.Ref.RegistryEndpoint, decision.Ref.RepositoryName, decision.Ref.ImageName, decision.Ref.Tag)
	exists, err := p.destinationExists(ctx, destRef)
	if err != nil {
		p.log.Warnw("failed to probe destination image existence; proceeding with mirror", "ref", destRef, "error", err)
	}
	if exists {
		p.reporter.Info(details, "destination image already present; skipping mirror", nil)
		p.metrics.ImageMirrorsTotal.WithLabelValues("skip").Inc()
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go p.heartbeat(ctx, details, heartbeatDone)
	defer close(heartbeatDone)

	if src.Credentials != nil {
		if err := p.login(ctx, src.RegistryURL, *src.Credentials); err != nil {
			p.metrics.ImageMirrorsTotal.WithLabelValues("login_failed").Inc()
			return fmt.Errorf("failed to log in to source registry %s: %w", src.RegistryURL, err)
		}
	}

	srcRef := fmt.Sprintf("%s/%s:%s", src.RegistryURL, src.ImageName, src.Tag)
	if err := p.mirror(ctx, srcRef, destRef, abort); err != nil {
		p.metrics.ImageMirrorsTotal.WithLabelValues("failed").Inc()
		return err
	}

	p.metrics.ImageMirrorsTotal.WithLabelValues("mirrored").Inc()
	p.reporter.Info(details, "image mirrored to cluster registry", map[string]any{"ref": destRef})
	return nil
}

func (p *Pipeline) heartbeat(ctx context.Context, details reporter.EventDetails, done <-chan struct{}) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			p.reporter.Info(details, "image mirror still in progress", nil)
		}
	}
}

// Cull removes a previously mirrored image tag from the cluster registry.
// Called post_run once a newer image has replaced ref under
// MirrorMode == Service; best-effort, the caller logs rather than fails
// the deployment on error.
func (p *Pipeline) Cull(ctx context.Context, ref string) error {
	r, err := name.ParseReference(ref)
	if err != nil {
		return fmt.Errorf("failed to parse image ref %s for cull: %w", ref, err)
	}
	if err := remote.Delete(r, remote.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to delete previously mirrored image %s: %w", ref, err)
	}
	p.metrics.ImageMirrorsTotal.WithLabelValues("culled").Inc()
	return nil
}

func (p *Pipeline) destinationExists(ctx context.Context, ref string) (bool, error) {
	exists := false
	err := retry.ProbePolicy().Do(ctx, func() error {
		r, err := name.ParseReference(ref)
		if err != nil {
			return retry.Permanent(err)
		}
		_, err = remote.Head(r, remote.WithContext(ctx))
		if err != nil {
			if strings.Contains(err.Error(), "MANIFEST_UNKNOWN") || strings.Contains(err.Error(), "NAME_UNKNOWN") {
				return nil
			}
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

func (p *Pipeline) login(ctx context.Context, registryURL string, creds model.RegistryCredentials) error {
	return retry.LoginPolicy().Do(ctx, func() error {
		return p.run.Run(ctx, "docker", []string{"login", registryURL, "-u", creds.Username, "--password-stdin"}, nil, creds.Password,
			func(string) {}, func(string) {}, runner.Killer{Deadline: time.Now().Add(30 * time.Second)})
	})
}

func (p *Pipeline) mirror(ctx context.Context, srcRef, destRef string, abort <-chan struct{}) error {
	return retry.MirrorPolicy().Do(ctx, func() error {
		killer := runner.Killer{Deadline: time.Now().Add(30 * time.Minute), Abort: abort}
		if err := p.run.Run(ctx, "docker", []string{"pull", srcRef}, nil, "", func(string) {}, func(string) {}, killer); err != nil {
			return err
		}
		if err := p.run.Run(ctx, "docker", []string{"tag", srcRef, destRef}, nil, "", func(string) {}, func(string) {}, killer); err != nil {
			return err
		}
		return p.run.Run(ctx, "docker", []string{"push", destRef}, nil, "", func(string) {}, func(string) {}, killer)
	})
}
