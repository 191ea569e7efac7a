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

// Package terraform is the Terraform Harness (C4): init/validate/plan/
// apply/destroy/state-rm over a working directory that already contains
// rendered .tf files, thin wrapper over the Command Runner (C1) per spec
// §4.4. No HCL parser is pulled in: terraform's own stderr text is the
// contract we parse, not a file we own (see DESIGN.md).
package terraform

import (
	"context"
	"strings"
	"time"

	"github.com/nexops/deploy-engine/pkg/runner"
)

// Harness runs terraform subcommands against one working directory.
type Harness struct {
	run *runner.Runner
	dir string
}

func New(run *runner.Runner, workDir string) *Harness {
	return &Harness{run: run, dir: workDir}
}

// Result captures a subcommand's outcome, including the first "Error:"
// block extracted from stderr for user-facing messages.
type Result struct {
	Stdout     []string
	FirstError string
}

func (h *Harness) exec(ctx context.Context, args []string, killer runner.Killer) (Result, error) {
	var res Result
	stderrBlock := &errorBlockExtractor{}

	err := h.run.Run(ctx, "terraform", append([]string{"-chdir=" + h.dir}, args...), nil, "",
		func(line string) { res.Stdout = append(res.Stdout, line) },
		func(line string) { stderrBlock.feed(line) },
		killer,
	)
	res.FirstError = stderrBlock.block()
	return res, err
}

func (h *Harness) Init(ctx context.Context, killer runner.Killer) (Result, error) {
	return h.exec(ctx, []string{"init", "-input=false"}, killer)
}

func (h *Harness) Validate(ctx context.Context, killer runner.Killer) (Result, error) {
	return h.exec(ctx, []string{"validate"}, killer)
}

func (h *Harness) Plan(ctx context.Context, outFile string, killer runner.Killer) (Result, error) {
	args := []string{"plan", "-input=false"}
	if outFile != "" {
		args = append(args, "-out="+outFile)
	}
	return h.exec(ctx, args, killer)
}

// Apply supports a dry-run mode that stops after Plan.
func (h *Harness) Apply(ctx context.Context, dryRun bool, killer runner.Killer) (Result, error) {
	planFile := "plan.tfplan"
	planRes, err := h.Plan(ctx, planFile, killer)
	if err != nil || dryRun {
		return planRes, err
	}
	return h.exec(ctx, []string{"apply", "-input=false", "-auto-approve", planFile}, killer)
}

func (h *Harness) Destroy(ctx context.Context, killer runner.Killer) (Result, error) {
	return h.exec(ctx, []string{"destroy", "-input=false", "-auto-approve"}, killer)
}

// StateRemove removes addr from state. Per the resolved open question
// resolution, failures here are downgraded to warnings by the caller
// (pkg/cluster), not by this harness.
func (h *Harness) StateRemove(ctx context.Context, addr string, killer runner.Killer) (Result, error) {
	return h.exec(ctx, []string{"state", "rm", addr}, killer)
}

// Output runs "terraform output -json" and returns its raw Result. Parsing
// the JSON is left to the caller; this harness only runs the subcommand.
func (h *Harness) Output(ctx context.Context, killer runner.Killer) (Result, error) {
	return h.exec(ctx, []string{"output", "-json"}, killer)
}

// errorBlockExtractor is a tiny state machine over terraform's stderr
// stream: it captures from the first line starting with "Error:" through
// the next blank line.
type errorBlockExtractor struct {
	capturing bool
	lines     []string
}

func (e *errorBlockExtractor) feed(line string) {
	trimmed := strings.TrimSpace(line)
	if !e.capturing {
		if strings.HasPrefix(trimmed, "Error:") {
			e.capturing = true
			e.lines = append(e.lines, trimmed)
		}
		return
	}
	if trimmed == "" {
		e.capturing = false
		return
	}
	e.lines = append(e.lines, trimmed)
}

func (e *errorBlockExtractor) block() string {
	return strings.Join(e.lines, "\n")
}

// defaultApplyTimeout is a 20-minute apply timeout. Nothing in this module
// references it: callers pass their own deadline through runner.Killer.
const defaultApplyTimeout = 20 * time.Minute
