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

package cluster

import (
	"errors"
	"testing"

	enginerrors "github.com/nexops/deploy-engine/pkg/errors"
	"github.com/nexops/deploy-engine/pkg/model"
)

func int32p(i int32) *int32 { return &i }

func TestSelectNodeGroupBehavior(t *testing.T) {
	ng := model.NodeGroup{Name: "workers", Min: 2, Max: 10}

	tests := []struct {
		name         string
		action       model.ClusterAction
		currentNodes *int32
		wantSize     int32
		wantEnable   bool
	}{
		{"bootstrap clamps to min", model.ClusterActionBootstrap, nil, 2, true},
		{"pause clamps to min and disables", model.ClusterActionPause, int32p(7), 2, false},
		{"delete clamps to min and disables", model.ClusterActionDelete, int32p(7), 2, false},
		{"update with unknown current defaults to max", model.ClusterActionUpdate, nil, 10, true},
		{"update within bounds keeps size, doesn't move", model.ClusterActionUpdate, int32p(5), 5, false},
		{"update below min clamps up", model.ClusterActionUpdate, int32p(1), 2, true},
		{"update above max clamps down", model.ClusterActionUpdate, int32p(20), 10, true},
		{"upgrade behaves like update", model.ClusterActionUpgrade, int32p(1), 2, true},
		{"resume with unknown current defaults to min", model.ClusterActionResume, nil, 2, true},
		{"resume clamps observed size and always enables", model.ClusterActionResume, int32p(20), 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectNodeGroupBehavior(tt.action, ng, tt.currentNodes)
			if got.DesiredSize != tt.wantSize {
				t.Errorf("DesiredSize = %d, want %d", got.DesiredSize, tt.wantSize)
			}
			if got.EnableDesiredSize != tt.wantEnable {
				t.Errorf("EnableDesiredSize = %v, want %v", got.EnableDesiredSize, tt.wantEnable)
			}
		})
	}
}

func TestSelectNodeGroupsToRemove(t *testing.T) {
	active := model.NodeGroupWithDesiredState{NodeGroup: model.NodeGroup{Name: "a"}, Status: model.NodeGroupStatusActive}
	failed := model.NodeGroupWithDesiredState{NodeGroup: model.NodeGroup{Name: "b"}, Status: model.NodeGroupStatusDeleteFailed}
	degraded := model.NodeGroupWithDesiredState{NodeGroup: model.NodeGroup{Name: "c"}, Status: model.NodeGroupStatusDegraded}

	t.Run("no candidates when all active", func(t *testing.T) {
		out, err := SelectNodeGroupsToRemove([]model.NodeGroupWithDesiredState{active})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(out) != 0 {
			t.Errorf("expected no removal candidates, got %d", len(out))
		}
	})

	t.Run("returns failed groups alongside at least one active", func(t *testing.T) {
		out, err := SelectNodeGroupsToRemove([]model.NodeGroupWithDesiredState{active, failed})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(out) != 1 || out[0].Name != "b" {
			t.Errorf("expected only %q as a removal candidate, got %+v", "b", out)
		}
	})

	t.Run("refuses to remove every node group", func(t *testing.T) {
		_, err := SelectNodeGroupsToRemove([]model.NodeGroupWithDesiredState{failed, degraded})
		if !errors.Is(err, enginerrors.ErrOneNodeGroupMustBeActiveAtLeast) {
			t.Fatalf("expected ErrOneNodeGroupMustBeActiveAtLeast, got %v", err)
		}
	})

	t.Run("empty input is a no-op", func(t *testing.T) {
		out, err := SelectNodeGroupsToRemove(nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(out) != 0 {
			t.Errorf("expected no candidates for empty input, got %d", len(out))
		}
	})
}
