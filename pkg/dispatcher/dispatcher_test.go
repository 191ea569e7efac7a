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

package dispatcher

import (
	"testing"

	"github.com/nexops/deploy-engine/pkg/model"
)

func svc(shortID string, kind model.ServiceKind, stateful bool) model.ServiceRequest {
	return model.ServiceRequest{
		Identity: model.ServiceIdentity{ServiceShortID: shortID},
		Kind:     kind,
		Stateful: stateful,
	}
}

func TestGroupFor(t *testing.T) {
	tests := []struct {
		name string
		req  model.ServiceRequest
		want serviceGroup
	}{
		{"database kind is always grouped as database", svc("db", model.ServiceKindDatabase, false), groupDatabase},
		{"terraform kind is grouped last regardless of stateful flag", svc("tf", model.ServiceKindTerraformService, true), groupTerraform},
		{"stateful container is grouped stateful", svc("c1", model.ServiceKindContainer, true), groupStateful},
		{"stateless container is grouped stateless", svc("c2", model.ServiceKindContainer, false), groupStateless},
		{"job defaults to stateless when not stateful", svc("j1", model.ServiceKindJob, false), groupStateless},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := groupFor(tt.req); got != tt.want {
				t.Errorf("groupFor(...) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOrderServices(t *testing.T) {
	stateless := svc("stateless", model.ServiceKindContainer, false)
	stateful := svc("stateful", model.ServiceKindContainer, true)
	database := svc("database", model.ServiceKindDatabase, false)
	terraform := svc("terraform", model.ServiceKindTerraformService, false)

	got := orderServices([]model.ServiceRequest{terraform, stateless, database, stateful})
	want := []string{"database", "stateful", "stateless", "terraform"}

	if len(got) != len(want) {
		t.Fatalf("orderServices(...) returned %d services, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Identity.ServiceShortID != w {
			t.Errorf("position %d = %q, want %q", i, got[i].Identity.ServiceShortID, w)
		}
	}
}

func TestOrderServicesIsStableWithinGroup(t *testing.T) {
	first := svc("first", model.ServiceKindContainer, false)
	second := svc("second", model.ServiceKindContainer, false)
	third := svc("third", model.ServiceKindContainer, false)

	got := orderServices([]model.ServiceRequest{third, first, second})
	if len(got) != 3 {
		t.Fatalf("expected 3 services, got %d", len(got))
	}
	// same group (stateless) in all three, so order must be preserved as-given
	want := []string{"third", "first", "second"}
	for i, w := range want {
		if got[i].Identity.ServiceShortID != w {
			t.Errorf("position %d = %q, want %q", i, got[i].Identity.ServiceShortID, w)
		}
	}
}

func TestOrderServicesEmptyInput(t *testing.T) {
	if got := orderServices(nil); len(got) != 0 {
		t.Errorf("expected no services, got %d", len(got))
	}
}
