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

package workload

import (
	"testing"
)

func TestIsPaused(t *testing.T) {
	zero := int32(0)
	nonZero := int32(3)

	tests := []struct {
		name     string
		replicas *int32
		want     bool
	}{
		{"nil replicas is not considered paused", nil, false},
		{"zero replicas is paused", &zero, true},
		{"non-zero replicas is not paused", &nonZero, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPaused(tt.replicas); got != tt.want {
				t.Errorf("IsPaused(%v) = %v, want %v", tt.replicas, got, tt.want)
			}
		})
	}
}

func TestMergePatch(t *testing.T) {
	got := mergePatch(map[string]any{"spec": map[string]any{"suspend": true}})
	want := `{"spec":{"suspend":true}}`
	if string(got) != want {
		t.Errorf("mergePatch(...) = %s, want %s", got, want)
	}
}
