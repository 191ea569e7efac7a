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
	"strings"
	"testing"
)

func TestForceTriggerJobName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short name gets suffix appended", "nightly-report", "nightly-report-force-trigger"},
		{"name at the 49-char base limit is kept whole", strings.Repeat("a", 49), strings.Repeat("a", 49) + "-force-trigger"},
		{"name over the base limit is truncated", strings.Repeat("a", 60), strings.Repeat("a", 49) + "-force-trigger"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := forceTriggerJobName(tt.in)
			if got != tt.want {
				t.Errorf("forceTriggerJobName(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if len(got) > 63 {
				t.Errorf("forceTriggerJobName(%q) produced a %d-char name, over the 63-char kubernetes object name limit", tt.in, len(got))
			}
		})
	}
}
