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

package helm

import (
	"strings"
	"testing"
)

func TestBackupSecretName(t *testing.T) {
	got := backupSecretName("my-release", "ConfigMap")
	want := "my-release-configmap-q-backup"
	if got != want {
		t.Errorf("backupSecretName(...) = %q, want %q", got, want)
	}
}

func TestStripListAndMetadata(t *testing.T) {
	in := strings.Join([]string{
		"apiVersion: v1",
		"kind: List",
		"items:",
		"  - apiVersion: v1",
		"    kind: ConfigMap",
		"    metadata:",
		"      name: foo",
		"      resourceVersion: \"123\"",
		"      uid: abc-def",
		"    data:",
		"      key: value",
		"  - apiVersion: v1",
		"    kind: ConfigMap",
		"    metadata:",
		"      name: bar",
	}, "\n")

	got := stripListAndMetadata(in)

	if strings.Contains(got, "kind: List") {
		t.Errorf("expected list wrapper to be stripped, got:\n%s", got)
	}
	if strings.Contains(got, "resourceVersion:") {
		t.Errorf("expected resourceVersion to be stripped, got:\n%s", got)
	}
	if strings.Contains(got, "uid:") {
		t.Errorf("expected uid to be stripped, got:\n%s", got)
	}
	if strings.Contains(got, "name: bar") {
		t.Errorf("expected truncation at the second metadata block, got:\n%s", got)
	}
	if !strings.Contains(got, "name: foo") {
		t.Errorf("expected the first item's metadata to survive, got:\n%s", got)
	}
}

func TestDedent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  indented", "indented"},
		{"not indented", "not indented"},
		{"    double indented", "  double indented"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := dedent(tt.in); got != tt.want {
				t.Errorf("dedent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
