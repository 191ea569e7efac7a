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
	"os"
	"path/filepath"
	"testing"
)

func TestVersionLessOrEqual(t *testing.T) {
	tests := []struct {
		name      string
		installed string
		onDisk    string
		want      bool
	}{
		{"installed strictly less than on-disk", "1.2.0", "1.3.0", true},
		{"installed equal to on-disk", "1.2.0", "1.2.0", true},
		{"installed greater than on-disk", "1.4.0", "1.3.0", false},
		{"unparseable installed version defaults to true", "not-a-version", "1.3.0", true},
		{"unparseable on-disk version defaults to true", "1.3.0", "not-a-version", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := versionLessOrEqual(tt.installed, tt.onDisk); got != tt.want {
				t.Errorf("versionLessOrEqual(%q, %q) = %v, want %v", tt.installed, tt.onDisk, got, tt.want)
			}
		})
	}
}

func TestOnDiskChartVersion(t *testing.T) {
	t.Run("reads the version field from Chart.yaml", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "Chart.yaml"), []byte("name: demo\nversion: 2.4.1\n"), 0o644); err != nil {
			t.Fatalf("failed to write fixture: %v", err)
		}
		if got := onDiskChartVersion(dir); got != "2.4.1" {
			t.Errorf("onDiskChartVersion(...) = %q, want %q", got, "2.4.1")
		}
	})

	t.Run("missing Chart.yaml returns empty string", func(t *testing.T) {
		dir := t.TempDir()
		if got := onDiskChartVersion(dir); got != "" {
			t.Errorf("onDiskChartVersion(...) = %q, want empty string", got)
		}
	})
}

func TestLoadValuesFile(t *testing.T) {
	t.Run("parses a values file into a map", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "values.yaml")
		if err := os.WriteFile(path, []byte("replicaCount: 3\nimage:\n  tag: v1\n"), 0o644); err != nil {
			t.Fatalf("failed to write fixture: %v", err)
		}
		vals, err := loadValuesFile(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if vals["replicaCount"] != 3 {
			t.Errorf("replicaCount = %v, want 3", vals["replicaCount"])
		}
	})

	t.Run("missing file is an error", func(t *testing.T) {
		if _, err := loadValuesFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Errorf("expected an error for a missing values file")
		}
	})
}
