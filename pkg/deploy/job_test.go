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
	"testing"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
)

func jobWithConditions(conditions map[string]bool) *batchv1.Job {
	job := &batchv1.Job{}
	for condType, isTrue := range conditions {
		status := corev1.ConditionFalse
		if isTrue {
			status = corev1.ConditionTrue
		}
		job.Status.Conditions = append(job.Status.Conditions, batchv1.JobCondition{
			Type:   batchv1.JobConditionType(condType),
			Status: status,
		})
	}
	return job
}

func TestSerializeJobOutput(t *testing.T) {
	t.Run("string values stay unquoted", func(t *testing.T) {
		out, err := SerializeJobOutput(`{"db_url": {"value": "postgres://host:5432", "sensitive": true, "description": "connection string"}}`)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, ok := out["DB_URL"]
		if !ok {
			t.Fatalf("expected key DB_URL, got %+v", out)
		}
		if got.Value != "postgres://host:5432" {
			t.Errorf("Value = %q, want %q", got.Value, "postgres://host:5432")
		}
		if !got.Sensitive {
			t.Errorf("Sensitive = false, want true")
		}
		if got.Description != "connection string" {
			t.Errorf("Description = %q, want %q", got.Description, "connection string")
		}
	})

	t.Run("non-string values are JSON-stringified", func(t *testing.T) {
		out, err := SerializeJobOutput(`{"retries": {"value": 3}}`)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out["RETRIES"].Value != "3" {
			t.Errorf("Value = %q, want %q", out["RETRIES"].Value, "3")
		}
	})

	t.Run("missing sensitive defaults to false", func(t *testing.T) {
		out, err := SerializeJobOutput(`{"name": {"value": "worker"}}`)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out["NAME"].Sensitive {
			t.Errorf("Sensitive = true, want false")
		}
	})

	t.Run("missing value defaults to empty string", func(t *testing.T) {
		out, err := SerializeJobOutput(`{"empty": {}}`)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out["EMPTY"].Value != "" {
			t.Errorf("Value = %q, want empty string", out["EMPTY"].Value)
		}
	})

	t.Run("keys are uppercased", func(t *testing.T) {
		out, err := SerializeJobOutput(`{"mixedCase": {"value": "x"}}`)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := out["MIXEDCASE"]; !ok {
			t.Errorf("expected uppercased key MIXEDCASE, got %+v", out)
		}
	})

	t.Run("invalid JSON is an error", func(t *testing.T) {
		if _, err := SerializeJobOutput(`not json`); err == nil {
			t.Errorf("expected error for malformed JSON input")
		}
	})
}

func TestJobConditionTerminal(t *testing.T) {
	tests := []struct {
		name          string
		conditions    map[string]bool
		wantFailed    bool
		wantCompleted bool
	}{
		{"no conditions, not terminal", nil, false, false},
		{"success criteria met", map[string]bool{"SuccessCriteriaMet": true}, false, true},
		{"failure target reached", map[string]bool{"FailureTarget": true}, true, true},
		{"false-status conditions are ignored", map[string]bool{"SuccessCriteriaMet": false}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := jobWithConditions(tt.conditions)
			failed, completed := jobConditionTerminal(job)
			if failed != tt.wantFailed {
				t.Errorf("failed = %v, want %v", failed, tt.wantFailed)
			}
			if completed != tt.wantCompleted {
				t.Errorf("completed = %v, want %v", completed, tt.wantCompleted)
			}
		})
	}
}
