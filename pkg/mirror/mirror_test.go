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

package mirror

import (
	"testing"

	"github.com/nexops/deploy-engine/pkg/model"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name               string
		src                model.ImageSource
		clusterRegistryHost string
		wantMustMirror     bool
	}{
		{
			"build sources never mirror",
			model.ImageSource{Kind: model.ImageSourceBuild, RegistryURL: "docker.io/library", ImageName: "app", Tag: "v1"},
			"docker.io",
			false,
		},
		{
			"registry image already on cluster registry host skips mirror",
			model.ImageSource{Kind: model.ImageSourceRegistry, RegistryURL: "registry.internal/team", ImageName: "app", Tag: "v1"},
			"registry.internal",
			false,
		},
		{
			"registry image on a foreign host must mirror",
			model.ImageSource{Kind: model.ImageSourceRegistry, RegistryURL: "docker.io/library", ImageName: "app", Tag: "v1"},
			"registry.internal",
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.src, tt.clusterRegistryHost, "svc-short-id")
			if got.MustMirror != tt.wantMustMirror {
				t.Errorf("MustMirror = %v, want %v", got.MustMirror, tt.wantMustMirror)
			}
		})
	}
}

func TestDecideBuildsDestinationRef(t *testing.T) {
	got := Decide(
		model.ImageSource{Kind: model.ImageSourceRegistry, RegistryURL: "docker.io/library", ImageName: "app", Tag: "v2"},
		"registry.internal",
		"svc-short-id",
	)
	if got.Ref.RegistryEndpoint != "registry.internal" {
		t.Errorf("RegistryEndpoint = %q, want %q", got.Ref.RegistryEndpoint, "registry.internal")
	}
	if got.Ref.RepositoryName != "svc-short-id" {
		t.Errorf("RepositoryName = %q, want %q", got.Ref.RepositoryName, "svc-short-id")
	}
	if got.Ref.ImageName != "app" || got.Ref.Tag != "v2" {
		t.Errorf("ImageName/Tag = %q/%q, want %q/%q", got.Ref.ImageName, got.Ref.Tag, "app", "v2")
	}
	if !got.Ref.MustMirror {
		t.Errorf("expected MustMirror to be true for a foreign-host image")
	}
}

func TestHostOf(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"registry.internal/team/app", "registry.internal"},
		{"docker.io/library/nginx", "docker.io"},
		{"justahost", "justahost"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := hostOf(tt.in); got != tt.want {
				t.Errorf("hostOf(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
