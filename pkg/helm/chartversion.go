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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrlruntimeclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/nexops/deploy-engine/pkg/model"
)

// loadValuesFile reads one YAML values file into a generic map.
func loadValuesFile(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read values file %s: %w", path, err)
	}
	var vals map[string]interface{}
	if err := yaml.Unmarshal(raw, &vals); err != nil {
		return nil, fmt.Errorf("failed to parse values file %s: %w", path, err)
	}
	return vals, nil
}

// onDiskChartVersion reads the version field out of <chartPath>/Chart.yaml.
func onDiskChartVersion(chartPath string) string {
	raw, err := os.ReadFile(filepath.Join(chartPath, "Chart.yaml"))
	if err != nil {
		return ""
	}
	var meta struct {
		Version string `yaml:"version"`
	}
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return ""
	}
	return meta.Version
}

// versionLessOrEqual reports installed <= onDisk, matching the "installed
// chart version <= on-disk chart version" backup-mode trigger. Unparseable
// versions are treated conservatively as "enter backup mode".
func versionLessOrEqual(installed, onDisk string) bool {
	iv, err1 := semver.NewVersion(installed)
	ov, err2 := semver.NewVersion(onDisk)
	if err1 != nil || err2 != nil {
		return true
	}
	return iv.Compare(ov) <= 0
}

var crdMajorMinorRe = regexp.MustCompile(`^v(\d+)\.(\d+)$`)

// applyCRDsIfNeeded reads the currently
// installed app-version; if the CRD path doesn't already match v<major>.
// <minor>, apply each CRD found under <chartPath>/crds with server-side
// apply and force-conflicts, before the release upgrade proceeds.
func (h *Harness) applyCRDsIfNeeded(ctx context.Context, rel model.HelmRelease) error {
	installedAppVersion, err := h.installedAppVersion(rel.Name)
	if err != nil {
		// No prior release: always apply CRDs.
		return h.applyCRDDir(ctx, rel)
	}
	v, err := semver.NewVersion(installedAppVersion)
	if err != nil {
		// Unparseable installed app-version: always apply CRDs.
		return h.applyCRDDir(ctx, rel)
	}
	wantPath := fmt.Sprintf("v%d.%d", v.Major(), v.Minor())
	crdDir := filepath.Join(rel.ChartPath, "crds")
	if strings.HasSuffix(crdDir, wantPath) {
		return nil
	}
	return h.applyCRDDir(ctx, rel)
}

func (h *Harness) installedAppVersion(releaseName string) (string, error) {
	hist, err := h.cfg.Releases.History(releaseName)
	if err != nil || len(hist) == 0 {
		return "", fmt.Errorf("no release history for %s", releaseName)
	}
	latest := hist[len(hist)-1]
	if latest.Chart == nil || latest.Chart.Metadata == nil {
		return "", fmt.Errorf("release %s has no chart metadata", releaseName)
	}
	return latest.Chart.Metadata.AppVersion, nil
}

func (h *Harness) applyCRDDir(ctx context.Context, rel model.HelmRelease) error {
	crdDir := filepath.Join(rel.ChartPath, "crds")
	entries, err := os.ReadDir(crdDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read CRD directory %s: %w", crdDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(crdDir, entry.Name()))
		if err != nil {
			return err
		}
		var crd apiextensionsv1.CustomResourceDefinition
		if err := yaml.Unmarshal(raw, &crd); err != nil {
			return fmt.Errorf("failed to parse CRD %s: %w", entry.Name(), err)
		}
		if err := h.serverSideApplyCRD(ctx, &crd); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) serverSideApplyCRD(ctx context.Context, crd *apiextensionsv1.CustomResourceDefinition) error {
	crd.TypeMeta = metav1.TypeMeta{Kind: "CustomResourceDefinition", APIVersion: "apiextensions.k8s.io/v1"}
	return h.kube.RuntimeClient.Patch(ctx, crd, ctrlruntimeclient.Apply,
		ctrlruntimeclient.FieldOwner("deploy-engine"),
		ctrlruntimeclient.ForceOwnership,
	)
}
