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

// Package helm is the Helm Harness (C3): install/upgrade/uninstall releases
// through the helm.sh/helm/v3 Go SDK's action package, with pre-upgrade
// resource backup into Secrets and CRD update gating. Grounded
// on AMD-AGI-Primus-SaFE/resource-manager's go.mod, the one pack repo that
// imports helm.sh/helm/v3 directly rather than shelling the helm CLI.
package helm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"

	"github.com/nexops/deploy-engine/pkg/kube"
	"github.com/nexops/deploy-engine/pkg/model"
)

// Harness runs Helm actions against one cluster.
type Harness struct {
	kube *kube.Client
	cfg  *action.Configuration
	log  *zap.SugaredLogger
}

// New builds a Harness bound to the given cluster's kubeconfig path.
func New(log *zap.SugaredLogger, kubeClient *kube.Client, kubeconfigPath string) (*Harness, error) {
	settings := cli.New()
	settings.KubeConfig = kubeconfigPath

	cfg := new(action.Configuration)
	if err := cfg.Init(settings.RESTClientGetter(), "", "secrets", func(format string, v ...interface{}) {
		log.Debugf(format, v...)
	}); err != nil {
		return nil, fmt.Errorf("failed to init helm action configuration: %w", err)
	}
	return &Harness{kube: kubeClient, cfg: cfg, log: log}, nil
}

// Apply runs the full install/upgrade contract for one
// HelmRelease. backup is the backup-mode collaborator (see backup.go).
func (h *Harness) Apply(ctx context.Context, rel model.HelmRelease, installedChartVersion string, backup *BackupManager) error {
	switch rel.Action {
	case model.HelmActionSkip:
		return nil
	case model.HelmActionDestroy:
		return h.uninstall(rel)
	}

	backupMode := len(rel.BackupResources) > 0 && versionLessOrEqual(installedChartVersion, onDiskChartVersion(rel.ChartPath))
	var captured []model.BackupEntry
	if backupMode {
		entries, err := backup.Capture(ctx, rel)
		if err != nil {
			return fmt.Errorf("failed to capture backup resources for release %s/%s: %w", rel.Namespace, rel.Name, err)
		}
		captured = entries
		if err := backup.Store(ctx, rel, captured); err != nil {
			return fmt.Errorf("failed to store backup secrets for release %s/%s: %w", rel.Namespace, rel.Name, err)
		}
	}

	if rel.CRDsUpdate {
		if err := h.applyCRDsIfNeeded(ctx, rel); err != nil {
			if backupMode {
				_ = backup.Restore(ctx, rel, captured)
			}
			return fmt.Errorf("failed to apply CRDs for release %s/%s: %w", rel.Namespace, rel.Name, err)
		}
	}

	if err := h.upgradeInstall(ctx, rel); err != nil {
		if backupMode {
			if restoreErr := backup.Restore(ctx, rel, captured); restoreErr != nil {
				h.log.Errorw("failed to restore backup after failed upgrade", "release", rel.Name, "namespace", rel.Namespace, "error", restoreErr)
			}
		}
		return err
	}

	if backupMode {
		if err := backup.Delete(ctx, rel, captured); err != nil {
			h.log.Warnw("failed to delete backup secrets after successful upgrade", "release", rel.Name, "namespace", rel.Namespace, "error", err)
		}
	}
	return nil
}

func (h *Harness) upgradeInstall(ctx context.Context, rel model.HelmRelease) error {
	chrt, err := loader.Load(rel.ChartPath)
	if err != nil {
		return fmt.Errorf("failed to load chart %s: %w", rel.ChartPath, err)
	}

	vals, err := mergedValues(rel)
	if err != nil {
		return err
	}

	timeout := rel.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	hist := action.NewHistory(h.cfg)
	releases, err := hist.Run(rel.Name)
	if err != nil && err != action.ErrReleaseNotFound {
		return fmt.Errorf("failed to read release history for %s: %w", rel.Name, err)
	}

	if len(releases) == 0 {
		inst := action.NewInstall(h.cfg)
		inst.Namespace = rel.Namespace
		inst.ReleaseName = rel.Name
		inst.Timeout = timeout
		inst.CreateNamespace = true
		_, err = inst.RunWithContext(ctx, chrt, vals)
		return err
	}

	up := action.NewUpgrade(h.cfg)
	up.Namespace = rel.Namespace
	up.Install = true
	up.Timeout = timeout
	_, err = up.RunWithContext(ctx, rel.Name, chrt, vals)
	return err
}

// uninstall is idempotent: a missing release is not an error.
func (h *Harness) uninstall(rel model.HelmRelease) error {
	un := action.NewUninstall(h.cfg)
	_, err := un.Run(rel.Name)
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}

func mergedValues(rel model.HelmRelease) (map[string]interface{}, error) {
	vals := map[string]interface{}{}
	for _, f := range rel.ValuesFiles {
		fileVals, err := loadValuesFile(f)
		if err != nil {
			return nil, err
		}
		vals = mergeMaps(vals, fileVals)
	}
	for _, sv := range rel.SetValues {
		setNested(vals, sv.Key, sv.Value)
	}
	return vals, nil
}

func mergeMaps(dst, src map[string]interface{}) map[string]interface{} {
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func setNested(m map[string]interface{}, dottedKey, value string) {
	parts := strings.Split(dottedKey, ".")
	cur := m
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[p] = next
		}
		cur = next
	}
}

// loadValuesFile and onDiskChartVersion/versionLessOrEqual live in
// chartversion.go to keep this file focused on the Apply contract.
