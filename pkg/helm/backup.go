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
	"strings"

	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	ctrlruntimeclient "sigs.k8s.io/controller-runtime/pkg/client"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/nexops/deploy-engine/pkg/kube"
	"github.com/nexops/deploy-engine/pkg/model"
)

// BackupManager captures, stores, restores, and deletes the secret-backed
// resource backups used by "Backup mode" deploys.
type BackupManager struct {
	kube *kube.Client
}

func NewBackupManager(kubeClient *kube.Client) *BackupManager {
	return &BackupManager{kube: kubeClient}
}

func backupSecretName(releaseName, resourceKind string) string {
	return fmt.Sprintf("%s-%s-q-backup", releaseName, strings.ToLower(resourceKind))
}

// Capture calls "kubectl get <kind> -o yaml -n <ns>" equivalent for each
// resource kind named in rel.BackupResources, skipping kinds with no live
// resources.
func (b *BackupManager) Capture(ctx context.Context, rel model.HelmRelease) ([]model.BackupEntry, error) {
	var entries []model.BackupEntry
	for _, kind := range rel.BackupResources {
		yamlBlob, found, err := b.listAsYAML(ctx, rel.Namespace, kind)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		stripped := stripListAndMetadata(yamlBlob)
		entries = append(entries, model.BackupEntry{
			ReleaseName:  rel.Name,
			ResourceKind: kind,
			YAMLBlob:     stripped,
		})
	}
	return entries, nil
}

// listAsYAML lists every live object of kind in ns via the kube facade and
// renders them as a "kind: List" YAML document, the same shape
// stripListAndMetadata expects from a "kubectl get <kind> -o yaml" call.
// A kind with no live objects is reported as "no resources found"
// (found == false), matching Helm's own skip-on-empty rule; a kind the
// facade does not support is returned as an error.
func (b *BackupManager) listAsYAML(ctx context.Context, ns, kind string) (string, bool, error) {
	items, err := b.kube.ListForBackup(ctx, kube.Kind(kind), ns, "")
	if err != nil {
		return "", false, err
	}
	if len(items) == 0 {
		return "", false, nil
	}

	var sb strings.Builder
	sb.WriteString("apiVersion: v1\nkind: List\nitems:\n")
	for _, item := range items {
		raw, err := sigsyaml.Marshal(item)
		if err != nil {
			return "", false, fmt.Errorf("failed to marshal %s for backup: %w", kind, err)
		}
		sb.WriteString(indentAsListItem(string(raw)))
	}
	return sb.String(), true, nil
}

// indentAsListItem renders one YAML document as a block-sequence entry:
// its first line gets a "- " marker, every line is indented two spaces to
// sit under "items:".
func indentAsListItem(yamlDoc string) string {
	lines := strings.Split(strings.TrimRight(yamlDoc, "\n"), "\n")
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		prefix := "    "
		if i == 0 {
			prefix = "  - "
		}
		out = append(out, prefix+line)
	}
	return strings.Join(out, "\n") + "\n"
}

// stripListAndMetadata strips the list wrapper (apiVersion: v1, kind:
// List, items:), strips resourceVersion and uid, and truncates at the
// first further "metadata:" occurrence, re-indenting the remainder.
func stripListAndMetadata(yamlBlob string) string {
	lines := strings.Split(yamlBlob, "\n")
	var out []string
	metadataSeen := 0
	skipWrapper := true

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if skipWrapper {
			if trimmed == "apiVersion: v1" || trimmed == "kind: List" || trimmed == "items:" {
				continue
			}
			skipWrapper = false
		}
		if strings.Contains(trimmed, "resourceVersion:") || strings.Contains(trimmed, "uid:") {
			continue
		}
		if trimmed == "metadata:" {
			metadataSeen++
			if metadataSeen > 1 {
				break
			}
		}
		out = append(out, dedent(line))
	}
	return strings.Join(out, "\n")
}

// dedent removes one level (two spaces) of list-item indentation left over
// from the "items:" wrapper.
func dedent(line string) string {
	return strings.TrimPrefix(line, "  ")
}

// Store persists each entry as a Secret named "<release>-<kind>-q-backup"
// in the release namespace.
func (b *BackupManager) Store(ctx context.Context, rel model.HelmRelease, entries []model.BackupEntry) error {
	for _, e := range entries {
		secret := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{
				Name:      backupSecretName(e.ReleaseName, e.ResourceKind),
				Namespace: rel.Namespace,
			},
			StringData: map[string]string{"payload.yaml": e.YAMLBlob},
		}
		existing := &corev1.Secret{}
		err := b.kube.RuntimeClient.Get(ctx, types.NamespacedName{Namespace: rel.Namespace, Name: secret.Name}, existing)
		switch {
		case err == nil:
			existing.StringData = secret.StringData
			if err := b.kube.RuntimeClient.Update(ctx, existing); err != nil {
				return err
			}
		case kerrors.IsNotFound(err):
			if err := b.kube.RuntimeClient.Create(ctx, secret); err != nil {
				return err
			}
		default:
			return err
		}
	}
	return nil
}

// Restore re-applies each backup secret's payload, used when an upgrade
// fails after backup mode was entered.
func (b *BackupManager) Restore(ctx context.Context, rel model.HelmRelease, entries []model.BackupEntry) error {
	var firstErr error
	for _, e := range entries {
		if err := b.reapply(ctx, rel.Namespace, e.YAMLBlob); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// reapply decodes yamlBlob (a one-element YAML block sequence, the shape
// stripListAndMetadata leaves behind) and server-side-applies each element
// back onto the cluster, regardless of the object's kind.
func (b *BackupManager) reapply(ctx context.Context, ns, yamlBlob string) error {
	var docs []map[string]interface{}
	if err := sigsyaml.Unmarshal([]byte(yamlBlob), &docs); err != nil {
		return fmt.Errorf("failed to parse backup payload: %w", err)
	}
	for _, doc := range docs {
		obj := &unstructured.Unstructured{Object: doc}
		if obj.GetNamespace() == "" {
			obj.SetNamespace(ns)
		}
		if err := b.kube.RuntimeClient.Patch(ctx, obj, ctrlruntimeclient.Apply,
			ctrlruntimeclient.FieldOwner("deploy-engine"), ctrlruntimeclient.ForceOwnership); err != nil {
			return fmt.Errorf("failed to restore backed-up %s %s/%s: %w", obj.GetKind(), ns, obj.GetName(), err)
		}
	}
	return nil
}

// Delete removes the backup secrets once an upgrade has succeeded.
func (b *BackupManager) Delete(ctx context.Context, rel model.HelmRelease, entries []model.BackupEntry) error {
	var firstErr error
	for _, e := range entries {
		secret := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{
			Name:      backupSecretName(e.ReleaseName, e.ResourceKind),
			Namespace: rel.Namespace,
		}}
		if err := b.kube.RuntimeClient.Delete(ctx, secret); err != nil && !kerrors.IsNotFound(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
