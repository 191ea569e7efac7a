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

// Package kube is the Kube Client Facade (C2): one construction point from
// a kubeconfig path, with typed operations on Deployments, StatefulSets,
// DaemonSets, CronJobs, Jobs, Pods, PVCs, and Services. Grounded on the
// teacher's pkg/node/nodemanager (controller-runtime client plus
// k8s.io/apimachinery/pkg/util/wait for polling) and pkg/node/eviction for
// the typed kubernetes.Interface escape hatch needed for subresources
// controller-runtime doesn't model (eviction, exec).
package kube

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrlruntimeclient "sigs.k8s.io/controller-runtime/pkg/client"

	enginerrors "github.com/nexops/deploy-engine/pkg/errors"
)

// Kind names the resource kinds the facade operates on.
type Kind string

const (
	KindDeployment  Kind = "Deployment"
	KindStatefulSet Kind = "StatefulSet"
	KindDaemonSet   Kind = "DaemonSet"
	KindCronJob     Kind = "CronJob"
	KindJob         Kind = "Job"
	KindPod         Kind = "Pod"
	KindPVC         Kind = "PersistentVolumeClaim"
	KindService     Kind = "Service"
	KindConfigMap   Kind = "ConfigMap"
	KindSecret      Kind = "Secret"
)

// DeleteMode mirrors Kubernetes' deletion propagation policy.
type DeleteMode string

const (
	DeleteModeBackground DeleteMode = "Background"
	DeleteModeForeground DeleteMode = "Foreground"
)

// Client is the single construction point for all Kubernetes operations.
type Client struct {
	RuntimeClient ctrlruntimeclient.Client
	Typed         kubernetes.Interface
	RESTConfig    *rest.Config
}

// NewFromKubeconfig builds a Client from a kubeconfig file path, the
// facade's sole construction point.
func NewFromKubeconfig(kubeconfigPath string, scheme ctrlruntimeclient.Reader) (*Client, error) {
	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, enginerrors.Internal("failed to build rest config from kubeconfig", err)
	}
	return newFromRESTConfig(cfg)
}

func newFromRESTConfig(cfg *rest.Config) (*Client, error) {
	rc, err := ctrlruntimeclient.New(cfg, ctrlruntimeclient.Options{})
	if err != nil {
		return nil, enginerrors.Internal("failed to build controller-runtime client", err)
	}
	typed, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, enginerrors.Internal("failed to build typed clientset", err)
	}
	return &Client{RuntimeClient: rc, Typed: typed, RESTConfig: cfg}, nil
}

func withKindContext(kind Kind, ns, name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s/%s: %w", kind, ns, name, err)
}

// GetDeployment fetches a Deployment, returning (nil, nil) if not found.
func (c *Client) GetDeployment(ctx context.Context, ns, name string) (*appsv1.Deployment, error) {
	var d appsv1.Deployment
	if err := c.RuntimeClient.Get(ctx, types.NamespacedName{Namespace: ns, Name: name}, &d); err != nil {
		if kerrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, withKindContext(KindDeployment, ns, name, err)
	}
	return &d, nil
}

// GetStatefulSet fetches a StatefulSet, returning (nil, nil) if not found.
func (c *Client) GetStatefulSet(ctx context.Context, ns, name string) (*appsv1.StatefulSet, error) {
	var s appsv1.StatefulSet
	if err := c.RuntimeClient.Get(ctx, types.NamespacedName{Namespace: ns, Name: name}, &s); err != nil {
		if kerrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, withKindContext(KindStatefulSet, ns, name, err)
	}
	return &s, nil
}

// GetDaemonSet fetches a DaemonSet, returning (nil, nil) if not found.
func (c *Client) GetDaemonSet(ctx context.Context, ns, name string) (*appsv1.DaemonSet, error) {
	var d appsv1.DaemonSet
	if err := c.RuntimeClient.Get(ctx, types.NamespacedName{Namespace: ns, Name: name}, &d); err != nil {
		if kerrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, withKindContext(KindDaemonSet, ns, name, err)
	}
	return &d, nil
}

// ListPodsBySelector lists pods in ns matching selector.
func (c *Client) ListPodsBySelector(ctx context.Context, ns, selector string) ([]corev1.Pod, error) {
	sel, err := labels.Parse(selector)
	if err != nil {
		return nil, enginerrors.Internal("invalid label selector", err)
	}
	var list corev1.PodList
	if err := c.RuntimeClient.List(ctx, &list, ctrlruntimeclient.InNamespace(ns), ctrlruntimeclient.MatchingLabelsSelector{Selector: sel}); err != nil {
		return nil, withKindContext(KindPod, ns, selector, err)
	}
	return list.Items, nil
}

// PatchScale sets spec.replicas on the named Deployment/StatefulSet with a
// merge patch of the object itself; the scale subresource is not used.
func (c *Client) PatchScale(ctx context.Context, kind Kind, ns, name string, replicas int32) error {
	switch kind {
	case KindDeployment:
		d, err := c.GetDeployment(ctx, ns, name)
		if err != nil || d == nil {
			return withKindContext(kind, ns, name, err)
		}
		patch := ctrlruntimeclient.MergeFrom(d.DeepCopy())
		d.Spec.Replicas = &replicas
		return withKindContext(kind, ns, name, c.RuntimeClient.Patch(ctx, d, patch))
	case KindStatefulSet:
		s, err := c.GetStatefulSet(ctx, ns, name)
		if err != nil || s == nil {
			return withKindContext(kind, ns, name, err)
		}
		patch := ctrlruntimeclient.MergeFrom(s.DeepCopy())
		s.Spec.Replicas = &replicas
		return withKindContext(kind, ns, name, c.RuntimeClient.Patch(ctx, s, patch))
	default:
		return enginerrors.Internal(fmt.Sprintf("PatchScale not supported for kind %s", kind), nil)
	}
}

// Patch applies a raw JSON merge patch to the named object of kind.
func (c *Client) Patch(ctx context.Context, kind Kind, ns, name string, jsonPatch []byte) error {
	obj, err := c.objectFor(kind)
	if err != nil {
		return err
	}
	if err := c.RuntimeClient.Get(ctx, types.NamespacedName{Namespace: ns, Name: name}, obj); err != nil {
		if kerrors.IsNotFound(err) {
			return nil
		}
		return withKindContext(kind, ns, name, err)
	}
	return withKindContext(kind, ns, name, c.RuntimeClient.Patch(ctx, obj, ctrlruntimeclient.RawPatch(types.MergePatchType, jsonPatch)))
}

func (c *Client) objectFor(kind Kind) (ctrlruntimeclient.Object, error) {
	switch kind {
	case KindDeployment:
		return &appsv1.Deployment{}, nil
	case KindStatefulSet:
		return &appsv1.StatefulSet{}, nil
	case KindDaemonSet:
		return &appsv1.DaemonSet{}, nil
	case KindCronJob:
		return &batchv1.CronJob{}, nil
	case KindJob:
		return &batchv1.Job{}, nil
	default:
		return nil, enginerrors.Internal(fmt.Sprintf("unsupported kind %s", kind), nil)
	}
}

// listFor returns an empty typed list object for kind, for the resource
// kinds helm.BackupManager.Capture is allowed to back up.
func (c *Client) listFor(kind Kind) (ctrlruntimeclient.ObjectList, error) {
	switch kind {
	case KindDeployment:
		return &appsv1.DeploymentList{}, nil
	case KindStatefulSet:
		return &appsv1.StatefulSetList{}, nil
	case KindDaemonSet:
		return &appsv1.DaemonSetList{}, nil
	case KindCronJob:
		return &batchv1.CronJobList{}, nil
	case KindJob:
		return &batchv1.JobList{}, nil
	case KindConfigMap:
		return &corev1.ConfigMapList{}, nil
	case KindSecret:
		return &corev1.SecretList{}, nil
	case KindPVC:
		return &corev1.PersistentVolumeClaimList{}, nil
	case KindService:
		return &corev1.ServiceList{}, nil
	default:
		return nil, enginerrors.Internal(fmt.Sprintf("unsupported backup kind %s", kind), nil)
	}
}

func gvkFor(kind Kind) schema.GroupVersionKind {
	switch kind {
	case KindDeployment, KindStatefulSet, KindDaemonSet:
		return schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: string(kind)}
	case KindCronJob, KindJob:
		return schema.GroupVersionKind{Group: "batch", Version: "v1", Kind: string(kind)}
	default:
		return schema.GroupVersionKind{Version: "v1", Kind: string(kind)}
	}
}

// ListForBackup lists every live object of kind in ns matching selector
// (every object in ns when selector is empty), for
// helm.BackupManager.Capture's pre-upgrade snapshot. Each returned object
// has its TypeMeta set, since typed List results from the runtime client
// otherwise leave apiVersion/kind blank.
func (c *Client) ListForBackup(ctx context.Context, kind Kind, ns, selector string) ([]ctrlruntimeclient.Object, error) {
	list, err := c.listFor(kind)
	if err != nil {
		return nil, err
	}
	opts := []ctrlruntimeclient.ListOption{ctrlruntimeclient.InNamespace(ns)}
	if selector != "" {
		sel, err := labels.Parse(selector)
		if err != nil {
			return nil, enginerrors.Internal("invalid label selector", err)
		}
		opts = append(opts, ctrlruntimeclient.MatchingLabelsSelector{Selector: sel})
	}
	if err := c.RuntimeClient.List(ctx, list, opts...); err != nil {
		return nil, withKindContext(kind, ns, selector, err)
	}

	runtimeItems, err := meta.ExtractList(list)
	if err != nil {
		return nil, withKindContext(kind, ns, selector, err)
	}
	gvk := gvkFor(kind)
	items := make([]ctrlruntimeclient.Object, 0, len(runtimeItems))
	for _, ro := range runtimeItems {
		obj, ok := ro.(ctrlruntimeclient.Object)
		if !ok {
			continue
		}
		obj.GetObjectKind().SetGroupVersionKind(gvk)
		items = append(items, obj)
	}
	return items, nil
}

// RollingRestart sets the kubectl.kubernetes.io/restartedAt annotation to
// force pod recreation.
func (c *Client) RollingRestart(ctx context.Context, kind Kind, ns, name string) error {
	obj, err := c.objectFor(kind)
	if err != nil {
		return err
	}
	if err := c.RuntimeClient.Get(ctx, types.NamespacedName{Namespace: ns, Name: name}, obj); err != nil {
		return withKindContext(kind, ns, name, err)
	}
	patch := ctrlruntimeclient.MergeFrom(obj.DeepCopyObject().(ctrlruntimeclient.Object))
	annotateRestart(obj)
	return withKindContext(kind, ns, name, c.RuntimeClient.Patch(ctx, obj, patch))
}

func annotateRestart(obj ctrlruntimeclient.Object) {
	now := time.Now().UTC().Format(time.RFC3339)
	switch o := obj.(type) {
	case *appsv1.Deployment:
		setPodTemplateAnnotation(&o.Spec.Template, now)
	case *appsv1.StatefulSet:
		setPodTemplateAnnotation(&o.Spec.Template, now)
	case *appsv1.DaemonSet:
		setPodTemplateAnnotation(&o.Spec.Template, now)
	}
}

func setPodTemplateAnnotation(tpl *corev1.PodTemplateSpec, value string) {
	if tpl.Annotations == nil {
		tpl.Annotations = map[string]string{}
	}
	tpl.Annotations["kubectl.kubernetes.io/restartedAt"] = value
}

// DeleteAllMatching deletes every object of kind matching selector in ns,
// per the named propagation mode.
func (c *Client) DeleteAllMatching(ctx context.Context, kind Kind, ns, selector string, mode DeleteMode) error {
	sel, err := labels.Parse(selector)
	if err != nil {
		return enginerrors.Internal("invalid label selector", err)
	}
	propagation := metav1.DeletePropagationBackground
	if mode == DeleteModeForeground {
		propagation = metav1.DeletePropagationForeground
	}
	obj, err := c.objectFor(kind)
	if err != nil {
		if kind == KindPVC {
			return withKindContext(kind, ns, selector, c.RuntimeClient.DeleteAllOf(ctx, &corev1.PersistentVolumeClaim{},
				ctrlruntimeclient.InNamespace(ns), ctrlruntimeclient.MatchingLabelsSelector{Selector: sel},
				ctrlruntimeclient.PropagationPolicy(propagation)))
		}
		return err
	}
	return withKindContext(kind, ns, selector, c.RuntimeClient.DeleteAllOf(ctx, obj,
		ctrlruntimeclient.InNamespace(ns), ctrlruntimeclient.MatchingLabelsSelector{Selector: sel},
		ctrlruntimeclient.PropagationPolicy(propagation)))
}

// AwaitCondition polls get(ns,name) until predicate holds or deadline
// elapses, mirroring the wait.PollImmediate usage in the AWS
// provider's instance-state polling.
func AwaitCondition[T any](ctx context.Context, interval time.Duration, deadline time.Time, abort <-chan struct{}, get func(ctx context.Context) (T, error), predicate func(T) bool) (T, error) {
	var zero T
	deadlineTimer := time.NewTimer(time.Until(deadline))
	defer deadlineTimer.Stop()

	for {
		v, err := get(ctx)
		if err != nil {
			return zero, err
		}
		if predicate(v) {
			return v, nil
		}

		select {
		case <-abort:
			return zero, enginerrors.Aborted("cancelled while awaiting condition")
		case <-ctx.Done():
			return zero, enginerrors.Timeout("AwaitConditionTimeout", "timed out awaiting condition")
		case <-deadlineTimer.C:
			return zero, enginerrors.Timeout("AwaitConditionTimeout", "timed out awaiting condition")
		case <-time.After(interval):
		}
	}
}

// ExecResult is what Exec returns after running argv inside a container.
// Exec is grounded on client-go's remotecommand executor, the standard idiom for
// kubectl-exec-equivalent calls (used by the Job/TerraformService output
// waiters in pkg/deploy).
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}
