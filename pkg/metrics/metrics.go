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

// Package metrics is the engine's Prometheus instrumentation (C15),
// grounded on pkg/controller/machine/metrics.go, which registers its
// collectors once via metrics.Registry.MustRegister in an init().
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collection bundles the counters/histograms every component shares. One
// Collection is built at process start and threaded through DeploymentTarget,
// mirroring the MetricsCollection type passed through machine.go.
type Collection struct {
	ServiceDeploymentsTotal  *prometheus.CounterVec
	ServiceDeploymentSeconds *prometheus.HistogramVec
	ClusterActionsTotal      *prometheus.CounterVec
	ClusterActionSeconds     *prometheus.HistogramVec
	ImageMirrorsTotal        *prometheus.CounterVec
	HelmReleasesTotal        *prometheus.CounterVec
	ReporterDroppedTotal     prometheus.Counter
}

// NewCollection builds and registers a Collection against reg.
func NewCollection(reg prometheus.Registerer) *Collection {
	c := &Collection{
		ServiceDeploymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_service_deployments_total",
			Help: "Total service deployments by kind and result.",
		}, []string{"kind", "result"}),
		ServiceDeploymentSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "engine_service_deployment_seconds",
			Help: "Service deployment duration in seconds, by kind.",
		}, []string{"kind"}),
		ClusterActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_cluster_actions_total",
			Help: "Total cluster actions by cloud kind, action, and result.",
		}, []string{"cloud_kind", "action", "result"}),
		ClusterActionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "engine_cluster_action_seconds",
			Help: "Cluster action duration in seconds, by cloud kind and action.",
		}, []string{"cloud_kind", "action"}),
		ImageMirrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_image_mirrors_total",
			Help: "Total image mirror decisions by outcome.",
		}, []string{"outcome"}),
		HelmReleasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_helm_releases_total",
			Help: "Total helm release operations by action and result.",
		}, []string{"action", "result"}),
		ReporterDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_reporter_events_dropped_total",
			Help: "Events dropped by the reporter under backpressure.",
		}),
	}
	reg.MustRegister(
		c.ServiceDeploymentsTotal,
		c.ServiceDeploymentSeconds,
		c.ClusterActionsTotal,
		c.ClusterActionSeconds,
		c.ImageMirrorsTotal,
		c.HelmReleasesTotal,
		c.ReporterDroppedTotal,
	)
	return c
}
