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

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"

	"github.com/nexops/deploy-engine/pkg/cluster"
	"github.com/nexops/deploy-engine/pkg/config"
	"github.com/nexops/deploy-engine/pkg/deploy"
	"github.com/nexops/deploy-engine/pkg/dispatcher"
	"github.com/nexops/deploy-engine/pkg/health"
	"github.com/nexops/deploy-engine/pkg/helm"
	"github.com/nexops/deploy-engine/pkg/kube"
	"github.com/nexops/deploy-engine/pkg/metrics"
	"github.com/nexops/deploy-engine/pkg/mirror"
	"github.com/nexops/deploy-engine/pkg/model"
	"github.com/nexops/deploy-engine/pkg/reporter"
	"github.com/nexops/deploy-engine/pkg/runner"
	"github.com/nexops/deploy-engine/pkg/terraform"
	"github.com/nexops/deploy-engine/pkg/version"
	"github.com/nexops/deploy-engine/pkg/workload"
	"github.com/nexops/deploy-engine/pkg/workspace"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	printVersion := fs.Bool("version", false, "Print version information and exit.")
	cfg, err := config.Parse(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse configuration: %v\n", err)
		os.Exit(1)
	}
	if *printVersion {
		fmt.Println(version.Get().String())
		return
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	sugar := log.Sugar()
	sugar.Infow("starting deploy-engine", "version", version.Get().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	metricsCollection := metrics.NewCollection(registry)
	reportSink := reporter.NewSink(sugar, metricsCollection)
	defer reportSink.Close()

	var g run.Group
	{
		srv := newHTTPServer(cfg.ListenAddress, cfg.WorkspaceRootDir, registry)
		g.Add(func() error {
			return srv.ListenAndServe()
		}, func(err error) {
			sugar.Warnw("shutting down http server", "error", err)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		})
	}
	{
		g.Add(func() error {
			<-ctx.Done()
			return ctx.Err()
		}, func(err error) {
			stop()
		})
	}
	{
		g.Add(func() error {
			return serveRequests(ctx, cfg, sugar, reportSink)
		}, func(err error) {
			stop()
		})
	}

	if err := g.Run(); err != nil {
		sugar.Infow("engine stopped", "reason", err)
	}
}

// serveRequests reads one JSON-encoded EngineRequest per line from stdin
// and dispatches it. A full deployment swaps this for an HTTP/gRPC
// listener; the dispatcher and collaborator wiring below are identical
// either way.
func serveRequests(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, rep *reporter.Sink) error {
	decoder := json.NewDecoder(os.Stdin)
	for {
		var req model.EngineRequest
		if err := decoder.Decode(&req); err != nil {
			return err
		}
		if err := handleRequest(ctx, cfg, log, rep, req); err != nil {
			log.Errorw("request failed", "request_id", req.ID, "error", err)
		}
	}
}

func handleRequest(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, rep *reporter.Sink, req model.EngineRequest) error {
	ws, err := workspace.New(cfg.WorkspaceRootDir, req.ID)
	if err != nil {
		return fmt.Errorf("failed to set up workspace: %w", err)
	}
	defer ws.Teardown()

	abort := runner.NewAbortHandle(ctx)
	run := runner.New()

	kubeconfigPath, err := fetchKubeconfig(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to fetch kubeconfig: %w", err)
	}
	kubeClient, err := kube.NewFromKubeconfig(kubeconfigPath, nil)
	if err != nil {
		return fmt.Errorf("failed to build kube client: %w", err)
	}
	if err := checkApiserverReachable(ctx, kubeClient.Typed); err != nil {
		return fmt.Errorf("apiserver for cluster %s is not reachable: %w", req.Cluster.Options["cluster_short_id"], err)
	}

	helmHarness, err := helm.New(log, kubeClient, kubeconfigPath)
	if err != nil {
		return fmt.Errorf("failed to build helm harness: %w", err)
	}

	workDir, err := ws.BootstrapDir(req.Cluster.Options["cluster_short_id"])
	if err != nil {
		return fmt.Errorf("failed to allocate bootstrap dir: %w", err)
	}
	tf := terraform.New(run, workDir)
	primitives := workload.New(kubeClient)
	mirrorPipeline := mirror.New(run, log, rep, metrics.NewCollection(prometheus.NewRegistry()))

	d := &dispatcher.Dispatcher{
		ClusterTarget: &cluster.Target{
			Kube:      kubeClient,
			Helm:      helmHarness,
			Terraform: tf,
			Workload:  primitives,
			Runner:    run,
			Reporter:  rep,
			Log:       log,
			Abort:     abort,
			WorkDir:   workDir,
		},
		ServiceTarget: &deploy.Target{
			Kube:            kubeClient,
			Helm:            helmHarness,
			Mirror:          mirrorPipeline,
			Workload:        primitives,
			Runner:          run,
			Reporter:        rep,
			ClusterRegistry: req.ContainerRegistry,
			MirrorMode:      req.Cluster.AdvancedSettings.MirrorMode,
			Abort:           abort,
		},
		Reporter: rep,
		CloudCreds: cluster.Credentials{
			AWSAccessKeyID:     cfg.AWSAccessKeyID,
			AWSSecretAccessKey: cfg.AWSSecretAccessKey,
			ScalewayAccessKey:  cfg.ScalewayAccessKey,
			ScalewaySecretKey:  cfg.ScalewaySecretKey,
			ScalewayProjectID:  cfg.ScalewayProjectID,
			GCPCredentialsJSON: cfg.GCPCredentialsJSON,
			AzureClientID:      cfg.AzureClientID,
			AzureClientSecret:  cfg.AzureClientSecret,
			AzureTenantID:      cfg.AzureTenantID,
			AzureSubscription:  cfg.AzureSubscription,
		},
	}

	if err := d.DispatchCluster(ctx, req); err != nil {
		return err
	}
	if req.TargetEnvironment == nil {
		return nil
	}
	return d.DispatchEnvironment(ctx, req.TargetEnvironment, req.Action == model.ClusterActionDelete)
}

// checkApiserverReachable runs health.ApiserverReachable outside of an HTTP
// handler, wrapping ctx in the *http.Request the checker signature expects.
// Run once per request right after the target cluster's kube client is
// built: a cluster's apiserver is only reachable once its kubeconfig has
// been fetched, so this can never be part of the process-startup readiness
// probe in newHTTPServer.
func checkApiserverReachable(ctx context.Context, client kubernetes.Interface) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return err
	}
	return health.ApiserverReachable(client)(req)
}

// fetchKubeconfig is a placeholder seam: production fetches the cluster's
// kubeconfig from the cloud's managed-cluster API (EKS DescribeCluster,
// GKE clusters.get, AKS ManagedClustersClient, Kapsule's k8s API) or from
// the freshly-applied Terraform output for a self-managed cluster.
func fetchKubeconfig(ctx context.Context, req model.EngineRequest) (string, error) {
	return req.Cluster.Options["kubeconfig_path"], nil
}

func newHTTPServer(addr, workspaceRootDir string, gatherer prometheus.Gatherer) *http.Server {
	h := healthcheck.NewHandler()
	h.AddReadinessCheck("workspace-root-writable", health.WorkspaceRootWritable(workspaceRootDir))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/live", http.HandlerFunc(h.LiveEndpoint))
	mux.Handle("/ready", http.HandlerFunc(h.ReadyEndpoint))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
