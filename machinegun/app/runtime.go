package app

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/PeladoCollado/machinegun/executor"
	"github.com/PeladoCollado/machinegun/executor/aggregator"
	"github.com/PeladoCollado/machinegun/executor/pacer"
	"github.com/PeladoCollado/machinegun/executor/worker"
	"github.com/PeladoCollado/machinegun/machinegun/api"
	"github.com/PeladoCollado/machinegun/machinegun/k8s"
	"github.com/PeladoCollado/machinegun/machinegun/logger"
	"github.com/PeladoCollado/machinegun/machinegun/sink"
	"github.com/PeladoCollado/machinegun/metrics"
	"github.com/PeladoCollado/machinegun/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	v1 "k8s.io/api/core/v1"
	"k8s.io/client-go/rest"
)

const (
	resolveTimeout  = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

type RunOptions struct {
	RequestSourceFactory RequestSourceFactory
	SinkFactory          SinkFactory

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	// Output receives the final summary. Defaults to stdout.
	Output io.Writer
	// KubeClient replaces the client built from in-cluster or kubeconfig settings.
	KubeClient *k8s.Client
	// HTTPClient replaces the attack client built from timeout and concurrency.
	HTTPClient *http.Client
	// ReportClient replaces the retrying client used for report-url.
	ReportClient *http.Client
}

// Run executes one attack and returns its final summary. A ConfigError or
// StartupError means nothing was dispatched. Once the attack has started Run
// always returns the final summary and a nil error, even if ctx is cancelled.
func Run(ctx context.Context, cfg Config, opts RunOptions) (types.RunSummary, error) {
	if err := ValidateConfig(cfg); err != nil {
		return types.RunSummary{}, err
	}

	kubeClient, resolver, err := newTargetResolver(cfg, opts.KubeClient)
	if err != nil {
		return types.RunSummary{}, err
	}
	targetURL, err := resolver.ResolveTarget(ctx)
	if err != nil {
		return types.RunSummary{}, &StartupError{Op: "resolve target", Err: err}
	}
	if k8s.TargetMode(cfg.TargetMode) == k8s.TargetModeService {
		logger.Logger.Infow("Resolved target from service", "service", cfg.TargetService, "target", targetURL)
	} else if err := checkTargetHost(ctx, targetURL); err != nil {
		return types.RunSummary{}, &StartupError{Op: "resolve target host", Err: err}
	}

	attackCfg, err := cfg.AttackConfig(targetURL)
	if err != nil {
		return types.RunSummary{}, err
	}
	attackPacer, err := pacer.ForMode(attackCfg, cfg.PacerOptions())
	if err != nil {
		return types.RunSummary{}, invalid("attack", err.Error())
	}
	source, err := requestSourceFactoryOrDefault(opts.RequestSourceFactory).NewRequestSource(cfg)
	if err != nil {
		return types.RunSummary{}, invalid("request-source", err.Error())
	}
	if closer, ok := source.(io.Closer); ok {
		defer closer.Close()
	}

	registerer := opts.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	runID := uuid.NewString()
	agg := aggregator.New(runID, attackCfg)
	collector, err := metrics.NewPrometheusMetricsCollector(registerer)
	if err != nil {
		logger.Logger.Warn("Unable to register request metrics: ", err)
	}
	summaryCollector := metrics.NewSummaryCollector(agg, prometheus.Labels{"run_id": runID, "mode": attackCfg.Mode.String()})
	if err := registerer.Register(summaryCollector); err != nil {
		logger.Logger.Warn("Unable to register run summary metrics: ", err)
	}

	snapshots, err := sinkFactoryOrDefault(opts.SinkFactory).NewSink(ctx, cfg)
	if err != nil {
		logger.Logger.Warn("Unable to initialize snapshot sinks, logging only: ", err)
		snapshots = sink.NewLogSink(logger.Logger)
	}

	server := startServer(cfg.MetricsAddr, api.NewHandler(gatherer, agg))

	logger.Logger.Infow("Starting attack",
		"runId", runID,
		"mode", attackCfg.Mode.String(),
		"target", attackCfg.TargetURL,
		"durationSeconds", attackCfg.DurationSeconds,
		"rps", attackCfg.TargetRPS,
		"concurrency", cfg.Concurrency)

	background, stopBackground := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		publishSnapshots(background, agg, snapshots, cfg.SnapshotInterval)
	}()
	if resolver.WatchesPods() {
		targetMetrics, err := metrics.NewTargetMetrics(registerer)
		if err != nil {
			logger.Logger.Warn("Unable to register target pod metrics: ", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pollPodMetrics(background, resolver, kubeClient, targetMetrics, cfg.PodMetricsInterval)
		}()
	}

	client := opts.HTTPClient
	if client == nil {
		client = worker.NewHTTPClient(cfg.Timeout, cfg.Concurrency)
	}
	summary := executor.Run(ctx, attackCfg, executor.Options{
		Concurrency: cfg.Concurrency,
		GracePeriod: cfg.GracePeriod,
		Client:      client,
		Pacer:       attackPacer,
		Source:      source,
		Aggregator:  agg,
		Collector:   collector,
	})
	stopBackground()
	wg.Wait()

	// the operator may already have interrupted ctx; reporting still gets a window
	finishCtx, cancelFinish := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancelFinish()

	if err := snapshots.Publish(finishCtx, summary); err != nil {
		logger.Logger.Warn("Unable to publish final summary: ", err)
	}
	if err := snapshots.Close(); err != nil {
		logger.Logger.Warn("Unable to close snapshot sinks: ", err)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if err := WriteSummary(out, summary, cfg.Output); err != nil {
		logger.Logger.Warn("Unable to write final summary: ", err)
	}

	if cfg.ReportURL != "" {
		reportClient := opts.ReportClient
		if reportClient == nil {
			reportClient = NewReportClient()
		}
		if err := PushReport(finishCtx, reportClient, cfg.ReportURL, summary); err != nil {
			logger.Logger.Warn("Unable to push final report: ", err)
		}
	}

	if server != nil {
		if err := server.Shutdown(finishCtx); err != nil {
			logger.Logger.Warn("Unable to gracefully shutdown metrics server: ", err)
		}
	}
	return summary, nil
}

func newTargetResolver(cfg Config, kubeClient *k8s.Client) (*k8s.Client, *k8s.TargetResolver, error) {
	mode := k8s.TargetMode(cfg.TargetMode)
	if kubeClient == nil && (mode == k8s.TargetModeService || cfg.WatchDeployment != "") {
		kubeConfig, err := initKubeConfig(cfg)
		if err != nil {
			return nil, nil, &StartupError{Op: "initialize kubernetes config", Err: err}
		}
		kubeClient, err = k8s.NewClient(kubeConfig)
		if err != nil {
			return nil, nil, &StartupError{Op: "initialize kubernetes clients", Err: err}
		}
	}
	resolver, err := k8s.NewTargetResolver(kubeClient, k8s.TargetResolverConfig{
		Mode:       mode,
		URL:        cfg.Target,
		Namespace:  cfg.TargetNamespace,
		Service:    cfg.TargetService,
		PortName:   cfg.TargetPortName,
		Scheme:     cfg.TargetScheme,
		Deployment: cfg.WatchDeployment,
	})
	if err != nil {
		return nil, nil, invalid("target-mode", err.Error())
	}
	return kubeClient, resolver, nil
}

func initKubeConfig(cfg Config) (*rest.Config, error) {
	if cfg.InCluster {
		return k8s.InitInCluster()
	}
	return k8s.InitOffCluster(cfg.Kubeconfig)
}

// checkTargetHost fails fast when the target host name does not resolve.
func checkTargetHost(ctx context.Context, target string) error {
	parsed, err := url.Parse(target)
	if err != nil {
		return err
	}
	host := parsed.Hostname()
	if net.ParseIP(host) != nil {
		return nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	_, err = net.DefaultResolver.LookupHost(lookupCtx, host)
	return err
}

// startServer serves /metrics and /summary in the background. A listen
// failure is logged and the attack runs without the endpoint.
func startServer(addr string, handler http.Handler) *http.Server {
	if addr == "" {
		return nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Logger.Warn("Unable to start metrics server, continuing without it: ", err)
		return nil
	}
	server := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Logger.Warn("Metrics server failed: ", err)
		}
	}()
	logger.Logger.Infow("Serving metrics", "addr", listener.Addr().String())
	return server
}

func publishSnapshots(ctx context.Context, source metrics.SummarySource, snapshots sink.Sink, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := snapshots.Publish(ctx, source.Snapshot()); err != nil {
				logger.Logger.Warn("Unable to publish snapshot: ", err)
			}
		}
	}
}

func pollPodMetrics(ctx context.Context,
	resolver *k8s.TargetResolver,
	client *k8s.Client,
	targetMetrics *metrics.TargetMetrics,
	interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	namespace := resolver.Namespace()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pods, err := resolver.CurrentPods(ctx)
			if err != nil {
				logger.Logger.Warn("Unable to resolve current pods for metrics collection: ", err)
				continue
			}
			names := podNames(pods)
			if len(names) == 0 {
				targetMetrics.ResetTargetPodUsage()
				continue
			}
			usage, err := client.PodResourceUsage(ctx, namespace, names)
			if err != nil {
				logger.Logger.Warn("Unable to collect pod resource metrics: ", err)
				continue
			}
			targetMetrics.ResetTargetPodUsage()
			for pod, u := range usage {
				targetMetrics.SetTargetPodUsage(namespace, pod, u.CPUMillicores, u.MemoryBytes)
			}
		}
	}
}

func podNames(pods []v1.Pod) []string {
	names := make([]string, 0, len(pods))
	for _, pod := range pods {
		names = append(names, pod.Name)
	}
	return names
}
