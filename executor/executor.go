package executor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/PeladoCollado/machinegun/executor/aggregator"
	"github.com/PeladoCollado/machinegun/executor/pacer"
	"github.com/PeladoCollado/machinegun/executor/worker"
	"github.com/PeladoCollado/machinegun/machinegun/logger"
	"github.com/PeladoCollado/machinegun/metrics"
	"github.com/PeladoCollado/machinegun/types"
)

const (
	DefaultConcurrency = 100
	DefaultGracePeriod = 5 * time.Second
	DefaultTimeout     = 10 * time.Second
)

type Options struct {
	// Concurrency is the fixed number of workers; it caps in-flight requests.
	Concurrency int
	// GracePeriod bounds how long in-flight requests may run past the deadline.
	// Zero cancels them as soon as dispatch ends.
	GracePeriod time.Duration

	Client     *http.Client
	Pacer      pacer.Pacer
	Source     types.RequestSource
	Aggregator *aggregator.Aggregator
	Collector  metrics.MetricsCollector
}

// Run dispatches requests for cfg.Duration() and returns the final summary.
// Per-request failures never abort the run. Cancelling ctx ends dispatch early;
// in-flight requests still get the grace period.
func Run(ctx context.Context, cfg types.AttackConfig, opts Options) types.RunSummary {
	opts = withDefaults(cfg, opts)
	agg := opts.Aggregator

	// requests outlive the dispatch deadline until the grace period ends
	requestCtx, cancelRequests := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRequests()

	jobs := make(chan types.RequestSpec)
	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for spec := range jobs {
				agg.Record(worker.Execute(requestCtx, opts.Client, cfg.TargetURL, spec, opts.Collector))
			}
		}()
	}

	agg.Start()
	runCtx, cancelRun := context.WithTimeout(ctx, cfg.Duration())
	dispatched := dispatch(runCtx, cfg, opts, jobs)
	cancelRun()
	close(jobs)

	logger.Logger.Infow("Dispatch finished, waiting for in-flight requests",
		"dispatched", dispatched,
		"gracePeriod", opts.GracePeriod)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	if opts.GracePeriod == 0 {
		cancelRequests()
		<-done
		return agg.FinalSummary()
	}
	grace := time.NewTimer(opts.GracePeriod)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		logger.Logger.Warnw("Grace period expired, cancelling in-flight requests",
			"gracePeriod", opts.GracePeriod)
		cancelRequests()
		<-done
	}

	return agg.FinalSummary()
}

func dispatch(ctx context.Context, cfg types.AttackConfig, opts Options, jobs chan<- types.RequestSpec) int {
	budget := cfg.MaxRequests()
	dispatched := 0
	for dispatched < budget {
		if err := opts.Pacer.Wait(ctx); err != nil {
			return dispatched
		}
		spec, err := opts.Source.Next()
		if err != nil {
			logger.Logger.Warn("Unable to produce next request, skipping: ", err)
			continue
		}
		select {
		case jobs <- spec:
			dispatched++
		case <-ctx.Done():
			return dispatched
		}
	}
	// budget spent early (burst windows); the run still lasts its full duration
	<-ctx.Done()
	return dispatched
}

func withDefaults(cfg types.AttackConfig, opts Options) Options {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.GracePeriod < 0 {
		opts.GracePeriod = 0
	}
	if opts.Client == nil {
		opts.Client = worker.NewHTTPClient(DefaultTimeout, opts.Concurrency)
	}
	if opts.Pacer == nil {
		p, err := pacer.ForMode(cfg, pacer.Options{})
		if err != nil {
			p = pacer.NewConstantPacer(max(cfg.TargetRPS, 1))
		}
		opts.Pacer = p
	}
	if opts.Source == nil {
		opts.Source = targetOnly{}
	}
	if opts.Aggregator == nil {
		opts.Aggregator = aggregator.New("", cfg)
	}
	if opts.Collector == nil {
		opts.Collector = discardCollector{}
	}
	return opts
}

type targetOnly struct{}

func (targetOnly) Next() (types.RequestSpec, error) {
	return types.RequestSpec{Method: http.MethodGet}, nil
}

func (targetOnly) Reset() error {
	return nil
}

type discardCollector struct{}

func (discardCollector) PostSuccess(metrics.SuccessEvent) {}

func (discardCollector) PostFailure(metrics.ErrorEvent) {}
