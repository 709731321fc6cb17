package executor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PeladoCollado/machinegun/executor/aggregator"
	"github.com/PeladoCollado/machinegun/executor/pacer"
	"github.com/PeladoCollado/machinegun/executor/worker"
	"github.com/PeladoCollado/machinegun/types"
)

type arrivals struct {
	lock  sync.Mutex
	times []time.Time
}

func (a *arrivals) add() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.times = append(a.times, time.Now())
}

func (a *arrivals) countBefore(deadline time.Time) int {
	a.lock.Lock()
	defer a.lock.Unlock()
	count := 0
	for _, at := range a.times {
		if at.Before(deadline) {
			count++
		}
	}
	return count
}

func runAttack(t *testing.T, cfg types.AttackConfig, opts Options) types.RunSummary {
	t.Helper()
	if opts.Pacer == nil {
		p, err := pacer.ForMode(cfg, pacer.Options{})
		if err != nil {
			t.Fatalf("unable to build pacer: %v", err)
		}
		opts.Pacer = p
	}
	if opts.GracePeriod == 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return Run(context.Background(), cfg, opts)
}

func TestDDOSAgainstHealthyTargetHitsTargetRate(t *testing.T) {
	if testing.Short() {
		t.Skip("five second load scenario")
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := types.AttackConfig{Mode: types.ModeDDOS, TargetURL: server.URL, DurationSeconds: 5, TargetRPS: 100}
	summary := runAttack(t, cfg, Options{Concurrency: 50})

	if summary.TotalSent < 475 || summary.TotalSent > 525 {
		t.Fatalf("expected ~500 requests, got %d", summary.TotalSent)
	}
	if summary.TotalFailed != 0 {
		t.Fatalf("expected no failures, got %d (%v)", summary.TotalFailed, summary.RecentErrors)
	}
	if summary.TotalSent != summary.TotalSucceeded+summary.TotalFailed {
		t.Fatalf("sent %d != succeeded %d + failed %d", summary.TotalSent, summary.TotalSucceeded, summary.TotalFailed)
	}
	if !summary.Final {
		t.Fatalf("expected final summary")
	}
}

func TestUnreachableTargetCompletesWithAllFailures(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to reserve port: %v", err)
	}
	target := "http://" + listener.Addr().String()
	listener.Close()

	cfg := types.AttackConfig{Mode: types.ModeDDOS, TargetURL: target, DurationSeconds: 1, TargetRPS: 20}
	summary := runAttack(t, cfg, Options{Concurrency: 5, Client: worker.NewHTTPClient(time.Second, 5)})

	if summary.TotalSent == 0 {
		t.Fatalf("expected requests to be dispatched")
	}
	if summary.TotalSucceeded != 0 {
		t.Fatalf("expected no successes, got %d", summary.TotalSucceeded)
	}
	if summary.TotalFailed != summary.TotalSent {
		t.Fatalf("expected every request to fail, sent=%d failed=%d", summary.TotalSent, summary.TotalFailed)
	}
}

func TestWorkerPoolCapsInFlightRequests(t *testing.T) {
	var inFlight, maxInFlight int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt64(&inFlight, 1)
		for {
			seen := atomic.LoadInt64(&maxInFlight)
			if current <= seen || atomic.CompareAndSwapInt64(&maxInFlight, seen, current) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	const concurrency = 4
	cfg := types.AttackConfig{Mode: types.ModeBurst, TargetURL: server.URL, DurationSeconds: 1, TargetRPS: 200}
	summary := runAttack(t, cfg, Options{Concurrency: concurrency})

	if got := atomic.LoadInt64(&maxInFlight); got > concurrency {
		t.Fatalf("expected at most %d concurrent requests, saw %d", concurrency, got)
	}
	if summary.TotalSent > int64(cfg.MaxRequests()+concurrency) {
		t.Fatalf("sent %d exceeds budget %d plus pool %d", summary.TotalSent, cfg.MaxRequests(), concurrency)
	}
	if summary.TotalSent != summary.TotalSucceeded+summary.TotalFailed {
		t.Fatalf("sent %d != succeeded %d + failed %d", summary.TotalSent, summary.TotalSucceeded, summary.TotalFailed)
	}
}

func TestSentNeverExceedsBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	for _, mode := range types.AttackModes() {
		cfg := types.AttackConfig{Mode: mode, TargetURL: server.URL, DurationSeconds: 1, TargetRPS: 30}
		summary := runAttack(t, cfg, Options{Concurrency: 10})
		if summary.TotalSent > int64(cfg.MaxRequests()+10) {
			t.Fatalf("%s: sent %d exceeds budget", mode, summary.TotalSent)
		}
		if summary.TotalSent == 0 {
			t.Fatalf("%s: expected requests to be sent", mode)
		}
	}
}

func TestBurstFrontLoadsWhileDDOSPaces(t *testing.T) {
	measure := func(mode types.AttackMode) (int, int) {
		hits := &arrivals{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.add()
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		cfg := types.AttackConfig{Mode: mode, TargetURL: server.URL, DurationSeconds: 1, TargetRPS: 40}
		start := time.Now()
		summary := runAttack(t, cfg, Options{Concurrency: 40})
		return hits.countBefore(start.Add(250 * time.Millisecond)), int(summary.TotalSent)
	}

	burstEarly, burstTotal := measure(types.ModeBurst)
	ddosEarly, ddosTotal := measure(types.ModeDDOS)

	if burstEarly < burstTotal*3/4 {
		t.Fatalf("expected burst to land most of its %d requests early, got %d", burstTotal, burstEarly)
	}
	if ddosEarly > ddosTotal/2 {
		t.Fatalf("expected ddos to spread %d requests over the second, got %d early", ddosTotal, ddosEarly)
	}
}

func TestGracePeriodCancelsStuckRequests(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	cfg := types.AttackConfig{Mode: types.ModeDDOS, TargetURL: server.URL, DurationSeconds: 1, TargetRPS: 5}
	start := time.Now()
	summary := runAttack(t, cfg, Options{
		Concurrency: 10,
		GracePeriod: 200 * time.Millisecond,
		Client:      worker.NewHTTPClient(time.Minute, 10),
	})

	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("expected run to close shortly after grace period, took %s", elapsed)
	}
	if summary.TotalSent == 0 || summary.TotalFailed != summary.TotalSent {
		t.Fatalf("expected every stuck request recorded as failed, got %+v", summary)
	}
}

func TestZeroGracePeriodCancelsAtDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	cfg := types.AttackConfig{Mode: types.ModeDDOS, TargetURL: server.URL, DurationSeconds: 1, TargetRPS: 5}
	p, err := pacer.ForMode(cfg, pacer.Options{})
	if err != nil {
		t.Fatalf("unable to build pacer: %v", err)
	}
	start := time.Now()
	summary := Run(context.Background(), cfg, Options{
		Concurrency: 10,
		GracePeriod: 0,
		Client:      worker.NewHTTPClient(time.Minute, 10),
		Pacer:       p,
	})

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected run to end at the deadline without grace, took %s", elapsed)
	}
	if summary.TotalSent == 0 || summary.TotalFailed != summary.TotalSent {
		t.Fatalf("expected every hanging request cancelled and failed, got %+v", summary)
	}
}

func TestCancelledContextStillProducesSummary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := types.AttackConfig{Mode: types.ModeSustained, TargetURL: server.URL, DurationSeconds: 30, TargetRPS: 20}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	agg := aggregator.New("run-cancel", cfg)
	start := time.Now()
	summary := Run(ctx, cfg, Options{Concurrency: 5, GracePeriod: DefaultGracePeriod, Aggregator: agg})

	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("expected early stop after cancel, took %s", elapsed)
	}
	if !summary.Final || summary.RunID != "run-cancel" {
		t.Fatalf("expected final summary from supplied aggregator, got %+v", summary)
	}
	if summary.TotalSent == 0 || summary.TotalFailed != 0 {
		t.Fatalf("expected successful requests before cancel, got %+v", summary)
	}
}

type failingSource struct {
	calls int
}

func (f *failingSource) Next() (types.RequestSpec, error) {
	f.calls++
	if f.calls%2 == 0 {
		return types.RequestSpec{}, context.DeadlineExceeded
	}
	return types.RequestSpec{Method: http.MethodGet}, nil
}

func (f *failingSource) Reset() error {
	return nil
}

func TestSourceErrorsSkipDispatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	source := &failingSource{}
	cfg := types.AttackConfig{Mode: types.ModeBurst, TargetURL: server.URL, DurationSeconds: 1, TargetRPS: 10}
	summary := runAttack(t, cfg, Options{Concurrency: 2, Source: source})

	if summary.TotalSent == 0 || summary.TotalFailed != 0 {
		t.Fatalf("expected only successful dispatches, got %+v", summary)
	}
	if int(summary.TotalSent) > (source.calls+1)/2 {
		t.Fatalf("expected failed source calls to be skipped, sent=%d calls=%d", summary.TotalSent, source.calls)
	}
}
