package aggregator

import (
	"sync"
	"time"

	"github.com/PeladoCollado/machinegun/types"
	"github.com/codahale/hdrhistogram"
)

const (
	minLatencyMicros = 1
	maxLatencyMicros = int64(time.Hour / time.Microsecond)
	sigFigs          = 3
	recentErrorLimit = 5
)

// Aggregator folds RequestResults into running counters and a bounded latency
// histogram. All methods are safe for concurrent use; one mutex guards the
// whole state so snapshots are always internally consistent.
type Aggregator struct {
	lock sync.Mutex

	runID  string
	mode   string
	target string

	started  time.Time
	finished time.Time
	final    bool

	sent      int64
	succeeded int64
	failed    int64
	timeouts  int64

	latencies    *hdrhistogram.Histogram
	statusCodes  map[int]int64
	recentErrors []string

	now func() time.Time
}

func New(runID string, cfg types.AttackConfig) *Aggregator {
	return newWithClock(runID, cfg, time.Now)
}

func newWithClock(runID string, cfg types.AttackConfig, now func() time.Time) *Aggregator {
	return &Aggregator{
		runID:        runID,
		mode:         cfg.Mode.String(),
		target:       cfg.TargetURL,
		started:      now(),
		latencies:    hdrhistogram.New(minLatencyMicros, maxLatencyMicros, sigFigs),
		statusCodes:  make(map[int]int64),
		recentErrors: make([]string, 0, recentErrorLimit),
		now:          now,
	}
}

// Start resets the clock used for the achieved rate. Call it when dispatch
// begins so setup time is not counted.
func (a *Aggregator) Start() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.started = a.now()
}

func (a *Aggregator) Record(result types.RequestResult) {
	micros := result.Latency.Microseconds()
	if micros < minLatencyMicros {
		micros = minLatencyMicros
	}
	if micros > maxLatencyMicros {
		micros = maxLatencyMicros
	}

	a.lock.Lock()
	defer a.lock.Unlock()
	a.sent++
	if result.Success {
		a.succeeded++
	} else {
		a.failed++
		if result.Timeout {
			a.timeouts++
		}
		if result.Err != "" {
			if len(a.recentErrors) == recentErrorLimit {
				a.recentErrors = append(a.recentErrors[:0], a.recentErrors[1:]...)
			}
			a.recentErrors = append(a.recentErrors, result.Err)
		}
	}
	if result.StatusCode != 0 {
		a.statusCodes[result.StatusCode]++
	}
	// values are clamped to the histogram range above, so this cannot fail
	_ = a.latencies.RecordValue(micros)
}

func (a *Aggregator) Snapshot() types.RunSummary {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.summaryLocked()
}

// FinalSummary freezes the run clock and returns the closing summary. Later
// calls return the same frozen view plus any results recorded since.
func (a *Aggregator) FinalSummary() types.RunSummary {
	a.lock.Lock()
	defer a.lock.Unlock()
	if !a.final {
		a.final = true
		a.finished = a.now()
	}
	return a.summaryLocked()
}

func (a *Aggregator) summaryLocked() types.RunSummary {
	end := a.now()
	if a.final {
		end = a.finished
	}
	elapsed := end.Sub(a.started)

	summary := types.RunSummary{
		RunID:          a.runID,
		Mode:           a.mode,
		Target:         a.target,
		StartedAt:      a.started,
		Elapsed:        elapsed,
		Final:          a.final,
		TotalSent:      a.sent,
		TotalSucceeded: a.succeeded,
		TotalFailed:    a.failed,
		TimeoutCount:   a.timeouts,
		StatusCodes:    make(map[int]int64, len(a.statusCodes)),
		RecentErrors:   append([]string(nil), a.recentErrors...),
	}
	for code, count := range a.statusCodes {
		summary.StatusCodes[code] = count
	}
	if a.sent > 0 {
		summary.ErrorRate = float64(a.failed) / float64(a.sent)
		summary.P50LatencyMillis = microsToMillis(a.latencies.ValueAtQuantile(50))
		summary.P95LatencyMillis = microsToMillis(a.latencies.ValueAtQuantile(95))
		summary.P99LatencyMillis = microsToMillis(a.latencies.ValueAtQuantile(99))
		summary.MinLatencyMillis = microsToMillis(a.latencies.Min())
		summary.MaxLatencyMillis = microsToMillis(a.latencies.Max())
		summary.MeanLatencyMillis = a.latencies.Mean() / 1000
	}
	if elapsed > 0 {
		summary.AchievedRPS = float64(a.sent) / elapsed.Seconds()
	}
	return summary
}

func microsToMillis(micros int64) float64 {
	return float64(micros) / 1000
}
