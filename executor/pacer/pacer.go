package pacer

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/PeladoCollado/machinegun/types"
	"golang.org/x/time/rate"
)

// Pacer gates admission of requests into the worker pool. Wait blocks until
// the next request may be dispatched or ctx is done. Pacers are driven by a
// single dispatch loop and are not safe for concurrent use.
type Pacer interface {
	Wait(ctx context.Context) error
}

type RampShape string

const (
	RampLinear      RampShape = "linear"
	RampExponential RampShape = "exponential"
)

type Options struct {
	// BurstInterval is the window length for burst mode. Defaults to one second.
	BurstInterval time.Duration
	// BurstSize overrides the permits per burst window. Zero derives it from
	// the target rate and BurstInterval.
	BurstSize int
	// RampUp applies to sustained mode only.
	RampUp    time.Duration
	RampShape RampShape
	Rand      *rand.Rand
}

// ForMode returns the pacing strategy for the configured attack mode.
func ForMode(cfg types.AttackConfig, opts Options) (Pacer, error) {
	if cfg.TargetRPS <= 0 {
		return nil, fmt.Errorf("rps must be > 0, got %d", cfg.TargetRPS)
	}
	switch cfg.Mode {
	case types.ModeDDOS:
		return NewConstantPacer(cfg.TargetRPS), nil
	case types.ModeSustained:
		if opts.RampUp <= 0 {
			return NewConstantPacer(cfg.TargetRPS), nil
		}
		return NewSchedulePacer(rampCalculator(cfg.TargetRPS, opts)), nil
	case types.ModeBurst:
		if opts.BurstSize > 0 {
			return NewFixedBurstPacer(opts.BurstSize, opts.BurstInterval), nil
		}
		return NewBurstPacer(cfg.TargetRPS, opts.BurstInterval), nil
	case types.ModeRandom:
		return NewSchedulePacer(NewRandomLoadCalculator(1, cfg.TargetRPS, opts.Rand)), nil
	default:
		return nil, fmt.Errorf("no pacer for attack mode %s", cfg.Mode)
	}
}

func rampCalculator(targetRPS int, opts Options) LoadCalculator {
	rampSeconds := int(math.Ceil(opts.RampUp.Seconds()))
	if opts.RampShape == RampExponential {
		return NewExponentialRampLoadCalculator(targetRPS, rampSeconds)
	}
	return NewRampLoadCalculator(targetRPS, rampSeconds)
}

// ConstantPacer spaces requests evenly at a fixed rate.
type ConstantPacer struct {
	limiter *rate.Limiter
}

func NewConstantPacer(rps int) *ConstantPacer {
	return &ConstantPacer{limiter: rate.NewLimiter(rate.Limit(rps), 1)}
}

func (c *ConstantPacer) Wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// BurstPacer releases a full window of permits at once at the start of every
// window and then blocks until the next window opens.
type BurstPacer struct {
	interval  time.Duration
	perWindow int

	windowStart time.Time
	remaining   int
}

func NewBurstPacer(rps int, interval time.Duration) *BurstPacer {
	if interval <= 0 {
		interval = time.Second
	}
	return NewFixedBurstPacer(int(math.Round(float64(rps)*interval.Seconds())), interval)
}

// NewFixedBurstPacer releases perWindow permits at the start of every interval.
func NewFixedBurstPacer(perWindow int, interval time.Duration) *BurstPacer {
	if interval <= 0 {
		interval = time.Second
	}
	if perWindow < 1 {
		perWindow = 1
	}
	return &BurstPacer{interval: interval, perWindow: perWindow}
}

func (b *BurstPacer) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.windowStart.IsZero() {
		b.windowStart = time.Now()
		b.remaining = b.perWindow
	}
	for b.remaining == 0 {
		next := b.windowStart.Add(b.interval)
		if wait := time.Until(next); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		// windows missed while the pool was saturated are skipped, not replayed
		if time.Since(next) >= b.interval {
			next = time.Now()
		}
		b.windowStart = next
		b.remaining = b.perWindow
	}
	b.remaining--
	return nil
}

// SchedulePacer re-reads its rate from a LoadCalculator once per second.
type SchedulePacer struct {
	calc       LoadCalculator
	limiter    *rate.Limiter
	nextAdjust time.Time
}

func NewSchedulePacer(calc LoadCalculator) *SchedulePacer {
	return &SchedulePacer{calc: calc, limiter: rate.NewLimiter(rate.Limit(1), 1)}
}

func (s *SchedulePacer) Wait(ctx context.Context) error {
	now := time.Now()
	if s.nextAdjust.IsZero() || !now.Before(s.nextAdjust) {
		next := s.calc.Next()
		if next < 1 {
			next = 1
		}
		s.limiter.SetLimitAt(now, rate.Limit(next))
		if s.nextAdjust.IsZero() {
			s.nextAdjust = now
		}
		for !now.Before(s.nextAdjust) {
			s.nextAdjust = s.nextAdjust.Add(time.Second)
		}
	}
	return s.limiter.Wait(ctx)
}

// CurrentLimit reports the rate applied to the current one-second slice.
func (s *SchedulePacer) CurrentLimit() float64 {
	return float64(s.limiter.Limit())
}
