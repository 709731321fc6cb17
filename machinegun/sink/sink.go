package sink

import (
	"context"
	"errors"

	"github.com/PeladoCollado/machinegun/types"
	"go.uber.org/zap"
)

// Sink receives periodic run snapshots and the final summary.
type Sink interface {
	Publish(ctx context.Context, summary types.RunSummary) error
	Close() error
}

// LogSink writes snapshots as structured log entries.
type LogSink struct {
	logger *zap.SugaredLogger
}

func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Publish(_ context.Context, s types.RunSummary) error {
	message := "Attack snapshot"
	if s.Final {
		message = "Attack finished"
	}
	l.logger.Infow(message,
		"runId", s.RunID,
		"mode", s.Mode,
		"elapsed", s.Elapsed,
		"sent", s.TotalSent,
		"succeeded", s.TotalSucceeded,
		"failed", s.TotalFailed,
		"timeouts", s.TimeoutCount,
		"p50Ms", s.P50LatencyMillis,
		"p95Ms", s.P95LatencyMillis,
		"p99Ms", s.P99LatencyMillis,
		"achievedRps", s.AchievedRPS,
		"errorRate", s.ErrorRate)
	return nil
}

func (l *LogSink) Close() error {
	return nil
}

// Multi fans a snapshot out to every sink. A failing sink does not stop the others.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, summary types.RunSummary) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
