package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/PeladoCollado/machinegun/machinegun/logger"
	"github.com/PeladoCollado/machinegun/types"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// WriteSummary prints the final summary as text or JSON.
func WriteSummary(w io.Writer, summary types.RunSummary, format string) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(summary)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Attack finished: %s against %s\n", summary.Mode, summary.Target)
	fmt.Fprintf(&b, "  run id:        %s\n", summary.RunID)
	fmt.Fprintf(&b, "  elapsed:       %s\n", summary.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(&b, "  requests:      sent=%d succeeded=%d failed=%d timeouts=%d\n",
		summary.TotalSent, summary.TotalSucceeded, summary.TotalFailed, summary.TimeoutCount)
	fmt.Fprintf(&b, "  error rate:    %.2f%%\n", summary.ErrorRate*100)
	fmt.Fprintf(&b, "  achieved rps:  %.2f\n", summary.AchievedRPS)
	fmt.Fprintf(&b, "  latency (ms):  p50=%.2f p95=%.2f p99=%.2f min=%.2f max=%.2f mean=%.2f\n",
		summary.P50LatencyMillis, summary.P95LatencyMillis, summary.P99LatencyMillis,
		summary.MinLatencyMillis, summary.MaxLatencyMillis, summary.MeanLatencyMillis)
	if len(summary.StatusCodes) > 0 {
		codes := make([]int, 0, len(summary.StatusCodes))
		for code := range summary.StatusCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		parts := make([]string, 0, len(codes))
		for _, code := range codes {
			parts = append(parts, fmt.Sprintf("%d=%d", code, summary.StatusCodes[code]))
		}
		fmt.Fprintf(&b, "  status codes:  %s\n", strings.Join(parts, " "))
	}
	if len(summary.RecentErrors) > 0 {
		b.WriteString("  recent errors:\n")
		for _, msg := range summary.RecentErrors {
			fmt.Fprintf(&b, "    - %s\n", msg)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// NewReportClient retries the summary push on connection errors and 5xx.
func NewReportClient() *http.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 5
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = leveledLogger{logger.Logger}
	return client.StandardClient()
}

// PushReport POSTs the summary as JSON to reportURL.
func PushReport(ctx context.Context, client *http.Client, reportURL string, summary types.RunSummary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reportURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("push report to %s: %w", reportURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 10000))
		return fmt.Errorf("push report to %s: status %d - %s", reportURL, resp.StatusCode, string(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// leveledLogger adapts the zap logger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Infow(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warnw(msg, keysAndValues...)
}
