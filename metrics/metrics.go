package metrics

import (
	"errors"
	"time"

	"github.com/PeladoCollado/machinegun/types"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "machinegun"

type SuccessEvent struct {
	Status        int
	ResponseSize  int64
	Duration      time.Duration
	FirstByteTime time.Duration
}

type ErrorEvent struct {
	Status   int
	ErrMsg   string
	Timeout  bool
	Duration time.Duration
}

// MetricsCollector receives one event per completed request. Implementations
// are called from every worker and must be safe for concurrent use.
type MetricsCollector interface {
	PostSuccess(event SuccessEvent)
	PostFailure(event ErrorEvent)
}

// NewPrometheusMetricsCollector registers the request metrics with r. Metrics
// already registered by an earlier run are reused. Any other registration
// error is returned together with a collector that still records events.
func NewPrometheusMetricsCollector(r prometheus.Registerer) (MetricsCollector, error) {
	c := &PrometheusMetricsCollector{
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{Name: "request_duration_ms",
			Namespace: namespace,
			Help:      "Request duration in milliseconds",
			Buckets:   timeBuckets()}),
		successDuration: prometheus.NewHistogram(prometheus.HistogramOpts{Name: "success_duration_ms",
			Namespace: namespace,
			Help:      "Successful request duration in milliseconds",
			Buckets:   timeBuckets()}),
		responseSize: prometheus.NewHistogram(prometheus.HistogramOpts{Name: "response_size_bytes",
			Namespace: namespace,
			Help:      "Response body size",
			Buckets:   sizeBuckets()}),
		firstByteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{Name: "first_byte_ms",
			Namespace: namespace,
			Help:      "Time to first byte in milliseconds",
			Buckets:   timeBuckets()}),
		successCounter: prometheus.NewCounter(prometheus.CounterOpts{Name: "success_total",
			Namespace: namespace,
			Help:      "Number of successful requests"}),
		failedCounter: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "failed_total",
			Namespace: namespace,
			Help:      "Number of failed requests by reason"}, []string{"reason"}),
	}
	var errs []error
	c.duration = register(r, c.duration, &errs)
	c.successDuration = register(r, c.successDuration, &errs)
	c.responseSize = register(r, c.responseSize, &errs)
	c.firstByteDuration = register(r, c.firstByteDuration, &errs)
	c.successCounter = register(r, c.successCounter, &errs)
	c.failedCounter = register(r, c.failedCounter, &errs)
	return c, errors.Join(errs...)
}

// register adds c to r, returning the collector r already holds when an
// identical one was registered before.
func register[T prometheus.Collector](r prometheus.Registerer, c T, errs *[]error) T {
	err := r.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing
		}
	}
	*errs = append(*errs, err)
	return c
}

func timeBuckets() []float64 {
	bucket := float64(10)
	buckets := make([]float64, 0, 204)
	for i := 0; i < 204; i++ {
		buckets = append(buckets, bucket)
		if bucket < 100 {
			bucket += 5
		} else if bucket < 1000 {
			bucket += 25
		} else if bucket < 10000 {
			bucket += 100
		} else if bucket < 60000 {
			bucket += 1000
		} else {
			break
		}
	}
	return buckets
}

const MB = 1 << 20

func sizeBuckets() []float64 {
	bucket := float64(64)
	buckets := make([]float64, 0, 127)
	for bucket < MB {
		buckets = append(buckets, bucket)
		bucket *= 2
	}
	for bucket < 10*MB {
		buckets = append(buckets, bucket)
		bucket += 1024 * 128
	}
	for bucket <= 50*MB {
		buckets = append(buckets, bucket)
		bucket += MB
	}
	return buckets
}

type PrometheusMetricsCollector struct {
	duration          prometheus.Histogram
	successDuration   prometheus.Histogram
	responseSize      prometheus.Histogram
	firstByteDuration prometheus.Histogram
	successCounter    prometheus.Counter
	failedCounter     *prometheus.CounterVec
}

func (b *PrometheusMetricsCollector) PostSuccess(event SuccessEvent) {
	b.duration.Observe(float64(event.Duration.Milliseconds()))
	b.successDuration.Observe(float64(event.Duration.Milliseconds()))
	b.responseSize.Observe(float64(event.ResponseSize))
	b.firstByteDuration.Observe(float64(event.FirstByteTime.Milliseconds()))
	b.successCounter.Inc()
}

func (b *PrometheusMetricsCollector) PostFailure(event ErrorEvent) {
	b.duration.Observe(float64(event.Duration.Milliseconds()))
	b.failedCounter.WithLabelValues(failureReason(event)).Inc()
}

func failureReason(event ErrorEvent) string {
	switch {
	case event.Timeout:
		return "timeout"
	case event.Status == 0:
		return "transport"
	case event.Status >= 500:
		return "5xx"
	case event.Status >= 400:
		return "4xx"
	default:
		return "other"
	}
}

// SummarySource is anything able to produce a point-in-time RunSummary.
type SummarySource interface {
	Snapshot() types.RunSummary
}

// SummaryCollector exports the aggregator's running summary at scrape time, so
// a scrape always sees one consistent snapshot.
type SummaryCollector struct {
	source SummarySource

	sent        *prometheus.Desc
	succeeded   *prometheus.Desc
	failed      *prometheus.Desc
	timeouts    *prometheus.Desc
	latency     *prometheus.Desc
	achievedRPS *prometheus.Desc
	errorRate   *prometheus.Desc
	elapsed     *prometheus.Desc
}

func NewSummaryCollector(source SummarySource, constLabels prometheus.Labels) *SummaryCollector {
	desc := func(name string, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "run", name), help, labels, constLabels)
	}
	return &SummaryCollector{
		source:      source,
		sent:        desc("requests_sent_total", "Requests dispatched during the run"),
		succeeded:   desc("requests_succeeded_total", "Requests that completed with a 2xx status"),
		failed:      desc("requests_failed_total", "Requests that failed or returned a non-2xx status"),
		timeouts:    desc("requests_timeout_total", "Failed requests classified as timeouts"),
		latency:     desc("latency_ms", "Request latency percentiles in milliseconds", "quantile"),
		achievedRPS: desc("achieved_rps", "Achieved requests per second"),
		errorRate:   desc("error_rate", "Fraction of requests that failed"),
		elapsed:     desc("elapsed_seconds", "Seconds since the run started"),
	}
}

func (c *SummaryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sent
	ch <- c.succeeded
	ch <- c.failed
	ch <- c.timeouts
	ch <- c.latency
	ch <- c.achievedRPS
	ch <- c.errorRate
	ch <- c.elapsed
}

func (c *SummaryCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(s.TotalSent))
	ch <- prometheus.MustNewConstMetric(c.succeeded, prometheus.CounterValue, float64(s.TotalSucceeded))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(s.TotalFailed))
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(s.TimeoutCount))
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, s.P50LatencyMillis, "0.5")
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, s.P95LatencyMillis, "0.95")
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, s.P99LatencyMillis, "0.99")
	ch <- prometheus.MustNewConstMetric(c.achievedRPS, prometheus.GaugeValue, s.AchievedRPS)
	ch <- prometheus.MustNewConstMetric(c.errorRate, prometheus.GaugeValue, s.ErrorRate)
	ch <- prometheus.MustNewConstMetric(c.elapsed, prometheus.GaugeValue, s.Elapsed.Seconds())
}

// TargetMetrics tracks resource usage of the pods backing the target.
type TargetMetrics struct {
	cpu    *prometheus.GaugeVec
	memory *prometheus.GaugeVec
}

func NewTargetMetrics(r prometheus.Registerer) (*TargetMetrics, error) {
	m := &TargetMetrics{
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "target_pod_cpu_millicores",
			Namespace: namespace,
			Help:      "CPU usage of target pods in millicores"}, []string{"namespace", "pod"}),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "target_pod_memory_bytes",
			Namespace: namespace,
			Help:      "Memory usage of target pods in bytes"}, []string{"namespace", "pod"}),
	}
	var errs []error
	m.cpu = register(r, m.cpu, &errs)
	m.memory = register(r, m.memory, &errs)
	return m, errors.Join(errs...)
}

func (m *TargetMetrics) SetTargetPodUsage(namespace string, pod string, cpuMillicores int64, memoryBytes int64) {
	m.cpu.WithLabelValues(namespace, pod).Set(float64(cpuMillicores))
	m.memory.WithLabelValues(namespace, pod).Set(float64(memoryBytes))
}

func (m *TargetMetrics) ResetTargetPodUsage() {
	m.cpu.Reset()
	m.memory.Reset()
}
