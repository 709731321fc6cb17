package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/PeladoCollado/machinegun/machinegun/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type service struct {
	cfg   config
	queue taskQueue
	stats *requestStats

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	gatherer prometheus.Gatherer

	rngLock sync.Mutex
	rng     *rand.Rand
	now     func() time.Time
}

func newService(cfg config, queue taskQueue, registry *prometheus.Registry) *service {
	s := &service{
		cfg:   cfg,
		queue: queue,
		stats: &requestStats{},
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests"}, []string{"method", "endpoint", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets}, []string{"method", "endpoint"}),
		gatherer: registry,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
	registry.MustRegister(s.requests, s.duration)
	return s
}

func (s *service) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/", s.rootHandler)
	r.Get("/health", s.healthHandler)
	r.Get("/cpu-intensive", s.cpuHandler)
	r.Get("/memory-intensive", s.memoryHandler)
	r.Get("/database-heavy", s.databaseHandler)
	r.Post("/queue-task", s.queueHandler)
	r.Get("/slow-endpoint", s.slowHandler)
	r.Get("/error-prone", s.errorProneHandler)
	r.Get("/stats", s.statsHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

// instrument labels requests by route pattern so unknown paths share one series.
func (s *service) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		endpoint := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		s.requests.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
		s.duration.WithLabelValues(r.Method, endpoint).Observe(elapsed.Seconds())
		if endpoint != "/metrics" {
			s.stats.record(elapsed, status)
		}
	})
}

func (s *service) rootHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "Machine Gun Target Ready",
		"timestamp": s.now().Format(time.RFC3339Nano),
	})
}

func (s *service) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": s.now().Format(time.RFC3339Nano),
	})
}

func (s *service) cpuHandler(w http.ResponseWriter, r *http.Request) {
	n, err := intQuery(r, "n", 1000000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n = clamp(n, 0, s.cfg.MaxCPUN)

	start := time.Now()
	var result uint64
	for i := 0; i < n; i++ {
		result += uint64(i) * uint64(i)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":           result,
		"computation_time": time.Since(start).Seconds(),
		"n":                n,
	})
}

func (s *service) memoryHandler(w http.ResponseWriter, r *http.Request) {
	sizeMB, err := intQuery(r, "size_mb", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sizeMB = clamp(sizeMB, 1, s.cfg.MaxMemoryMB)

	start := time.Now()
	data := make([]float64, sizeMB*1024*1024/8)
	s.rngLock.Lock()
	for i := range data {
		data[i] = s.rng.Float64()
	}
	s.rngLock.Unlock()
	var sum float64
	for _, v := range data {
		sum += v
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"average":         sum / float64(len(data)),
		"size_mb":         sizeMB,
		"processing_time": time.Since(start).Seconds(),
	})
}

// databaseHandler stands in for a query-heavy endpoint by reading the shared
// request counters once per query.
func (s *service) databaseHandler(w http.ResponseWriter, r *http.Request) {
	queries, err := intQuery(r, "queries", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	queries = clamp(queries, 0, s.cfg.MaxQueries)

	start := time.Now()
	var total int64
	for i := 0; i < queries; i++ {
		total += s.stats.snapshot().Total
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query_count":    queries,
		"total_requests": total,
		"response_time":  time.Since(start).Seconds(),
	})
}

func (s *service) queueHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var data map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid task body: %w", err))
		return
	}

	now := s.now()
	taskID := fmt.Sprintf("task_%d", now.UnixMilli())
	task, err := json.Marshal(map[string]any{
		"id":         taskID,
		"data":       data,
		"created_at": now.Format(time.RFC3339Nano),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.queue.Push(r.Context(), task); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errQueueFull) {
			status = http.StatusServiceUnavailable
		}
		logger.Logger.Warn("Unable to queue task: ", err)
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":       taskID,
		"queued":        true,
		"response_time": time.Since(start).Seconds(),
	})
}

func (s *service) slowHandler(w http.ResponseWriter, r *http.Request) {
	delaySeconds, err := floatQuery(r, "delay", 2.0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	delay := time.Duration(delaySeconds * float64(time.Second))
	if delay < 0 {
		delay = 0
	}
	if delay > s.cfg.MaxDelay {
		delay = s.cfg.MaxDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-r.Context().Done():
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"delay":   delay.Seconds(),
		"message": "Slow response completed",
	})
}

func (s *service) errorProneHandler(w http.ResponseWriter, r *http.Request) {
	errorRate, err := floatQuery(r, "error_rate", 0.1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start := time.Now()
	s.rngLock.Lock()
	roll := s.rng.Float64()
	s.rngLock.Unlock()
	if roll < errorRate {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": "Random error occurred"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"error_rate":    errorRate,
		"response_time": time.Since(start).Seconds(),
	})
}

func (s *service) statsHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.snapshot()
	queued, err := s.queue.Len(r.Context())
	if err != nil {
		logger.Logger.Warn("Unable to read queue length: ", err)
	}
	errorRate := 0.0
	averageSeconds := 0.0
	if snap.Total > 0 {
		errorRate = float64(snap.Errors) / float64(snap.Total)
		averageSeconds = snap.TotalTime.Seconds() / float64(snap.Total)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_requests":        snap.Total,
		"average_response_time": averageSeconds,
		"error_count":           snap.Errors,
		"error_rate":            errorRate,
		"queued_tasks":          queued,
	})
}

type statsSnapshot struct {
	Total     int64
	Errors    int64
	TotalTime time.Duration
}

// requestStats keeps running totals of served requests.
type requestStats struct {
	lock sync.RWMutex
	data statsSnapshot
}

func (r *requestStats) record(elapsed time.Duration, status int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.data.Total++
	r.data.TotalTime += elapsed
	if status >= 400 {
		r.data.Errors++
	}
}

func (r *requestStats) snapshot() statsSnapshot {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.data
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"detail": err.Error()})
}

func intQuery(r *http.Request, key string, fallback int) (int, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback, nil
	}
	number, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value for %q: %s", key, value)
	}
	return number, nil
}

func floatQuery(r *http.Request, key string, fallback float64) (float64, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback, nil
	}
	number, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number value for %q: %s", key, value)
	}
	return number, nil
}

func clamp(v int, lo int, hi int) int {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
