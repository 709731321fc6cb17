package worker

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/PeladoCollado/machinegun/metrics"
	"github.com/PeladoCollado/machinegun/types"
)

type fakeMetrics struct {
	lock sync.Mutex

	successes int
	failures  int
	timeouts  int
}

func (f *fakeMetrics) PostSuccess(event metrics.SuccessEvent) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.successes++
}

func (f *fakeMetrics) PostFailure(event metrics.ErrorEvent) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.failures++
	if event.Timeout {
		f.timeouts++
	}
}

func TestExecuteRecordsSuccess(t *testing.T) {
	var gotPath, gotQuery, gotBody, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotMethod = r.Method
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte("hello"))
	}))
	defer server.Close()

	collector := &fakeMetrics{}
	result := Execute(context.Background(), server.Client(), server.URL, types.RequestSpec{
		Method:      http.MethodPost,
		Path:        "/queue-task",
		QueryString: "a=b",
		Body:        `{"task":"t"}`,
	}, collector)

	if !result.Success || result.StatusCode != http.StatusOK {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Bytes != 5 {
		t.Fatalf("expected 5 bytes read, got %d", result.Bytes)
	}
	if gotPath != "/queue-task" || gotQuery != "a=b" || gotMethod != http.MethodPost || gotBody != `{"task":"t"}` {
		t.Fatalf("unexpected request: %s %s?%s body=%s", gotMethod, gotPath, gotQuery, gotBody)
	}
	if collector.successes != 1 || collector.failures != 0 {
		t.Fatalf("expected 1 success metric, got successes=%d failures=%d", collector.successes, collector.failures)
	}
}

func TestExecuteTreatsNon2xxAsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	collector := &fakeMetrics{}
	result := Execute(context.Background(), server.Client(), server.URL, types.RequestSpec{}, collector)

	if result.Success {
		t.Fatalf("expected failure for 503")
	}
	if result.StatusCode != http.StatusServiceUnavailable || !result.Timeout {
		t.Fatalf("expected 503 classified as timeout, got %+v", result)
	}
	if collector.failures != 1 || collector.timeouts != 1 {
		t.Fatalf("expected one timeout failure metric, got failures=%d timeouts=%d", collector.failures, collector.timeouts)
	}
}

func TestExecuteRecordsConnectionErrors(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to reserve port: %v", err)
	}
	target := "http://" + listener.Addr().String()
	listener.Close()

	collector := &fakeMetrics{}
	result := Execute(context.Background(), NewHTTPClient(time.Second, 1), target, types.RequestSpec{}, collector)

	if result.Success || result.StatusCode != 0 || result.Err == "" {
		t.Fatalf("expected transport failure, got %+v", result)
	}
	if collector.failures != 1 {
		t.Fatalf("expected one failure metric, got %d", collector.failures)
	}
}

func TestExecuteClassifiesClientTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	result := Execute(context.Background(), NewHTTPClient(50*time.Millisecond, 1), server.URL, types.RequestSpec{}, &fakeMetrics{})
	if result.Success || !result.Timeout {
		t.Fatalf("expected timeout failure, got %+v", result)
	}
}

func TestBuildRequestURL(t *testing.T) {
	url, err := buildRequestURL("http://example.local:8080", "/hello", "a=b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "http://example.local:8080/hello?a=b"
	if url != expected {
		t.Fatalf("expected %s, got %s", expected, url)
	}
}

func TestBuildRequestURLKeepsTargetWhenSpecIsEmpty(t *testing.T) {
	url, err := buildRequestURL("http://example.local:8080/api/v1?x=1", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "http://example.local:8080/api/v1?x=1" {
		t.Fatalf("expected target URL unchanged, got %s", url)
	}
}

func TestBuildRequestURLRejectsRelativeTarget(t *testing.T) {
	if _, err := buildRequestURL("example.local/path", "/x", ""); err == nil {
		t.Fatalf("expected relative target error")
	}
}
