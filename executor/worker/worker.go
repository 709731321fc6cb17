package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PeladoCollado/machinegun/metrics"
	"github.com/PeladoCollado/machinegun/types"
)

const userAgent = "machinegun/1.0"

// NewHTTPClient returns a client whose connection pool is sized for the given
// number of concurrent workers.
func NewHTTPClient(timeout time.Duration, concurrency int) *http.Client {
	if concurrency <= 0 {
		concurrency = 1
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        concurrency,
		MaxIdleConnsPerHost: concurrency,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Execute issues one request against target and returns its result. It never
// returns an error: every failure is folded into the result.
func Execute(ctx context.Context,
	client *http.Client,
	target string,
	requestSpec types.RequestSpec,
	metricsCollector metrics.MetricsCollector) types.RequestResult {
	start := time.Now()
	result := types.RequestResult{Timestamp: start}

	requestURL, err := buildRequestURL(target, requestSpec.Path, requestSpec.QueryString)
	if err != nil {
		return fail(result, metricsCollector, 0, err.Error(), false)
	}

	method := requestSpec.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if requestSpec.Body != "" {
		body = bytes.NewBufferString(requestSpec.Body)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return fail(result, metricsCollector, 0, err.Error(), false)
	}
	request.Header.Set("User-Agent", userAgent)
	for key, values := range requestSpec.Headers {
		request.Header[key] = append([]string(nil), values...)
	}

	response, err := client.Do(request)
	firstByteDuration := time.Since(start)
	if err != nil {
		result.Latency = firstByteDuration
		return fail(result, metricsCollector, 0, err.Error(), errorQualifiesAsTimeout(err))
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		errMsg := readErrorBody(response.Body)
		result.Latency = time.Since(start)
		return fail(result, metricsCollector, response.StatusCode,
			fmt.Sprintf("status %d: %s", response.StatusCode, errMsg),
			statusQualifiesAsTimeout(response.StatusCode))
	}

	bytesRead, readErr := io.Copy(io.Discard, response.Body)
	result.Latency = time.Since(start)
	result.Bytes = bytesRead
	if readErr != nil {
		return fail(result, metricsCollector, response.StatusCode, readErr.Error(), errorQualifiesAsTimeout(readErr))
	}

	metricsCollector.PostSuccess(metrics.SuccessEvent{
		Status:        response.StatusCode,
		ResponseSize:  bytesRead,
		Duration:      result.Latency,
		FirstByteTime: firstByteDuration,
	})
	result.StatusCode = response.StatusCode
	result.Success = true
	return result
}

func fail(result types.RequestResult,
	metricsCollector metrics.MetricsCollector,
	status int,
	errMsg string,
	timeout bool) types.RequestResult {
	metricsCollector.PostFailure(metrics.ErrorEvent{
		Status:   status,
		ErrMsg:   errMsg,
		Timeout:  timeout,
		Duration: result.Latency,
	})
	result.StatusCode = status
	result.Err = errMsg
	result.Timeout = timeout
	return result
}

func buildRequestURL(targetBaseURL string, path string, query string) (string, error) {
	baseURL, err := url.Parse(targetBaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid target URL %q: %w", targetBaseURL, err)
	}
	if !baseURL.IsAbs() {
		return "", fmt.Errorf("target URL must be absolute: %s", targetBaseURL)
	}
	if path == "" && query == "" {
		return baseURL.String(), nil
	}

	relativePath := path
	if relativePath == "" {
		relativePath = "/"
	}
	relativeURL := &url.URL{Path: relativePath, RawQuery: query}
	resolved := baseURL.ResolveReference(relativeURL)

	// Avoid accidental double slashes after host while preserving explicit path intent.
	resolved.Path = strings.ReplaceAll(resolved.Path, "//", "/")
	return resolved.String(), nil
}

func readErrorBody(body io.Reader) string {
	limit := io.LimitReader(body, 512)
	bytesRead, err := io.ReadAll(limit)
	if err != nil {
		return fmt.Sprintf("Unable to read error message from response %v", err)
	}
	return strings.TrimSpace(string(bytesRead))
}

func statusQualifiesAsTimeout(statusCode int) bool {
	return statusCode == http.StatusServiceUnavailable || statusCode == http.StatusGatewayTimeout
}

func errorQualifiesAsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
