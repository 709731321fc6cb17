package types

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// AttackMode is the traffic shape used to pace a run.
type AttackMode int

const (
	ModeDDOS AttackMode = iota + 1
	ModeBurst
	ModeSustained
	ModeRandom
)

var modeNames = map[AttackMode]string{
	ModeDDOS:      "ddos",
	ModeBurst:     "burst",
	ModeSustained: "sustained",
	ModeRandom:    "random",
}

func (m AttackMode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func (m AttackMode) MarshalText() ([]byte, error) {
	if _, ok := modeNames[m]; !ok {
		return nil, fmt.Errorf("unknown attack mode %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *AttackMode) UnmarshalText(text []byte) error {
	mode, err := ParseAttackMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

func ParseAttackMode(name string) (AttackMode, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for mode, modeName := range modeNames {
		if modeName == normalized {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("unsupported attack mode %q", name)
}

// AttackModes lists the supported modes in declaration order.
func AttackModes() []AttackMode {
	return []AttackMode{ModeDDOS, ModeBurst, ModeSustained, ModeRandom}
}

// AttackConfig is captured once at startup and never modified afterwards.
type AttackConfig struct {
	Mode            AttackMode `json:"mode"`
	TargetURL       string     `json:"targetUrl"`
	DurationSeconds int        `json:"durationSeconds"`
	TargetRPS       int        `json:"targetRps"`
}

func (c AttackConfig) Validate() error {
	if _, ok := modeNames[c.Mode]; !ok {
		return fmt.Errorf("unsupported attack mode %d", int(c.Mode))
	}
	if c.DurationSeconds <= 0 {
		return fmt.Errorf("duration must be > 0, got %d", c.DurationSeconds)
	}
	if c.TargetRPS <= 0 {
		return fmt.Errorf("rps must be > 0, got %d", c.TargetRPS)
	}
	return ValidateTargetURL(c.TargetURL)
}

func (c AttackConfig) Duration() time.Duration {
	return time.Duration(c.DurationSeconds) * time.Second
}

// MaxRequests is the dispatch budget for the whole run.
func (c AttackConfig) MaxRequests() int {
	return c.TargetRPS * c.DurationSeconds
}

func ValidateTargetURL(target string) error {
	if target == "" {
		return fmt.Errorf("target URL is required")
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid target URL %q: %w", target, err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("target URL must be absolute: %s", target)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("target URL scheme must be http or https: %s", target)
	}
	return nil
}

type RequestSpec struct {
	Method      string              `json:"method"`
	Path        string              `json:"path"`
	QueryString string              `json:"queryString"`
	Headers     map[string][]string `json:"headers,omitempty"`
	Body        string              `json:"body,omitempty"`
}

// RequestSource produces the requests dispatched during a run. Sources are
// driven by the single dispatch loop and need not be safe for concurrent use.
type RequestSource interface {
	Next() (RequestSpec, error)
	Reset() error
}

type RequestResult struct {
	Timestamp  time.Time
	Latency    time.Duration
	StatusCode int
	Success    bool
	Timeout    bool
	Bytes      int64
	Err        string
}

func (r RequestResult) LatencyMillis() float64 {
	return float64(r.Latency.Microseconds()) / 1000
}

type RunSummary struct {
	RunID     string        `json:"runId"`
	Mode      string        `json:"mode"`
	Target    string        `json:"target"`
	StartedAt time.Time     `json:"startedAt"`
	Elapsed   time.Duration `json:"elapsed"`
	Final     bool          `json:"final"`

	TotalSent      int64 `json:"totalSent"`
	TotalSucceeded int64 `json:"totalSucceeded"`
	TotalFailed    int64 `json:"totalFailed"`
	TimeoutCount   int64 `json:"timeoutCount"`

	P50LatencyMillis  float64 `json:"p50LatencyMillis"`
	P95LatencyMillis  float64 `json:"p95LatencyMillis"`
	P99LatencyMillis  float64 `json:"p99LatencyMillis"`
	MinLatencyMillis  float64 `json:"minLatencyMillis"`
	MaxLatencyMillis  float64 `json:"maxLatencyMillis"`
	MeanLatencyMillis float64 `json:"meanLatencyMillis"`

	AchievedRPS float64 `json:"achievedRps"`
	ErrorRate   float64 `json:"errorRate"`

	StatusCodes  map[int]int64 `json:"statusCodes"`
	RecentErrors []string      `json:"recentErrors,omitempty"`
}
