package app

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/PeladoCollado/machinegun/executor"
	"github.com/PeladoCollado/machinegun/executor/pacer"
	"github.com/PeladoCollado/machinegun/machinegun/k8s"
	"github.com/PeladoCollado/machinegun/machinegun/sink"
	"github.com/PeladoCollado/machinegun/types"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every environment preset, e.g. MACHINEGUN_RPS.
const EnvPrefix = "MACHINEGUN"

type Config struct {
	Attack   string `split_words:"true"`
	Target   string `split_words:"true"`
	Duration int    `split_words:"true"`
	RPS      int    `split_words:"true"`

	Concurrency   int           `split_words:"true"`
	Timeout       time.Duration `split_words:"true"`
	GracePeriod   time.Duration `split_words:"true"`
	BurstInterval time.Duration `split_words:"true"`
	BurstSize     int           `split_words:"true"`
	RampUp        time.Duration `split_words:"true"`
	RampShape     string        `split_words:"true"`

	Method        string `split_words:"true"`
	RequestSource string `split_words:"true"`
	RequestFile   string `split_words:"true"`

	MetricsAddr      string        `split_words:"true"`
	SnapshotInterval time.Duration `split_words:"true"`
	Output           string        `split_words:"true"`
	ReportURL        string        `split_words:"true"`
	RedisAddr        string        `split_words:"true"`
	RedisKey         string        `split_words:"true"`

	TargetMode         string        `split_words:"true"`
	TargetNamespace    string        `split_words:"true"`
	TargetService      string        `split_words:"true"`
	TargetPortName     string        `split_words:"true"`
	TargetScheme       string        `split_words:"true"`
	WatchDeployment    string        `split_words:"true"`
	PodMetricsInterval time.Duration `split_words:"true"`

	InCluster  bool   `split_words:"true"`
	Kubeconfig string `split_words:"true"`
}

func DefaultConfig() Config {
	return Config{
		Attack:   types.ModeDDOS.String(),
		Duration: 60,
		RPS:      100,

		Concurrency:   100,
		Timeout:       10 * time.Second,
		GracePeriod:   executor.DefaultGracePeriod,
		BurstInterval: time.Second,
		RampShape:     string(pacer.RampLinear),

		Method:        http.MethodGet,
		RequestSource: "target",

		MetricsAddr:      ":9102",
		SnapshotInterval: 5 * time.Second,
		Output:           "text",
		RedisKey:         sink.DefaultRedisKey,

		TargetMode:         string(k8s.TargetModeURL),
		TargetNamespace:    "default",
		TargetPortName:     "http",
		TargetScheme:       "http",
		PodMetricsInterval: 5 * time.Second,
	}
}

func BindFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Attack, "attack", cfg.Attack, "Attack mode: "+strings.Join(modeNames(), ", "))
	fs.StringVar(&cfg.Target, "target", cfg.Target, "Target URL (required in url target mode)")
	fs.IntVar(&cfg.Duration, "duration", cfg.Duration, "Attack duration in seconds")
	fs.IntVar(&cfg.RPS, "rps", cfg.RPS, "Target requests per second")

	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Maximum in-flight requests")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Time allowed for in-flight requests after the deadline (0 cancels them at the deadline)")
	fs.DurationVar(&cfg.BurstInterval, "burst-interval", cfg.BurstInterval, "Window length for burst mode")
	fs.IntVar(&cfg.BurstSize, "burst-size", cfg.BurstSize, "Requests per burst window (0 derives it from rps and burst-interval)")
	fs.DurationVar(&cfg.RampUp, "ramp-up", cfg.RampUp, "Ramp-up time for sustained mode (0 disables)")
	fs.StringVar(&cfg.RampShape, "ramp-shape", cfg.RampShape, "Ramp shape for sustained mode: linear or exponential")

	fs.StringVar(&cfg.Method, "method", cfg.Method, "HTTP method for the target request source")
	fs.StringVar(&cfg.RequestSource, "request-source", cfg.RequestSource, "Request source: target, endpoints or file")
	fs.StringVar(&cfg.RequestFile, "request-file", cfg.RequestFile, "Path to a JSON request stream when request-source=file")

	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Listen address for /metrics and /summary (empty disables)")
	fs.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "How often running snapshots are published")
	fs.StringVar(&cfg.Output, "output", cfg.Output, "Final summary format: text or json")
	fs.StringVar(&cfg.ReportURL, "report-url", cfg.ReportURL, "URL the final summary is POSTed to")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for snapshot publishing (empty disables)")
	fs.StringVar(&cfg.RedisKey, "redis-key", cfg.RedisKey, "Redis list that receives snapshots")

	fs.StringVar(&cfg.TargetMode, "target-mode", cfg.TargetMode, "Target mode: url or service")
	fs.StringVar(&cfg.TargetNamespace, "target-namespace", cfg.TargetNamespace, "Kubernetes namespace for the target")
	fs.StringVar(&cfg.TargetService, "target-service", cfg.TargetService, "Target service name (service mode)")
	fs.StringVar(&cfg.TargetPortName, "target-port-name", cfg.TargetPortName, "Target service port name")
	fs.StringVar(&cfg.TargetScheme, "target-scheme", cfg.TargetScheme, "Target request URL scheme (service mode)")
	fs.StringVar(&cfg.WatchDeployment, "watch-deployment", cfg.WatchDeployment, "Deployment whose pod usage is exported during the run")
	fs.DurationVar(&cfg.PodMetricsInterval, "pod-metrics-interval", cfg.PodMetricsInterval, "How often to poll target pod metrics")

	fs.BoolVar(&cfg.InCluster, "in-cluster", cfg.InCluster, "Use in-cluster Kubernetes config")
	fs.StringVar(&cfg.Kubeconfig, "kubeconfig", cfg.Kubeconfig, "Kubeconfig path for out-of-cluster mode")
}

// ParseConfig layers defaults, MACHINEGUN_* environment presets and flags, in
// that order, and validates the result.
func ParseConfig(args []string) (Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, &ConfigError{Flag: "env", Reason: err.Error()}
	}
	fs := flag.NewFlagSet("machinegun", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	BindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return Config{}, err
		}
		return Config{}, &ConfigError{Flag: "args", Reason: err.Error()}
	}
	if fs.NArg() > 0 {
		return Config{}, &ConfigError{Flag: "args", Reason: fmt.Sprintf("unexpected arguments %v", fs.Args())}
	}
	if err := ValidateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Usage writes the flag help to w.
func Usage(w io.Writer) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("machinegun", flag.ContinueOnError)
	fs.SetOutput(w)
	BindFlags(fs, &cfg)
	fmt.Fprintln(w, "Usage: machinegun --attack=<mode> --target=<url> [--duration=<seconds>] [--rps=<n>]")
	fs.PrintDefaults()
}

func ValidateConfig(cfg Config) error {
	if _, err := types.ParseAttackMode(cfg.Attack); err != nil {
		return invalid("attack", err.Error())
	}
	if cfg.Duration <= 0 {
		return invalid("duration", "must be > 0")
	}
	if cfg.RPS <= 0 {
		return invalid("rps", "must be > 0")
	}
	if cfg.Duration > math.MaxInt32/cfg.RPS {
		return invalid("rps", "rps * duration overflows the request budget")
	}
	if cfg.Concurrency <= 0 {
		return invalid("concurrency", "must be > 0")
	}
	if cfg.Timeout <= 0 {
		return invalid("timeout", "must be > 0")
	}
	if cfg.GracePeriod < 0 {
		return invalid("grace-period", "must be >= 0")
	}
	if cfg.BurstInterval <= 0 {
		return invalid("burst-interval", "must be > 0")
	}
	if cfg.BurstSize < 0 {
		return invalid("burst-size", "must be >= 0")
	}
	if cfg.RampUp < 0 {
		return invalid("ramp-up", "must be >= 0")
	}
	switch pacer.RampShape(cfg.RampShape) {
	case pacer.RampLinear, pacer.RampExponential:
	default:
		return invalid("ramp-shape", fmt.Sprintf("unsupported shape %q", cfg.RampShape))
	}
	if cfg.SnapshotInterval <= 0 {
		return invalid("snapshot-interval", "must be > 0")
	}
	switch cfg.Output {
	case "text", "json":
	default:
		return invalid("output", fmt.Sprintf("unsupported format %q", cfg.Output))
	}
	if cfg.ReportURL != "" {
		if err := types.ValidateTargetURL(cfg.ReportURL); err != nil {
			return invalid("report-url", err.Error())
		}
	}
	if cfg.RedisAddr != "" && cfg.RedisKey == "" {
		return invalid("redis-key", "is required when redis-addr is set")
	}
	if cfg.RequestSource == "file" && cfg.RequestFile == "" {
		return invalid("request-file", "is required when request-source=file")
	}
	if cfg.WatchDeployment != "" && cfg.PodMetricsInterval <= 0 {
		return invalid("pod-metrics-interval", "must be > 0")
	}
	switch k8s.TargetMode(cfg.TargetMode) {
	case k8s.TargetModeURL:
		if err := types.ValidateTargetURL(cfg.Target); err != nil {
			return invalid("target", err.Error())
		}
	case k8s.TargetModeService:
		if cfg.TargetService == "" {
			return invalid("target-service", "is required in service mode")
		}
		if cfg.TargetNamespace == "" {
			return invalid("target-namespace", "is required in service mode")
		}
		switch cfg.TargetScheme {
		case "http", "https":
		default:
			return invalid("target-scheme", fmt.Sprintf("unsupported scheme %q", cfg.TargetScheme))
		}
	default:
		return invalid("target-mode", fmt.Sprintf("unsupported target mode %q", cfg.TargetMode))
	}
	return nil
}

// AttackConfig converts the validated flags into the run's immutable
// configuration. targetURL is the resolved target.
func (c Config) AttackConfig(targetURL string) (types.AttackConfig, error) {
	mode, err := types.ParseAttackMode(c.Attack)
	if err != nil {
		return types.AttackConfig{}, invalid("attack", err.Error())
	}
	cfg := types.AttackConfig{
		Mode:            mode,
		TargetURL:       targetURL,
		DurationSeconds: c.Duration,
		TargetRPS:       c.RPS,
	}
	// a fixed burst size sets the effective rate, and with it the dispatch budget
	if mode == types.ModeBurst && c.BurstSize > 0 {
		interval := c.BurstInterval
		if interval <= 0 {
			interval = time.Second
		}
		cfg.TargetRPS = int(math.Ceil(float64(c.BurstSize) / interval.Seconds()))
	}
	if err := cfg.Validate(); err != nil {
		return types.AttackConfig{}, invalid("target", err.Error())
	}
	return cfg, nil
}

func (c Config) PacerOptions() pacer.Options {
	return pacer.Options{
		BurstInterval: c.BurstInterval,
		BurstSize:     c.BurstSize,
		RampUp:        c.RampUp,
		RampShape:     pacer.RampShape(c.RampShape),
	}
}

func modeNames() []string {
	modes := types.AttackModes()
	names := make([]string, 0, len(modes))
	for _, mode := range modes {
		names = append(names, mode.String())
	}
	return names
}
