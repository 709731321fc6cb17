package app

import (
	"context"
	"net"
	"testing"

	"github.com/PeladoCollado/machinegun/machinegun/requests"
	"github.com/PeladoCollado/machinegun/machinegun/sink"
	"github.com/PeladoCollado/machinegun/types"
	"github.com/alicebob/miniredis/v2"
)

func TestBuiltInRequestSourceRejectsUnsupportedType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestSource = "database"

	if _, err := NewBuiltInRequestSource(cfg); err == nil {
		t.Fatalf("expected unsupported request-source error")
	}
}

func TestBuiltInRequestSourceTypes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Method = "HEAD"
	source, err := NewBuiltInRequestSource(cfg)
	if err != nil {
		t.Fatalf("unexpected target source error: %v", err)
	}
	spec, _ := source.Next()
	if _, ok := source.(*requests.TargetSource); !ok || spec.Method != "HEAD" {
		t.Fatalf("expected HEAD target source, got %T %+v", source, spec)
	}

	cfg.RequestSource = "endpoints"
	cfg.Attack = "burst"
	source, err = NewBuiltInRequestSource(cfg)
	if err != nil {
		t.Fatalf("unexpected endpoint source error: %v", err)
	}
	if _, ok := source.(*requests.EndpointMixSource); !ok {
		t.Fatalf("expected endpoint mix source, got %T", source)
	}

	cfg.RequestSource = "file"
	cfg.RequestFile = t.TempDir() + "/missing.json"
	if _, err := NewBuiltInRequestSource(cfg); err == nil {
		t.Fatalf("expected missing request file error")
	}
}

func TestCustomRequestSourceFactoryCanHandleUnknownType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestSource = "database"

	factory := RequestSourceFactoryFunc(func(cfg Config) (types.RequestSource, error) {
		if cfg.RequestSource == "database" {
			return &staticRequestSource{}, nil
		}
		return NewBuiltInRequestSource(cfg)
	})

	source, err := factory.NewRequestSource(cfg)
	if err != nil {
		t.Fatalf("unexpected factory error: %v", err)
	}
	spec, _ := source.Next()
	if spec.Path != "/custom" {
		t.Fatalf("expected custom source, got %+v", spec)
	}
}

func TestBuiltInSinkLogsOnlyWithoutRedis(t *testing.T) {
	s, err := NewBuiltInSink(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected sink error: %v", err)
	}
	multi, ok := s.(sink.Multi)
	if !ok || len(multi) != 1 {
		t.Fatalf("expected a single log sink, got %T %v", s, s)
	}
}

func TestBuiltInSinkAddsRedis(t *testing.T) {
	server := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.RedisAddr = server.Addr()
	s, err := NewBuiltInSink(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected sink error: %v", err)
	}
	defer s.Close()

	if err := s.Publish(context.Background(), types.RunSummary{RunID: "run-1"}); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	items, err := server.List(cfg.RedisKey)
	if err != nil || len(items) != 1 {
		t.Fatalf("expected one snapshot in redis, got %v (%v)", items, err)
	}
}

func TestBuiltInSinkSkipsUnreachableRedis(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to reserve port: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	cfg := DefaultConfig()
	cfg.RedisAddr = addr
	s, err := NewBuiltInSink(context.Background(), cfg)
	if err != nil {
		t.Fatalf("expected unreachable redis to be skipped, got %v", err)
	}
	if multi, ok := s.(sink.Multi); !ok || len(multi) != 1 {
		t.Fatalf("expected log sink only, got %v", s)
	}
}

type staticRequestSource struct{}

func (s *staticRequestSource) Next() (types.RequestSpec, error) {
	return types.RequestSpec{Method: "GET", Path: "/custom"}, nil
}

func (s *staticRequestSource) Reset() error {
	return nil
}
