package app

import (
	"context"
	"fmt"

	"github.com/PeladoCollado/machinegun/machinegun/logger"
	"github.com/PeladoCollado/machinegun/machinegun/requests"
	"github.com/PeladoCollado/machinegun/machinegun/sink"
	"github.com/PeladoCollado/machinegun/types"
)

type RequestSourceFactory interface {
	NewRequestSource(cfg Config) (types.RequestSource, error)
}

type SinkFactory interface {
	NewSink(ctx context.Context, cfg Config) (sink.Sink, error)
}

type RequestSourceFactoryFunc func(cfg Config) (types.RequestSource, error)

func (f RequestSourceFactoryFunc) NewRequestSource(cfg Config) (types.RequestSource, error) {
	return f(cfg)
}

type SinkFactoryFunc func(ctx context.Context, cfg Config) (sink.Sink, error)

func (f SinkFactoryFunc) NewSink(ctx context.Context, cfg Config) (sink.Sink, error) {
	return f(ctx, cfg)
}

func NewBuiltInRequestSource(cfg Config) (types.RequestSource, error) {
	switch cfg.RequestSource {
	case "target":
		return requests.NewTargetSource(cfg.Method), nil
	case "endpoints":
		mode, err := types.ParseAttackMode(cfg.Attack)
		if err != nil {
			return nil, err
		}
		return requests.NewEndpointMixSource(mode, nil)
	case "file":
		if cfg.RequestFile == "" {
			return nil, fmt.Errorf("request-file is required when request-source=file")
		}
		return requests.NewFileReader(cfg.RequestFile)
	default:
		return nil, fmt.Errorf("unsupported request-source %q", cfg.RequestSource)
	}
}

// NewBuiltInSink always logs snapshots and adds a Redis sink when redis-addr
// is set. An unreachable Redis is logged and skipped.
func NewBuiltInSink(ctx context.Context, cfg Config) (sink.Sink, error) {
	sinks := sink.Multi{sink.NewLogSink(logger.Logger)}
	if cfg.RedisAddr == "" {
		return sinks, nil
	}
	redisSink, err := sink.DialRedis(ctx, cfg.RedisAddr, cfg.RedisKey)
	if err != nil {
		logger.Logger.Warnw("Redis snapshot sink disabled", "addr", cfg.RedisAddr, "error", err)
		return sinks, nil
	}
	return append(sinks, redisSink), nil
}

func requestSourceFactoryOrDefault(factory RequestSourceFactory) RequestSourceFactory {
	if factory != nil {
		return factory
	}
	return RequestSourceFactoryFunc(NewBuiltInRequestSource)
}

func sinkFactoryOrDefault(factory SinkFactory) SinkFactory {
	if factory != nil {
		return factory
	}
	return SinkFactoryFunc(NewBuiltInSink)
}
