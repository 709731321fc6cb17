package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/PeladoCollado/machinegun/machinegun/logger"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

type config struct {
	Port          string        `envconfig:"PORT" default:"8080"`
	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	QueueCapacity int           `envconfig:"QUEUE_CAPACITY" default:"10000"`
	MaxCPUN       int           `envconfig:"MAX_CPU_N" default:"50000000"`
	MaxMemoryMB   int           `envconfig:"MAX_MEMORY_MB" default:"256"`
	MaxDelay      time.Duration `envconfig:"MAX_DELAY" default:"30s"`
	MaxQueries    int           `envconfig:"MAX_QUERIES" default:"10000"`
}

func main() {
	defer logger.Sync()

	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		logger.Logger.Fatal("Unable to read configuration: ", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var queue taskQueue = newMemoryQueue(cfg.QueueCapacity)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Logger.Warnw("Redis unavailable, queueing tasks in memory", "addr", cfg.RedisAddr, "error", err)
			_ = client.Close()
		} else {
			defer client.Close()
			queue = newRedisQueue(client, defaultQueueKey)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svc := newService(cfg, queue, registry)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           svc.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Logger.Warn("Unable to gracefully shutdown target service: ", err)
		}
	}()

	logger.Logger.Infow("Target service listening", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Logger.Fatal("Target service failed: ", err)
	}
}
