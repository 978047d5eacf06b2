package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluey22/simple-http-proxy/config"
	"github.com/bluey22/simple-http-proxy/internal/backend"
	"github.com/bluey22/simple-http-proxy/internal/engine"
	"github.com/bluey22/simple-http-proxy/internal/httpserver"
	"github.com/bluey22/simple-http-proxy/internal/metrics"
	"github.com/bluey22/simple-http-proxy/internal/pool"
	"github.com/bluey22/simple-http-proxy/internal/strategy"
	"github.com/bluey22/simple-http-proxy/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backends, err := initializeBackends(cfg, log)
	if err != nil {
		log.Error("Failed to initialize backends", slog.Any("err", err))
		os.Exit(1)
	}

	strat := createStrategy(log, cfg.Strategy.Type)
	backendPool := pool.New(backends, strat)

	engCfg, err := engineConfig(cfg)
	if err != nil {
		log.Error("Failed to build engine config", slog.Any("err", err))
		os.Exit(1)
	}

	var collector *metrics.Collector
	var metricsSrv *httpserver.Server
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Buffer, log)
		collector.Start(ctx)

		metricsSrv, err = httpserver.New(cfg.Metrics.Address, setupRouter(collector, cfg.Strategy.Type))
		if err != nil {
			log.Error("Failed to create metrics server", slog.Any("err", err))
			os.Exit(1)
		}
		go func() {
			if err := metricsSrv.Start(); err != nil {
				log.Error("Metrics server stopped", slog.Any("err", err))
			}
		}()
	}

	eng, err := engine.New(engCfg, backendPool, log, collector)
	if err != nil {
		log.Error("Failed to create proxy engine", slog.Any("err", err))
		os.Exit(1)
	}

	engErrCh := make(chan error, 1)
	go func() {
		engErrCh <- eng.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		<-engErrCh
	case err := <-engErrCh:
		if err != nil {
			log.Error("Proxy engine stopped", slog.Any("err", err))
			os.Exit(1)
		}
	}

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(context.Background()); err != nil {
			log.Error("Error during metrics shutdown", slog.Any("err", err))
		}
	}
}

func initializeBackends(cfg *config.Config, log *slog.Logger) ([]*backend.Backend, error) {
	var backends []*backend.Backend

	for i, bc := range cfg.Backends {
		b, err := backend.New(bc.Host, bc.Port, i)
		if err != nil {
			log.Error("Failed to resolve backend",
				slog.String("host", bc.Host),
				slog.Int("port", bc.Port),
				slog.String("error", err.Error()))
			continue
		}
		backends = append(backends, b)
	}

	if len(backends) == 0 {
		return nil, os.ErrInvalid
	}

	return backends, nil
}

func createStrategy(logger *slog.Logger, strategyType string) strategy.Strategy {
	switch strategyType {
	case "round-robin":
		return strategy.NewRoundRobinStrategy()
	case "random":
		return strategy.NewRandomStrategy()
	default:
		logger.Warn("Unkown strategy, defaulting to round-robin", slog.String("requested", strategyType))
		return strategy.NewRoundRobinStrategy()
	}
}

func engineConfig(cfg *config.Config) (engine.Config, error) {
	idle, err := time.ParseDuration(cfg.Proxy.IdleTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	request, err := time.ParseDuration(cfg.Proxy.RequestTimeout)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		ListenAddr:     cfg.Server.Address,
		Backlog:        cfg.Proxy.Backlog,
		ReadChunkBytes: cfg.Proxy.ReadChunkBytes,
		MaxHeaderBytes: cfg.Proxy.MaxHeaderBytes,
		HighWaterBytes: cfg.Proxy.HighWaterBytes,
		LowWaterBytes:  cfg.Proxy.LowWaterBytes,
		MaxConnections: cfg.Proxy.MaxConnections,
		IdleTimeout:    idle,
		RequestTimeout: request,
	}, nil
}
