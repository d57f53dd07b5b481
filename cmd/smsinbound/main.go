// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/smsinbound/broadcast"
	"github.com/absmach/smsinbound/config"
	"github.com/absmach/smsinbound/consumer/mqtt"
	"github.com/absmach/smsinbound/consumer/webhook"
	"github.com/absmach/smsinbound/filter"
	"github.com/absmach/smsinbound/guard"
	"github.com/absmach/smsinbound/inbound"
	"github.com/absmach/smsinbound/ratelimit"
	"github.com/absmach/smsinbound/server/health"
	"github.com/absmach/smsinbound/server/http"
	"github.com/absmach/smsinbound/server/otel"
	"github.com/absmach/smsinbound/sms"
	"github.com/absmach/smsinbound/storage"
	"github.com/absmach/smsinbound/storage/badger"
	"github.com/absmach/smsinbound/storage/memory"
	"github.com/absmach/smsinbound/transport/smpp"
	"github.com/google/uuid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting inbound SMS service", "version", cfg.Server.OtelServiceVersion)
	slog.Info("Configuration loaded",
		"http_addr", cfg.Server.HTTPAddr,
		"health_enabled", cfg.Server.HealthEnabled,
		"storage", cfg.Storage.Type,
		"grace_delay", cfg.Inbound.GraceDelay,
		"broadcast_timeout", cfg.Broadcast.Timeout,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var otelShutdown otel.ShutdownFunc
	var metrics *otel.Metrics
	if cfg.Server.MetricsEnabled {
		otelShutdown, err = otel.InitProvider(ctx, cfg.Server, instanceID())
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		metrics, err = otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Server.MetricsAddr,
			"traces", cfg.Server.OtelTracesEnabled,
			"metrics", cfg.Server.OtelMetricsEnabled)
	}

	var store storage.RowStore
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New()
		slog.Warn("Using in-memory storage, pending segments are lost on restart")
	case "badger":
		badgerStore, err := badger.New(badger.Config{Dir: cfg.Storage.BadgerDir})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer store.Close()

	consumers, closers := buildConsumers(cfg, logger)
	defer func() {
		for _, c := range closers {
			c()
		}
	}()
	if len(consumers) == 0 {
		slog.Warn("No consumers configured, messages are acknowledged and discarded")
	}

	gateway := filter.NewChain(
		buildStage("carrier", cfg.Filter.Carrier, logger),
		buildStage("system", cfg.Filter.System, logger),
	)

	bc := broadcast.New(broadcast.Config{
		Timeout:        cfg.Broadcast.Timeout,
		SlowThreshold:  cfg.Broadcast.SlowThreshold,
		DefaultHandler: cfg.Broadcast.DefaultHandler,
	}, gateway, consumers, logger, metrics)

	coord := inbound.New(inbound.Config{
		GraceDelay:     cfg.Inbound.GraceDelay,
		MaxPayloadSize: cfg.Inbound.MaxPayloadSize,
		Strict:         cfg.Inbound.Strict,
		HistorySize:    cfg.Inbound.HistorySize,
	}, store, bc, guard.New(nil, logger), map[sms.Format]sms.Decoder{
		sms.FormatPrimary: smpp.NewDecoder(smpp.WithTimestampTag(cfg.Inbound.SMPPTimestampTag)),
	}, logger, metrics)
	coord.Start(ctx)
	defer coord.Stop()

	serverErr := make(chan error, 3)
	var wg sync.WaitGroup

	// Health comes up first so orchestrators can watch recovery.
	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, coord, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Server.HealthAddr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if err := coord.Recover(ctx); err != nil {
		slog.Error("Recovery failed", "error", err)
		os.Exit(1)
	}

	var limiter *ratelimit.HostRateLimiter
	if rl := cfg.Server.IngressRateLimit; rl.Rate > 0 {
		limiter = ratelimit.NewHostRateLimiter(rl.Rate, rl.Burst, 5*time.Minute)
		defer limiter.Stop()
	}

	ingress := http.New(http.Config{
		Address:         cfg.Server.HTTPAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, coord, limiter, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ingress.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	slog.Info("Inbound SMS service started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	// Stop ingress before the coordinator so no acknowledged segment is
	// queued behind a stopped actor.
	cancel()
	wg.Wait()
	coord.Stop()

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Inbound SMS service stopped")
}

func buildConsumers(cfg *config.Config, logger *slog.Logger) ([]broadcast.Consumer, []func()) {
	var consumers []broadcast.Consumer
	var closers []func()

	if cfg.Consumers.Webhook.Enabled {
		hooks, err := webhook.NewConsumers(cfg.Consumers.Webhook, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to create webhook consumers", "error", err)
			os.Exit(1)
		}
		consumers = append(consumers, hooks...)
		slog.Info("Webhook consumers enabled", "endpoints", len(hooks))
	}

	if cfg.Consumers.MQTT.Enabled {
		bridge, err := mqtt.Connect(cfg.Consumers.MQTT, logger)
		if err != nil {
			slog.Error("Failed to connect MQTT bridge", "broker", cfg.Consumers.MQTT.Broker, "error", err)
			os.Exit(1)
		}
		consumers = append(consumers, bridge)
		closers = append(closers, func() { bridge.Close() })
		slog.Info("MQTT bridge enabled", "broker", cfg.Consumers.MQTT.Broker, "prefix", cfg.Consumers.MQTT.TopicPrefix)
	}

	return consumers, closers
}

func buildStage(name string, fcs []config.FilterCandidate, logger *slog.Logger) *filter.Stage {
	candidates := make([]filter.Candidate, 0, len(fcs))
	for _, fc := range fcs {
		candidates = append(candidates, filter.Candidate{
			Name:    fc.Name,
			Enabled: fc.Enabled,
			Gateway: filter.NewBlocklist(fc.Addresses, fc.Ports),
		})
	}
	return filter.NewStage(name, candidates, logger)
}

func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}
