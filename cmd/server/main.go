package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/core"
	"github.com/tokengate/tokengate/internal/httpapi"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "tokengate").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	cfgPath := env("TOKENGATE_CONFIG", "config.json")
	mgr, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfgPath).Msg("failed to load configuration")
	}

	serverCfg := mgr.Server()
	if level, err := zerolog.ParseLevel(serverCfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if serverCfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx := context.Background()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cc, err := core.Build(ctx, mgr, core.WithRegisterer(registry))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build core context")
	}
	defer func() {
		if err := cc.Close(); err != nil {
			log.Error().Err(err).Msg("core shutdown error")
		}
	}()

	srv := &httpapi.Server{
		Core:     cc,
		Realm:    serverCfg.Realm,
		Gatherer: registry,
	}
	if rl := serverCfg.RateLimit; rl != nil {
		srv.RateLimit = &httpapi.RateLimitConfig{
			WindowSeconds: rl.WindowSeconds,
			MaxRequests:   rl.MaxRequests,
			Burst:         rl.Burst,
		}
	}

	httpServer := &http.Server{
		Addr:         serverCfg.Addr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", serverCfg.Addr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
