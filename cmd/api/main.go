package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/seanblong/docsearch/internal/ai"
	"github.com/seanblong/docsearch/internal/api"
	"github.com/seanblong/docsearch/internal/cache"
	"github.com/seanblong/docsearch/internal/config"
	"github.com/seanblong/docsearch/internal/metrics"
	"github.com/seanblong/docsearch/internal/pipeline"
	"github.com/seanblong/docsearch/internal/store"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("docsearch-api", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	zlog.Logger = logger
	logger.Info().Str("provider", cfg.Provider).Str("log_level", cfg.LogLevel).Msg("starting docsearch api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	c, err := ai.NewClient(ctx, cfg.Client())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create AI client")
	}
	client := ai.Guard(c, cfg.Guard())

	dim := client.Dim()
	logger.Info().Int("embedding_dim", dim).Str("embed_model", cfg.EmbedModel).Msg("AI client initialized")

	if pg, ok := st.(*store.Postgres); ok {
		if err := pg.Migrate(ctx, dim); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate database")
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	deps := pipeline.Deps{Embedder: client, Completer: client, Store: st, Metrics: m}
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			// Searches still work without the cache.
			logger.Warn().Err(err).Msg("query cache unavailable")
		} else {
			defer func() { _ = rc.Close() }()
			deps.Cache = rc
		}
	}

	p, err := pipeline.New(cfg.Pipeline(), deps)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pipeline")
	}
	defer p.Close()
	p.SetLogger(logger)

	srv := api.New(p, st, reg, logger)
	s := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown failed")
		}
	}()

	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
}
