package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/seanblong/docsearch/internal/ai"
	"github.com/seanblong/docsearch/internal/config"
	"github.com/seanblong/docsearch/internal/indexer"
	"github.com/seanblong/docsearch/internal/pipeline"
	"github.com/seanblong/docsearch/internal/store"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("docsearch-indexer", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	zlog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	zlog.Info().Str("provider", cfg.Provider).Str("root", cfg.Indexer.DocsRoot).Msg("starting docsearch indexer")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	c, err := ai.NewClient(ctx, cfg.Client())
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to create AI client")
	}
	client := ai.Guard(c, cfg.Guard())

	if client.Dim() == 0 {
		zlog.Fatal().Msg("embedding dimension must be set")
	}
	if pg, ok := st.(*store.Postgres); ok {
		if err := pg.Migrate(ctx, client.Dim()); err != nil {
			zlog.Fatal().Err(err).Msg("failed to migrate database")
		}
	}

	p, err := pipeline.New(cfg.Pipeline(), pipeline.Deps{Embedder: client, Completer: client, Store: st})
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to build pipeline")
	}
	defer p.Close()

	ix := indexer.New(p, cfg.Indexer.DocsRoot, cfg.Indexer.ProjectID)
	ix.Transcripts = cfg.Indexer.Transcripts
	if cfg.Indexer.Workers > 0 {
		ix.Workers = cfg.Indexer.Workers
	}

	stats, err := ix.Run(ctx)
	if err != nil {
		zlog.Fatal().Err(err).Msg("indexing aborted")
	}
	if stats.Failed > 0 {
		zlog.Warn().Int64("failed", stats.Failed).Int64("processed", stats.Processed).Msg("some documents failed")
	}
}
