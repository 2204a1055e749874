// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command kelpie runs the Telegram chat bridge: the update loop, the
// metrics server, and the nightly transcript indexer.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kelpie-labs/kelpie/pkg/config"
	"github.com/kelpie-labs/kelpie/pkg/logging"
	"github.com/kelpie-labs/kelpie/services/backend"
	"github.com/kelpie-labs/kelpie/services/bot"
	"github.com/kelpie-labs/kelpie/services/memory"
	"github.com/kelpie-labs/kelpie/services/observability"
	"github.com/kelpie-labs/kelpie/services/store"
	"github.com/kelpie-labs/kelpie/services/summary"
	"github.com/kelpie-labs/kelpie/services/translator"
	"github.com/kelpie-labs/kelpie/services/tts"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "kelpie",
		Short:        "Telegram bridge to conversational AI backends",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default config/config.yaml)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := logging.LevelInfo
	if cfg.Debug >= 2 {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.LogDir,
		Service: "kelpie",
	})
	defer logger.Close()
	log := logger.Slog()

	st, err := store.Open(store.DefaultConfig(cfg.Database.Path))
	if err != nil {
		return err
	}
	defer st.Close()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	adapter, err := backend.NewAdapter(ctx, cfg, st, st, log)
	if err != nil {
		return err
	}
	defer adapter.Close()

	deps := bot.Deps{
		Engine:  adapter,
		Storage: st,
		Metrics: metrics,
		Logger:  log,
	}
	if cfg.Bot.Voice {
		deps.Speech = tts.NewClient("", "")
	}

	// The summarizer, translator and embedder always ride on the
	// official API credentials, independent of the chat backend.
	if cfg.API.Official.APIKey != "" {
		summarizer, err := summary.New(&cfg.API.Official, log)
		if err != nil {
			return err
		}
		deps.Summarizer = summarizer

		trans, err := translator.New(&cfg.API.Official)
		if err != nil {
			return err
		}
		deps.Translator = trans
	}

	b, err := bot.New(cfg, deps)
	if err != nil {
		return err
	}

	var indexer *memory.Indexer
	if cfg.Database.WeaviateURL != "" {
		indexer, err = memory.NewIndexer(ctx, cfg.Database.WeaviateURL, &cfg.API.Official, st, metrics, log)
		if err != nil {
			return err
		}
	} else {
		log.Info("weaviate url not set, running without the vector index")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.Run(ctx)
	})

	if cfg.Server.Addr != "" {
		srv := observability.NewServer(cfg.Server.Addr, registry)
		g.Go(func() error {
			log.Info("metrics server listening", "addr", cfg.Server.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if indexer != nil {
		scheduler := cron.New()
		if _, err := scheduler.AddFunc(memory.Schedule, func() {
			runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if err := indexer.RunDaily(runCtx); err != nil {
				log.Error("daily indexing run failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule daily indexing: %w", err)
		}
		scheduler.Start()
		g.Go(func() error {
			<-ctx.Done()
			<-scheduler.Stop().Done()
			return nil
		})
	}

	log.Info("kelpie started", "backend", adapter.Variant(), "bot", b.Username())
	return g.Wait()
}
