// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package memory indexes daily chat transcripts into the vector store
// so past conversations stay searchable.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	lcweaviate "github.com/tmc/langchaingo/vectorstores/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/kelpie-labs/kelpie/pkg/config"
	"github.com/kelpie-labs/kelpie/services/observability"
)

// Schedule is when the nightly indexing run fires, local time.
const Schedule = "52 23 * * *"

// TranscriptSource is the slice of the store the indexer reads.
type TranscriptSource interface {
	Groups() ([]int64, error)
	SerializeRecords(chatID int64, start, end time.Time) (string, error)
}

// Indexer embeds each registered group's daily transcript and stores
// the vectors under the ChatSummary class.
type Indexer struct {
	store   lcweaviate.Store
	source  TranscriptSource
	metrics *observability.Metrics
	log     *slog.Logger
}

// NewIndexer connects to Weaviate, ensures the schema, and builds the
// embedding pipeline on the official API credentials.
func NewIndexer(ctx context.Context, weaviateURL string, official *config.OfficialConfig, source TranscriptSource, metrics *observability.Metrics, log *slog.Logger) (*Indexer, error) {
	parsed, err := url.Parse(weaviateURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("memory: invalid weaviate url %q", weaviateURL)
	}
	scheme := parsed.Scheme
	if scheme == "" {
		scheme = "http"
	}

	client, err := weaviate.NewClient(weaviate.Config{Scheme: scheme, Host: parsed.Host})
	if err != nil {
		return nil, fmt.Errorf("memory: weaviate client: %w", err)
	}
	if err := EnsureSchema(ctx, client); err != nil {
		return nil, err
	}

	llmOpts := []lcopenai.Option{lcopenai.WithToken(official.APIKey)}
	if official.BaseURL != "" {
		llmOpts = append(llmOpts, lcopenai.WithBaseURL(official.BaseURL))
	}
	llm, err := lcopenai.New(llmOpts...)
	if err != nil {
		return nil, fmt.Errorf("memory: init embedder llm: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("memory: init embedder: %w", err)
	}

	store, err := lcweaviate.New(
		lcweaviate.WithScheme(scheme),
		lcweaviate.WithHost(parsed.Host),
		lcweaviate.WithEmbedder(embedder),
		lcweaviate.WithIndexName(ClassName),
		lcweaviate.WithTextKey("text"),
	)
	if err != nil {
		return nil, fmt.Errorf("memory: vector store: %w", err)
	}

	log.Info("vector index ready", "class", ClassName, "host", parsed.Host)
	return &Indexer{store: store, source: source, metrics: metrics, log: log}, nil
}

// Add embeds one transcript for a chat.
func (ix *Indexer) Add(ctx context.Context, chatID int64, day time.Time, text string) error {
	_, err := ix.store.AddDocuments(ctx, []schema.Document{{
		PageContent: text,
		Metadata: map[string]any{
			"source": strconv.FormatInt(chatID, 10),
			"day":    day.Format("2006-01-02"),
		},
	}})
	if err != nil {
		return fmt.Errorf("memory: index transcript for chat %d: %w", chatID, err)
	}
	return nil
}

// RunDaily indexes today's transcript for every registered group. One
// failing group is logged and skipped; the run continues.
func (ix *Indexer) RunDaily(ctx context.Context) error {
	now := time.Now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	end := start.Add(24 * time.Hour)

	groups, err := ix.source.Groups()
	if err != nil {
		ix.metrics.SummariesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("memory: list groups: %w", err)
	}

	indexed := 0
	for _, chatID := range groups {
		transcript, err := ix.source.SerializeRecords(chatID, start, end)
		if err != nil {
			ix.log.Error("serializing group transcript failed", "chat_id", chatID, "error", err)
			continue
		}
		if transcript == "" {
			continue
		}
		if err := ix.Add(ctx, chatID, start, transcript); err != nil {
			ix.log.Error("indexing group transcript failed", "chat_id", chatID, "error", err)
			continue
		}
		indexed++
	}

	ix.metrics.SummariesTotal.WithLabelValues("ok").Inc()
	ix.log.Info("daily indexing finished", "groups", len(groups), "indexed", indexed)
	return nil
}
