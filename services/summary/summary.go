// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package summary condenses chat transcripts with a map-reduce
// summarization chain.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/kelpie-labs/kelpie/pkg/config"
)

const chunkSize = 1000

// Summarizer condenses long transcripts. Transcripts are split into
// chunks, each chunk is summarized, and the partial summaries are
// reduced into one.
type Summarizer struct {
	llm *openai.LLM
	log *slog.Logger
}

// New builds the summarizer on the official API credentials; the
// summarizer always uses them regardless of the active chat backend.
func New(cfg *config.OfficialConfig, log *slog.Logger) (*Summarizer, error) {
	opts := []openai.Option{openai.WithToken(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("summary: init llm: %w", err)
	}
	return &Summarizer{llm: llm, log: log}, nil
}

// Summarize reduces a transcript to a short summary.
func (s *Summarizer) Summarize(ctx context.Context, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", nil
	}

	splitter := textsplitter.NewRecursiveCharacter(textsplitter.WithChunkSize(chunkSize))
	docs, err := textsplitter.CreateDocuments(splitter, []string{content}, nil)
	if err != nil {
		return "", fmt.Errorf("summary: split transcript: %w", err)
	}

	chain := chains.LoadMapReduceSummarization(s.llm)
	out, err := chains.Call(ctx, chain, map[string]any{"input_documents": docs})
	if err != nil {
		return "", fmt.Errorf("summary: run chain: %w", err)
	}

	text, ok := out["text"].(string)
	if !ok {
		return "", fmt.Errorf("summary: unexpected chain output %T", out["text"])
	}
	s.log.Debug("transcript summarized", "chunks", len(docs), "summary_len", len(text))
	return strings.TrimSpace(text), nil
}
