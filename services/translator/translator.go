// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package translator serves /trans: stateless single-shot translation.
package translator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/kelpie-labs/kelpie/pkg/config"
)

// systemPrompt fixes the translation direction: Chinese input becomes
// English, anything else becomes Chinese.
const systemPrompt = "You are a seasoned translator fluent in many languages. " +
	"Translate every message I send you. Keep the result natural, fluent " +
	"and idiomatic rather than literal; colloquialisms are fine. If my " +
	"message is in Chinese, translate it to English. If it is in any " +
	"other language, translate it to Chinese."

// Translator wraps a chat-completion call per request. No conversation
// state is kept and the cursor is never touched.
type Translator struct {
	client *openai.Client
	model  string
}

// New builds the translator on the official API credentials.
func New(cfg *config.OfficialConfig) (*Translator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("translator: api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Translator{client: openai.NewClientWithConfig(clientCfg), model: model}, nil
}

// Translate performs one translation.
func (t *Translator) Translate(ctx context.Context, text string) (string, error) {
	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("translator: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("translator: empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}
