// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package backend provides a uniform interface over the four
// conversational-AI backend variants: the official chat-completions
// API, an unofficial reverse proxy, a browser-automated web session,
// and a Bing-style search assistant.
//
// Every variant normalizes to "send text plus continuation cursor,
// stream partial output, return final text plus a new cursor". The
// Adapter owns variant selection, the per-chat search-assistant session
// registry, and the exact response-to-cursor field mapping.
package backend

import (
	"context"

	"github.com/kelpie-labs/kelpie/pkg/markdown"
	"github.com/kelpie-labs/kelpie/services/store"
)

// Progress receives the accumulated partial response text. Callers
// throttle on their side; clients invoke it as tokens arrive.
type Progress func(partialText string)

// Response is the normalized final answer from any backend variant.
//
// Variants populate different turn-id fields: the browser and search
// assistant variants report MessageID, the official and unofficial
// variants report ID. CursorFrom applies the mapping.
type Response struct {
	Text           string
	ConversationID string
	MessageID      string
	ID             string

	// Search-assistant continuation fields.
	JailbreakConversationID string
	ConversationSignature   string
	ClientID                string
	InvocationID            string

	// SourceAttributions carries the search assistant's citations.
	SourceAttributions []markdown.Attribution
}

// Client is one backend variant.
//
// SendMessage performs a single turn: it forwards text with the given
// continuation cursor (nil means fresh conversation), invokes
// onProgress as partial output arrives, and resolves to the final
// response. Implementations never retry.
type Client interface {
	SendMessage(ctx context.Context, text string, conv *store.ConversationContext, onProgress Progress) (*Response, error)

	// ResetThread discards any client-side thread state. Cursor
	// deletion is the caller's job; most variants have nothing to do.
	ResetThread(ctx context.Context) error

	// RefreshSession re-establishes the backend session (browser
	// login refresh). A no-op for stateless variants.
	RefreshSession(ctx context.Context) error
}

// TurnStore is the slice of the store the official variant needs to
// rebuild multi-turn context across restarts.
type TurnStore interface {
	PutTurn(t *store.Turn) error
	GetTurn(id string) (*store.Turn, error)
}
