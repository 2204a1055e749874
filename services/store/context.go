// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ConversationContext is the continuation cursor for one chat: the
// minimal state a backend needs to resume a multi-turn conversation.
//
// An absent cursor means "start a fresh conversation". The cursor is
// created on the first successful response, overwritten after every
// successful response, and deleted on /reset or when the search
// assistant invalidates its continuation tokens.
type ConversationContext struct {
	ConversationID  string `json:"conversation_id,omitempty"`
	ParentMessageID string `json:"parent_message_id,omitempty"`

	// Search-assistant continuation fields. JailbreakConversationID
	// keys the replayed turn chain and outlives session recreation.
	JailbreakConversationID string `json:"jailbreak_conversation_id,omitempty"`
	ConversationSignature   string `json:"conversation_signature,omitempty"`
	ClientID                string `json:"client_id,omitempty"`
	InvocationID            string `json:"invocation_id,omitempty"`
}

func contextKey(chatID int64) []byte {
	return []byte("ctx/" + strconv.FormatInt(chatID, 10))
}

// GetContext loads the cursor for a chat.
//
// Returns ErrNotFound when no cursor exists. Any other error means the
// store itself failed and must be propagated, never treated as absence.
func (s *Store) GetContext(chatID int64) (*ConversationContext, error) {
	data, err := s.get(contextKey(chatID))
	if err != nil {
		return nil, err
	}
	var ctx ConversationContext
	if err := json.Unmarshal(data, &ctx); err != nil {
		return nil, fmt.Errorf("decode context for chat %d: %w", chatID, err)
	}
	return &ctx, nil
}

// UpdateContext atomically overwrites the cursor for a chat.
func (s *Store) UpdateContext(chatID int64, ctx *ConversationContext) error {
	data, err := json.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("encode context for chat %d: %w", chatID, err)
	}
	return s.set(contextKey(chatID), data)
}

// ClearContext removes the cursor for a chat. Clearing an already
// absent cursor is not an error.
func (s *Store) ClearContext(chatID int64) error {
	return s.delete(contextKey(chatID))
}
