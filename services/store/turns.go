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
)

// Turn is one message in an official/unofficial backend conversation.
// Turns form a singly linked chain through ParentID; the adapter walks
// the chain backwards from the cursor's parent message id to rebuild
// multi-turn context after a restart.
type Turn struct {
	ID             string `json:"id"`
	ParentID       string `json:"parent_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Role           string `json:"role"`
	Text           string `json:"text"`
}

func turnKey(id string) []byte {
	return []byte("turn/" + id)
}

// PutTurn stores one turn.
func (s *Store) PutTurn(t *Turn) error {
	if t.ID == "" {
		return fmt.Errorf("turn id is required")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode turn %s: %w", t.ID, err)
	}
	return s.set(turnKey(t.ID), data)
}

// GetTurn loads one turn; ErrNotFound when the chain is broken.
func (s *Store) GetTurn(id string) (*Turn, error) {
	data, err := s.get(turnKey(id))
	if err != nil {
		return nil, err
	}
	var t Turn
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode turn %s: %w", id, err)
	}
	return &t, nil
}
