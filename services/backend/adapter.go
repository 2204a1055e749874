// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kelpie-labs/kelpie/pkg/config"
	"github.com/kelpie-labs/kelpie/services/store"
)

// CursorStore is the slice of the store the adapter needs for
// conversation cursors.
type CursorStore interface {
	GetContext(chatID int64) (*store.ConversationContext, error)
	UpdateContext(chatID int64, ctx *store.ConversationContext) error
	ClearContext(chatID int64) error
}

// Adapter owns the active backend variant and the cursor lifecycle.
//
// Send resolves which variant handles a turn exactly once, at entry; a
// /mode switch mid-turn never reroutes an in-flight request. For the
// search assistant the adapter also enforces the per-chat turn budget
// and the fail-forward policy: any send failure clears the chat's
// cursor and evicts its session so the next turn starts clean.
type Adapter struct {
	mu        sync.Mutex
	cfg       *config.Config
	cursors   CursorStore
	turns     TurnStore
	client    Client
	variant   string
	bingTurns map[int64]int
	log       *slog.Logger
}

// NewAdapter builds the variant named by api.type and wires it up.
func NewAdapter(ctx context.Context, cfg *config.Config, cursors CursorStore, turns TurnStore, log *slog.Logger) (*Adapter, error) {
	a := &Adapter{
		cfg:       cfg,
		cursors:   cursors,
		turns:     turns,
		bingTurns: make(map[int64]int),
		log:       log,
	}
	if err := a.Switch(ctx, cfg.API.Type); err != nil {
		return nil, err
	}
	return a, nil
}

// Switch replaces the active variant. In-flight turns keep the client
// they captured at entry.
func (a *Adapter) Switch(ctx context.Context, variant string) error {
	client, err := a.build(ctx, variant)
	if err != nil {
		return err
	}

	a.mu.Lock()
	old := a.client
	a.client = client
	a.variant = variant
	a.mu.Unlock()

	if closer, ok := old.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.log.Warn("closing previous backend", "error", err)
		}
	}
	a.log.Info("backend variant active", "variant", variant)
	return nil
}

func (a *Adapter) build(ctx context.Context, variant string) (Client, error) {
	switch variant {
	case config.BackendOfficial:
		return NewOfficialClient(&a.cfg.API.Official, a.cfg.Proxy, a.turns)
	case config.BackendUnofficial:
		return NewUnofficialClient(&a.cfg.API.Unofficial, a.cfg.Proxy)
	case config.BackendBrowser:
		client, err := NewBrowserClient(&a.cfg.API.Browser)
		if err != nil {
			return nil, err
		}
		if err := client.Init(ctx); err != nil {
			return nil, err
		}
		return client, nil
	case config.BackendBing:
		return NewBingClient(&a.cfg.API.Bing, a.cfg.Proxy, a.turns)
	default:
		return nil, fmt.Errorf("unknown backend variant %q", variant)
	}
}

// Variant reports the active variant name.
func (a *Adapter) Variant() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.variant
}

// Send runs one conversation turn for a chat.
//
// The cursor is loaded first; a store failure aborts the turn rather
// than silently starting a fresh conversation. On success the cursor
// is overwritten with the variant's continuation fields.
func (a *Adapter) Send(ctx context.Context, chatID int64, text string, onProgress Progress) (*Response, error) {
	a.mu.Lock()
	client := a.client
	variant := a.variant
	a.mu.Unlock()

	conv, err := a.cursors.GetContext(chatID)
	if errors.Is(err, store.ErrNotFound) {
		conv = nil
	} else if err != nil {
		return nil, fmt.Errorf("load cursor for chat %d: %w", chatID, err)
	}

	if variant == config.BackendBing && conv != nil {
		if max := a.cfg.API.Bing.MaxTurnsPerSession; max > 0 && a.turnCount(chatID) >= max {
			a.log.Info("session turn budget reached, recreating", "chat_id", chatID)
			if err := a.evict(chatID); err != nil {
				return nil, err
			}
			conv = nil
		}
	}

	resp, err := client.SendMessage(ctx, text, conv, onProgress)
	if err != nil {
		if variant == config.BackendBing {
			// Fail forward: continuation tokens are assumed poisoned
			// after any failure, so the next turn starts clean.
			if evictErr := a.evict(chatID); evictErr != nil {
				a.log.Error("evicting session after failure", "chat_id", chatID, "error", evictErr)
			}
		}
		return nil, err
	}

	cursor := CursorFrom(variant, resp)
	if err := a.cursors.UpdateContext(chatID, cursor); err != nil {
		return nil, fmt.Errorf("persist cursor for chat %d: %w", chatID, err)
	}
	if variant == config.BackendBing {
		a.bumpTurnCount(chatID)
	}
	return resp, nil
}

// CursorFrom maps a variant's response fields onto the cursor.
//
// The official and unofficial variants report the assistant turn id in
// ID; the browser and search-assistant variants report MessageID. The
// search assistant additionally carries its session credentials.
func CursorFrom(variant string, resp *Response) *store.ConversationContext {
	switch variant {
	case config.BackendBrowser:
		return &store.ConversationContext{
			ConversationID:  resp.ConversationID,
			ParentMessageID: resp.MessageID,
		}
	case config.BackendBing:
		return &store.ConversationContext{
			ConversationID:          resp.ConversationID,
			ParentMessageID:         resp.MessageID,
			JailbreakConversationID: resp.JailbreakConversationID,
			ConversationSignature:   resp.ConversationSignature,
			ClientID:                resp.ClientID,
			InvocationID:            resp.InvocationID,
		}
	default:
		return &store.ConversationContext{
			ConversationID:  resp.ConversationID,
			ParentMessageID: resp.ID,
		}
	}
}

// Reset clears the chat's cursor and any variant-side thread state.
func (a *Adapter) Reset(ctx context.Context, chatID int64) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	if err := a.evict(chatID); err != nil {
		return err
	}
	return client.ResetThread(ctx)
}

// RefreshSession re-establishes the active variant's session.
func (a *Adapter) RefreshSession(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	return client.RefreshSession(ctx)
}

// evict drops the cursor and the per-chat session bookkeeping.
func (a *Adapter) evict(chatID int64) error {
	a.mu.Lock()
	delete(a.bingTurns, chatID)
	a.mu.Unlock()
	if err := a.cursors.ClearContext(chatID); err != nil {
		return fmt.Errorf("clear cursor for chat %d: %w", chatID, err)
	}
	return nil
}

func (a *Adapter) turnCount(chatID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bingTurns[chatID]
}

func (a *Adapter) bumpTurnCount(chatID int64) {
	a.mu.Lock()
	a.bingTurns[chatID]++
	a.mu.Unlock()
}

// Close releases variant resources (the browser, when active).
func (a *Adapter) Close() error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if closer, ok := client.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
