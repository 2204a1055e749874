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
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpie-labs/kelpie/pkg/config"
	"github.com/kelpie-labs/kelpie/services/store"
)

type fakeClient struct {
	resp     *Response
	err      error
	calls    int
	lastConv *store.ConversationContext
}

func (f *fakeClient) SendMessage(ctx context.Context, text string, conv *store.ConversationContext, onProgress Progress) (*Response, error) {
	f.calls++
	f.lastConv = conv
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeClient) ResetThread(ctx context.Context) error    { return nil }
func (f *fakeClient) RefreshSession(ctx context.Context) error { return nil }

func newTestAdapter(t *testing.T, variant string, client Client, cfg *config.Config) (*Adapter, *store.Store) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Adapter{
		cfg:       cfg,
		cursors:   st,
		turns:     st,
		client:    client,
		variant:   variant,
		bingTurns: make(map[int64]int),
		log:       slog.Default(),
	}, st
}

func TestCursorFromOfficial(t *testing.T) {
	cursor := CursorFrom(config.BackendOfficial, &Response{
		ConversationID: "c1",
		ID:             "m1",
		MessageID:      "ignored",
	})
	assert.Equal(t, "c1", cursor.ConversationID)
	assert.Equal(t, "m1", cursor.ParentMessageID)
	assert.Empty(t, cursor.ConversationSignature)
}

func TestCursorFromBrowser(t *testing.T) {
	cursor := CursorFrom(config.BackendBrowser, &Response{
		ConversationID: "c1",
		MessageID:      "m1",
		ID:             "ignored",
	})
	assert.Equal(t, "c1", cursor.ConversationID)
	assert.Equal(t, "m1", cursor.ParentMessageID)
}

func TestCursorFromBing(t *testing.T) {
	cursor := CursorFrom(config.BackendBing, &Response{
		ConversationID:          "c1",
		MessageID:               "m1",
		JailbreakConversationID: "jb",
		ConversationSignature:   "sig",
		ClientID:                "cl",
		InvocationID:            "2",
	})
	assert.Equal(t, "c1", cursor.ConversationID)
	assert.Equal(t, "m1", cursor.ParentMessageID)
	assert.Equal(t, "jb", cursor.JailbreakConversationID)
	assert.Equal(t, "sig", cursor.ConversationSignature)
	assert.Equal(t, "cl", cursor.ClientID)
	assert.Equal(t, "2", cursor.InvocationID)
}

func TestSendPersistsCursor(t *testing.T) {
	client := &fakeClient{resp: &Response{Text: "hi", ConversationID: "c1", ID: "m1"}}
	a, st := newTestAdapter(t, config.BackendOfficial, client, nil)

	resp, err := a.Send(context.Background(), 42, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text)

	cursor, err := st.GetContext(42)
	require.NoError(t, err)
	assert.Equal(t, "c1", cursor.ConversationID)
	assert.Equal(t, "m1", cursor.ParentMessageID)
}

func TestSendPassesCursorToClient(t *testing.T) {
	client := &fakeClient{resp: &Response{ConversationID: "c1", ID: "m2"}}
	a, st := newTestAdapter(t, config.BackendOfficial, client, nil)

	require.NoError(t, st.UpdateContext(42, &store.ConversationContext{
		ConversationID:  "c1",
		ParentMessageID: "m1",
	}))

	_, err := a.Send(context.Background(), 42, "again", nil)
	require.NoError(t, err)
	require.NotNil(t, client.lastConv)
	assert.Equal(t, "m1", client.lastConv.ParentMessageID)
}

func TestSendFreshChatGetsNilCursor(t *testing.T) {
	client := &fakeClient{resp: &Response{ConversationID: "c1", ID: "m1"}}
	a, _ := newTestAdapter(t, config.BackendOfficial, client, nil)

	_, err := a.Send(context.Background(), 7, "first", nil)
	require.NoError(t, err)
	assert.Nil(t, client.lastConv)
}

func TestBingFailureClearsCursor(t *testing.T) {
	client := &fakeClient{err: errors.New("chathub closed")}
	a, st := newTestAdapter(t, config.BackendBing, client, nil)

	require.NoError(t, st.UpdateContext(42, &store.ConversationContext{
		ConversationID:        "c1",
		ConversationSignature: "sig",
	}))

	_, err := a.Send(context.Background(), 42, "hello", nil)
	require.Error(t, err)

	_, err = st.GetContext(42)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOfficialFailureKeepsCursor(t *testing.T) {
	client := &fakeClient{err: errors.New("rate limited")}
	a, st := newTestAdapter(t, config.BackendOfficial, client, nil)

	require.NoError(t, st.UpdateContext(42, &store.ConversationContext{
		ConversationID:  "c1",
		ParentMessageID: "m1",
	}))

	_, err := a.Send(context.Background(), 42, "hello", nil)
	require.Error(t, err)

	cursor, err := st.GetContext(42)
	require.NoError(t, err)
	assert.Equal(t, "c1", cursor.ConversationID)
}

func TestBingTurnBudgetRecreatesSession(t *testing.T) {
	client := &fakeClient{resp: &Response{
		ConversationID:        "c1",
		MessageID:             "m1",
		ConversationSignature: "sig",
	}}
	cfg := &config.Config{}
	cfg.API.Bing.MaxTurnsPerSession = 2
	a, st := newTestAdapter(t, config.BackendBing, client, cfg)

	for i := 0; i < 2; i++ {
		_, err := a.Send(context.Background(), 42, "turn", nil)
		require.NoError(t, err)
	}
	require.NotNil(t, client.lastConv)

	// Third turn crosses the budget: cursor is evicted first, so the
	// client sees a fresh conversation.
	_, err := a.Send(context.Background(), 42, "turn", nil)
	require.NoError(t, err)
	assert.Nil(t, client.lastConv)

	cursor, err := st.GetContext(42)
	require.NoError(t, err)
	assert.Equal(t, "c1", cursor.ConversationID)
}

func TestResetClearsCursor(t *testing.T) {
	client := &fakeClient{resp: &Response{ConversationID: "c1", ID: "m1"}}
	a, st := newTestAdapter(t, config.BackendOfficial, client, nil)

	_, err := a.Send(context.Background(), 42, "hello", nil)
	require.NoError(t, err)

	require.NoError(t, a.Reset(context.Background(), 42))
	_, err = st.GetContext(42)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
