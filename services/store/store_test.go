// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestContextRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetContext(1)
	assert.ErrorIs(t, err, ErrNotFound)

	want := &ConversationContext{
		ConversationID:          "c1",
		ParentMessageID:         "m1",
		JailbreakConversationID: "jb1",
		ConversationSignature:   "sig",
		ClientID:                "client",
		InvocationID:            "2",
	}
	require.NoError(t, s.UpdateContext(1, want))

	got, err := s.GetContext(1)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Overwrite is atomic per key: the new cursor fully replaces the old.
	require.NoError(t, s.UpdateContext(1, &ConversationContext{ConversationID: "c2"}))
	got, err = s.GetContext(1)
	require.NoError(t, err)
	assert.Equal(t, "c2", got.ConversationID)
	assert.Empty(t, got.ParentMessageID)
}

func TestClearContextIdempotent(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpdateContext(7, &ConversationContext{ConversationID: "c"}))
	require.NoError(t, s.ClearContext(7))

	_, err := s.GetContext(7)
	assert.ErrorIs(t, err, ErrNotFound)

	// Second reset on an absent cursor succeeds with the same end state.
	require.NoError(t, s.ClearContext(7))
	_, err = s.GetContext(7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordsBetween(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)

	for i, text := range []string{"one", "two", "three"} {
		require.NoError(t, s.AddRecord(&ChatRecord{
			ChatID:    5,
			SenderID:  int64(i),
			Username:  "alice",
			MessageID: i + 1,
			Text:      text,
			Kind:      KindNormal,
			SentAt:    base.Add(time.Duration(i) * time.Hour),
		}))
	}
	// Another chat's records must not bleed in.
	require.NoError(t, s.AddRecord(&ChatRecord{
		ChatID: 6, MessageID: 9, Text: "other", Kind: KindNormal, SentAt: base,
	}))

	records, err := s.RecordsBetween(5, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "one", records[0].Text)
	assert.Equal(t, "two", records[1].Text)
}

func TestSerializeRecordsExcludesCommands(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)

	require.NoError(t, s.AddRecord(&ChatRecord{
		ChatID: 5, Username: "alice", MessageID: 1, Text: "hello", Kind: KindNormal, SentAt: base,
	}))
	require.NoError(t, s.AddRecord(&ChatRecord{
		ChatID: 5, Username: "bob", MessageID: 2, Text: "/reset", Kind: KindCommand, SentAt: base.Add(time.Minute),
	}))
	require.NoError(t, s.AddRecord(&ChatRecord{
		ChatID: 5, FirstName: "Carol", LastName: "Klein", MessageID: 3, Text: "hi", Kind: KindReply, SentAt: base.Add(2 * time.Minute),
	}))

	out, err := s.SerializeRecords(5, base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "alice: hello\nCarol Klein: hi\n", out)
}

func TestSerializeRecordsEmpty(t *testing.T) {
	s := openTestStore(t)
	out, err := s.SerializeRecords(99, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestGroupRegistry(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.AddGroup(-100))
	require.NoError(t, s.AddGroup(-200))

	groups, err := s.Groups()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{-100, -200}, groups)

	require.NoError(t, s.RemoveGroup(-100))
	require.NoError(t, s.RemoveGroup(-100)) // unknown group is fine

	groups, err = s.Groups()
	require.NoError(t, err)
	assert.Equal(t, []int64{-200}, groups)
}

func TestTurnChain(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutTurn(&Turn{ID: "a", Role: "user", Text: "hi"}))
	require.NoError(t, s.PutTurn(&Turn{ID: "b", ParentID: "a", Role: "assistant", Text: "hello"}))

	turn, err := s.GetTurn("b")
	require.NoError(t, err)
	assert.Equal(t, "a", turn.ParentID)

	_, err = s.GetTurn("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.PutTurn(&Turn{Role: "user"}))
}
