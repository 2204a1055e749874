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
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// RecordKind classifies a stored message.
type RecordKind string

const (
	KindCommand RecordKind = "command"
	KindReply   RecordKind = "reply"
	KindForward RecordKind = "forward"
	KindNormal  RecordKind = "normal"
)

// ChatRecord is one append-only history entry per incoming message,
// used by /summary and the nightly indexing task.
type ChatRecord struct {
	ChatID    int64      `json:"chat_id"`
	SenderID  int64      `json:"sender_id"`
	Username  string     `json:"username,omitempty"`
	FirstName string     `json:"first_name,omitempty"`
	LastName  string     `json:"last_name,omitempty"`
	MessageID int        `json:"message_id"`
	Text      string     `json:"text"`
	Kind      RecordKind `json:"kind"`
	IsGroup   bool       `json:"is_group"`
	SentAt    time.Time  `json:"sent_at"`
}

// DisplayName returns the best available name for transcripts:
// username, then first/last name, then the sender id.
func (r *ChatRecord) DisplayName() string {
	if r.Username != "" {
		return r.Username
	}
	name := strings.TrimSpace(r.FirstName + " " + r.LastName)
	if name != "" {
		return name
	}
	return fmt.Sprintf("user-%d", r.SenderID)
}

func recordPrefix(chatID int64) []byte {
	return []byte(fmt.Sprintf("rec/%d/", chatID))
}

// recordKey orders records by timestamp within a chat; the message id
// suffix keeps same-nanosecond keys unique.
func recordKey(r *ChatRecord) []byte {
	return []byte(fmt.Sprintf("rec/%d/%020d-%d", r.ChatID, r.SentAt.UnixNano(), r.MessageID))
}

// AddRecord appends one history entry.
func (s *Store) AddRecord(r *ChatRecord) error {
	if r.SentAt.IsZero() {
		r.SentAt = time.Now()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record for chat %d: %w", r.ChatID, err)
	}
	return s.set(recordKey(r), data)
}

// RecordsBetween returns a chat's records with start <= SentAt < end,
// in chronological order.
func (s *Store) RecordsBetween(chatID int64, start, end time.Time) ([]ChatRecord, error) {
	var records []ChatRecord
	prefix := recordPrefix(chatID)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := []byte(fmt.Sprintf("rec/%d/%020d", chatID, start.UnixNano()))
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var r ChatRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			})
			if err != nil {
				return fmt.Errorf("decode record %s: %w", it.Item().Key(), err)
			}
			if !r.SentAt.Before(end) {
				break
			}
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// SerializeRecords renders a chat's records in [start, end) as a
// "name: text" transcript, one line per message. Command records are
// excluded; they are bookkeeping, not conversation.
func (s *Store) SerializeRecords(chatID int64, start, end time.Time) (string, error) {
	records, err := s.RecordsBetween(chatID, start, end)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for i := range records {
		r := &records[i]
		if r.Kind == KindCommand {
			continue
		}
		b.WriteString(r.DisplayName())
		b.WriteString(": ")
		b.WriteString(r.Text)
		b.WriteString("\n")
	}
	return b.String(), nil
}
