// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// The group registry tracks which group chats the bot is a member of,
// maintained from Telegram join/leave events. The nightly indexing task
// iterates it.

func groupKey(chatID int64) []byte {
	return []byte("grp/" + strconv.FormatInt(chatID, 10))
}

// AddGroup registers a group chat.
func (s *Store) AddGroup(chatID int64) error {
	return s.set(groupKey(chatID), []byte{1})
}

// RemoveGroup unregisters a group chat. Removing an unknown group is
// not an error.
func (s *Store) RemoveGroup(chatID int64) error {
	return s.delete(groupKey(chatID))
}

// Groups lists all registered group chat ids.
func (s *Store) Groups() ([]int64, error) {
	var ids []int64
	prefix := []byte("grp/")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			id, err := strconv.ParseInt(strings.TrimPrefix(key, "grp/"), 10, 64)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
