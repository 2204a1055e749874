// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package queue serializes backend requests through a bounded FIFO.
//
// The backend clients track a single active turn per session and are
// not safe for concurrent sends, so the process admits one request at a
// time globally — across all chats — and queues the rest in strict
// arrival order. Waiters learn their queue position so the bot can edit
// a "you are #N in line" placeholder; position updates are delivered
// through a bounded fire-and-forget mailbox so a slow Telegram edit can
// never stall queue progress.
//
// The waiter table lives only in process memory. A restart loses queue
// bookkeeping, which is acceptable: waiters are transient UI state.
package queue

import (
	"context"
	"fmt"
	"sync"
)

// Key identifies one waiter: the chat plus the placeholder message the
// bot is editing for it.
type Key struct {
	ChatID    int64
	MessageID int
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.ChatID, k.MessageID)
}

// Task performs one backend call. Its error reaches only its own
// admitter; it never halts the queue.
type Task func(ctx context.Context) error

// PositionUpdate reports a waiter's new position after an earlier task
// completed. Position 0 means "being serviced now".
type PositionUpdate struct {
	Key      Key
	Position int
}

type waiter struct {
	key  Key
	ctx  context.Context
	task Task
	done chan error
}

// Serializer is a bounded-concurrency FIFO task queue.
//
// Invariants:
//   - at most `bound` task bodies execute at any instant (the process
//     always configures bound = 1);
//   - tasks run in strict arrival order, no priority, no retry;
//   - waiter k (0-indexed among requests admitted before any
//     completion) is told position k at admission and is decremented by
//     exactly one per earlier completion.
type Serializer struct {
	bound  int
	notify func(PositionUpdate)

	mu        sync.Mutex
	running   int
	pending   []*waiter
	positions map[Key]int

	mailbox chan PositionUpdate
	closed  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Serializer.
//
// Inputs:
//
//	bound - Maximum concurrent tasks; values < 1 are clamped to 1.
//	notify - Receiver for position updates. May be nil. Called from a
//	         single internal goroutine; failures are the receiver's
//	         problem, the serializer never waits on it.
func New(bound int, notify func(PositionUpdate)) *Serializer {
	if bound < 1 {
		bound = 1
	}
	s := &Serializer{
		bound:     bound,
		notify:    notify,
		positions: make(map[Key]int),
		mailbox:   make(chan PositionUpdate, 64),
		closed:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.deliver()
	return s
}

// Admit enqueues a task.
//
// Description:
//
//	When a slot is free the task starts immediately at position 0;
//	otherwise it joins the FIFO. The returned channel yields exactly
//	one value — the task's error (possibly nil) — once it finishes.
//	Admission cannot be cancelled: once admitted, the task runs to
//	completion or failure. ctx is forwarded into the task for the
//	backend call's own timeout handling.
//
// Outputs:
//
//	int - Position at admission time (0 = running now).
//	<-chan error - Buffered completion channel.
func (s *Serializer) Admit(ctx context.Context, key Key, task Task) (int, <-chan error) {
	w := &waiter{key: key, ctx: ctx, task: task, done: make(chan error, 1)}

	s.mu.Lock()
	position := s.running + len(s.pending)
	s.positions[key] = position
	if s.running < s.bound {
		s.running++
		s.mu.Unlock()
		go s.run(w)
	} else {
		s.pending = append(s.pending, w)
		s.mu.Unlock()
	}
	return position, w.done
}

// Position returns a waiter's current position, or -1 when unknown.
func (s *Serializer) Position(key Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos, ok := s.positions[key]; ok {
		return pos
	}
	return -1
}

// Depth returns the number of admitted, unfinished requests.
func (s *Serializer) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.positions)
}

// Close stops the notification goroutine. Pending tasks still run to
// completion but no further position updates are delivered.
func (s *Serializer) Close() {
	close(s.closed)
	s.wg.Wait()
}

func (s *Serializer) run(w *waiter) {
	err := w.task(w.ctx)
	w.done <- err
	s.complete(w.key)
}

// complete removes the finished waiter, promotes the next one, and
// emits a position update for every remaining waiter.
func (s *Serializer) complete(key Key) {
	s.mu.Lock()
	delete(s.positions, key)

	var next *waiter
	if len(s.pending) > 0 {
		next = s.pending[0]
		s.pending = s.pending[1:]
	} else {
		s.running--
	}

	updates := make([]PositionUpdate, 0, len(s.positions))
	for k := range s.positions {
		s.positions[k]--
		updates = append(updates, PositionUpdate{Key: k, Position: s.positions[k]})
	}
	s.mu.Unlock()

	for _, u := range updates {
		select {
		case s.mailbox <- u:
		default:
			// Mailbox full: drop. Position edits are cosmetic.
		}
	}

	if next != nil {
		go s.run(next)
	}
}

func (s *Serializer) deliver() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		case u := <-s.mailbox:
			if s.notify != nil {
				s.notify(u)
			}
		}
	}
}
