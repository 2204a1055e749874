// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpie-labs/kelpie/pkg/markdown"
	"github.com/kelpie-labs/kelpie/services/backend"
	"github.com/kelpie-labs/kelpie/services/observability"
)

func newTestOrchestrator(t *testing.T, be Backend, sender Sender) *Orchestrator {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	o := NewOrchestrator(sender, be, nil, false, metrics, discardLogger())
	t.Cleanup(o.Close)
	return o
}

func editTexts(sender *fakeSender) []string {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	var texts []string
	for _, c := range sender.requests {
		if e, ok := c.(tgbotapi.EditMessageTextConfig); ok {
			texts = append(texts, e.Text)
		}
	}
	return texts
}

func TestHandleDeliversFinalEdit(t *testing.T) {
	sender := &fakeSender{}
	be := &fakeBackend{resp: &backend.Response{Text: "the answer"}}
	o := newTestOrchestrator(t, be, sender)

	require.NoError(t, o.Handle(context.Background(), privateMessage("question"), "question"))

	edits := editTexts(sender)
	require.NotEmpty(t, edits)
	assert.Equal(t, "the answer", edits[len(edits)-1])
}

func TestHandleEmptyTextIsNoop(t *testing.T) {
	sender := &fakeSender{}
	o := newTestOrchestrator(t, &fakeBackend{}, sender)

	require.NoError(t, o.Handle(context.Background(), privateMessage(""), ""))
	assert.Equal(t, 0, sender.sentCount())
}

func TestHandleApologizesOnBackendFailure(t *testing.T) {
	sender := &fakeSender{}
	be := &fakeBackend{err: errors.New("backend down")}
	o := newTestOrchestrator(t, be, sender)

	err := o.Handle(context.Background(), privateMessage("question"), "question")
	require.Error(t, err)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sent, 2)
	apology, ok := sender.sent[1].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, apologyText, apology.Text)
}

func TestHandleExpandsFootnotes(t *testing.T) {
	sender := &fakeSender{}
	be := &fakeBackend{resp: &backend.Response{
		Text: "answer [^1^]",
		SourceAttributions: []markdown.Attribution{
			{Title: "src", URL: "https://example.com/a"},
		},
	}}
	o := newTestOrchestrator(t, be, sender)

	require.NoError(t, o.Handle(context.Background(), privateMessage("question"), "question"))

	edits := editTexts(sender)
	require.NotEmpty(t, edits)
	assert.Contains(t, edits[len(edits)-1], "https://example.com/a")
}

// scriptedBackend drives onProgress with a scripted partial sequence
// before returning the final response.
type scriptedBackend struct {
	fakeBackend
	script func(onProgress backend.Progress)
}

func (s *scriptedBackend) Send(ctx context.Context, chatID int64, text string, onProgress backend.Progress) (*backend.Response, error) {
	if s.script != nil {
		s.script(onProgress)
	}
	return s.fakeBackend.Send(ctx, chatID, text, onProgress)
}

func TestHandleShowsThinkingBeforePartials(t *testing.T) {
	sender := &fakeSender{}
	be := &fakeBackend{resp: &backend.Response{Text: "the answer"}}
	o := newTestOrchestrator(t, be, sender)

	require.NoError(t, o.Handle(context.Background(), privateMessage("question"), "question"))

	edits := editTexts(sender)
	require.NotEmpty(t, edits)
	assert.Equal(t, thinkingText, edits[0])
}

func TestHandleThrottlesPartialEdits(t *testing.T) {
	sender := &fakeSender{}
	be := &scriptedBackend{}
	be.resp = &backend.Response{Text: "final answer"}
	be.script = func(p backend.Progress) {
		p("fir")
		p("first dr")
		p("first draft")
	}
	o := newTestOrchestrator(t, be, sender)
	o.editInterval = time.Hour

	require.NoError(t, o.Handle(context.Background(), privateMessage("question"), "question"))

	// The first partial renders immediately, the burst behind it is
	// coalesced, the final text always lands.
	edits := editTexts(sender)
	assert.Equal(t, []string{thinkingText, "fir", "final answer"}, edits)
}

func TestHandleResumesEditsAfterThrottleInterval(t *testing.T) {
	sender := &fakeSender{}
	be := &scriptedBackend{}
	be.resp = &backend.Response{Text: "final answer"}
	be.script = func(p backend.Progress) {
		p("one")
		p("one tw")
		time.Sleep(60 * time.Millisecond)
		p("one two")
	}
	o := newTestOrchestrator(t, be, sender)
	o.editInterval = 20 * time.Millisecond

	require.NoError(t, o.Handle(context.Background(), privateMessage("question"), "question"))

	edits := editTexts(sender)
	assert.Equal(t, []string{thinkingText, "one", "one two", "final answer"}, edits)
}

// markdownRejectingSender rejects MarkdownV2 edits, forcing the plain
// text fallback.
type markdownRejectingSender struct {
	fakeSender
}

func (m *markdownRejectingSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	if e, ok := c.(tgbotapi.EditMessageTextConfig); ok && e.ParseMode == tgbotapi.ModeMarkdownV2 {
		return nil, errors.New("Bad Request: can't parse entities")
	}
	return m.fakeSender.Request(c)
}

func TestHandleFallsBackToPlainText(t *testing.T) {
	sender := &markdownRejectingSender{}
	be := &fakeBackend{resp: &backend.Response{Text: "broken *markdown"}}
	o := newTestOrchestrator(t, be, sender)

	require.NoError(t, o.Handle(context.Background(), privateMessage("question"), "question"))

	edits := editTexts(&sender.fakeSender)
	require.NotEmpty(t, edits)
	assert.Equal(t, "broken *markdown", edits[len(edits)-1])
}
