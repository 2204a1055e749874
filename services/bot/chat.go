// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/kelpie-labs/kelpie/pkg/markdown"
	"github.com/kelpie-labs/kelpie/services/backend"
	"github.com/kelpie-labs/kelpie/services/observability"
	"github.com/kelpie-labs/kelpie/services/queue"
)

const (
	placeholderText = "⌛"
	thinkingText    = "🤔"
	apologyText     = "⚠️ Sorry, I could not reach the server. Please try again later."

	// editThrottle is the minimum interval between streaming edits.
	// Leading-edge: the first partial renders immediately, the final
	// text is always rendered regardless of the throttle.
	editThrottle = 3 * time.Second
)

// Sender is the slice of the Telegram client the handlers use. The
// concrete *tgbotapi.BotAPI satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Backend runs one conversation turn. Satisfied by *backend.Adapter.
type Backend interface {
	Send(ctx context.Context, chatID int64, text string, onProgress backend.Progress) (*backend.Response, error)
	Variant() string
}

// Speech renders text to a voice file. Satisfied by *tts.Client.
type Speech interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// Orchestrator owns the conversation flow for one incoming message:
// placeholder reply, queue admission, streaming edits, final render,
// optional voice reply, and the apology on failure.
type Orchestrator struct {
	bot     Sender
	backend Backend
	queue   *queue.Serializer
	speech  Speech
	voice   bool
	metrics *observability.Metrics
	log     *slog.Logger

	// editInterval is the minimum spacing between streaming edits.
	// Overridable in tests.
	editInterval time.Duration
}

// NewOrchestrator wires the orchestrator and its request serializer.
// speech may be nil; voice replies are skipped without it.
func NewOrchestrator(bot Sender, be Backend, speech Speech, voice bool, metrics *observability.Metrics, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		bot:          bot,
		backend:      be,
		speech:       speech,
		voice:        voice,
		metrics:      metrics,
		log:          log,
		editInterval: editThrottle,
	}
	o.queue = queue.New(1, o.notifyPosition)
	return o
}

// Close stops the serializer's notification delivery.
func (o *Orchestrator) Close() { o.queue.Close() }

// notifyPosition edits a waiter's placeholder after an earlier request
// completed. Best effort; a failed edit is dropped.
func (o *Orchestrator) notifyPosition(u queue.PositionUpdate) {
	text := thinkingText
	if u.Position > 0 {
		text = waitingText(u.Position)
	}
	edit := tgbotapi.NewEditMessageText(u.Key.ChatID, u.Key.MessageID, text)
	if _, err := o.bot.Request(edit); err != nil {
		o.log.Debug("queue position edit failed", "chat_id", u.Key.ChatID, "error", err)
	}
}

func waitingText(position int) string {
	return fmt.Sprintf("⌛ You are #%d in line.", position)
}

// Handle runs one conversation turn and blocks until it finishes.
//
// The turn is admitted into the global serializer; while waiting, the
// placeholder reply shows the queue position. Errors reach the user as
// the uniform apology and are also returned for logging.
func (o *Orchestrator) Handle(ctx context.Context, msg *tgbotapi.Message, text string) error {
	if text == "" {
		return nil
	}
	chatID := msg.Chat.ID

	reply := tgbotapi.NewMessage(chatID, placeholderText)
	reply.ReplyToMessageID = msg.MessageID
	placeholder, err := o.bot.Send(reply)
	if err != nil {
		return fmt.Errorf("send placeholder: %w", err)
	}

	started := time.Now()
	key := queue.Key{ChatID: chatID, MessageID: placeholder.MessageID}
	pos, done := o.queue.Admit(ctx, key, func(ctx context.Context) error {
		return o.converse(ctx, chatID, placeholder.MessageID, text)
	})
	o.metrics.QueueDepth.Set(float64(o.queue.Depth()))

	if pos > 0 {
		o.edit(chatID, placeholder.MessageID, waitingText(pos), "")
	}

	err = <-done
	o.metrics.QueueDepth.Set(float64(o.queue.Depth()))

	variant := o.backend.Variant()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.metrics.RequestsTotal.WithLabelValues(variant, outcome).Inc()
	o.metrics.RequestDuration.WithLabelValues(variant).Observe(time.Since(started).Seconds())
	return err
}

// converse performs the backend call and drives the placeholder edits.
func (o *Orchestrator) converse(ctx context.Context, chatID int64, messageID int, text string) error {
	// The turn is being serviced now; tell the user before the first
	// partial lands.
	o.edit(chatID, messageID, thinkingText, "")
	o.typing(chatID)

	var lastShown string
	limiter := rate.NewLimiter(rate.Every(o.editInterval), 1)
	onProgress := func(partial string) {
		if partial == "" || partial == lastShown || !limiter.Allow() {
			return
		}
		if o.edit(chatID, messageID, markdown.Escape(partial), tgbotapi.ModeMarkdownV2) {
			lastShown = partial
		}
		o.typing(chatID)
	}

	resp, err := o.backend.Send(ctx, chatID, text, onProgress)
	if err != nil {
		o.metrics.BackendErrors.WithLabelValues(o.backend.Variant()).Inc()
		o.log.Error("backend send failed", "chat_id", chatID, "error", err)
		if _, sendErr := o.bot.Send(tgbotapi.NewMessage(chatID, apologyText)); sendErr != nil {
			o.log.Error("sending apology failed", "chat_id", chatID, "error", sendErr)
		}
		return err
	}

	final := markdown.ExpandFootnotes(resp.Text, resp.SourceAttributions)
	if final != lastShown {
		if !o.edit(chatID, messageID, markdown.Escape(final), tgbotapi.ModeMarkdownV2) {
			// Markdown rejected: deliver the raw text rather than
			// leaving the placeholder behind.
			o.edit(chatID, messageID, final, "")
		}
	}

	if o.voice && o.speech != nil {
		o.sendVoice(ctx, chatID, resp.Text)
	}
	return nil
}

// edit rewrites a message, reporting success. Parse failures count as
// edit failures so the caller can fall back to plain text.
func (o *Orchestrator) edit(chatID int64, messageID int, text, parseMode string) bool {
	if text == "" {
		return false
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = parseMode
	if _, err := o.bot.Request(edit); err != nil {
		o.metrics.EditFailures.Inc()
		o.log.Warn("message edit failed", "chat_id", chatID, "parse_mode", parseMode, "error", err)
		return false
	}
	return true
}

func (o *Orchestrator) typing(chatID int64) {
	if _, err := o.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		o.log.Debug("chat action failed", "chat_id", chatID, "error", err)
	}
}

// sendVoice renders and sends the spoken reply. Best effort: failures
// are logged and never reach the user.
func (o *Orchestrator) sendVoice(ctx context.Context, chatID int64, text string) {
	path, err := o.speech.Synthesize(ctx, markdown.StripFootnotes(text))
	if err != nil {
		o.log.Warn("voice synthesis failed", "chat_id", chatID, "error", err)
		return
	}
	defer os.Remove(path)

	voice := tgbotapi.NewVoice(chatID, tgbotapi.FilePath(path))
	if _, err := o.bot.Send(voice); err != nil {
		o.log.Warn("voice reply failed", "chat_id", chatID, "error", err)
	}
}
