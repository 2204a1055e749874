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
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kelpie-labs/kelpie/pkg/config"
	"github.com/kelpie-labs/kelpie/services/store"
)

// RecordStore appends history entries. Satisfied by *store.Store.
type RecordStore interface {
	AddRecord(r *store.ChatRecord) error
}

// Ingress authenticates, parses and records every incoming message,
// then routes it to the command router or the conversation flow.
//
// Dispatch rule: private chats always converse; group chats converse
// only when the bot is mentioned or the message replies to the bot.
// Everything else is recorded for /summary and the nightly indexer but
// produces no reply.
type Ingress struct {
	bot         Sender
	cfg         *config.Config
	records     RecordStore
	commands    *Router
	chat        *Orchestrator
	botUsername string
	log         *slog.Logger
}

// NewIngress wires the message pipeline.
func NewIngress(bot Sender, cfg *config.Config, records RecordStore, commands *Router, chat *Orchestrator, botUsername string, log *slog.Logger) *Ingress {
	return &Ingress{
		bot:         bot,
		cfg:         cfg,
		records:     records,
		commands:    commands,
		chat:        chat,
		botUsername: botUsername,
		log:         log,
	}
}

// Handle processes one incoming message end to end.
func (in *Ingress) Handle(ctx context.Context, msg *tgbotapi.Message) error {
	if msg == nil || msg.Text == "" {
		return nil
	}
	if !in.authorized(msg) {
		in.log.Warn("unauthorized message dropped",
			"chat_id", msg.Chat.ID,
			"user_id", senderID(msg),
			"chat_type", msg.Chat.Type,
		)
		return nil
	}

	parsed := parseMessage(msg, in.botUsername)

	if err := in.record(msg, parsed); err != nil {
		// History is best effort; the conversation must not die with it.
		in.log.Error("recording message failed", "chat_id", msg.Chat.ID, "error", err)
	}

	chatCommand := in.cfg.Bot.ChatCommand
	if parsed.Command != "" && parsed.Command != chatCommand {
		return in.commands.Handle(ctx, msg, parsed.Command, parsed.Text, parsed.Mentioned, in.botUsername)
	}

	if !in.shouldConverse(msg, parsed) {
		return nil
	}
	return in.chat.Handle(ctx, msg, parsed.Text)
}

// authorized applies the allow-lists; an empty list means open access.
func (in *Ingress) authorized(msg *tgbotapi.Message) bool {
	switch {
	case msg.Chat.IsPrivate():
		return containsID(in.cfg.Bot.AllowedUserIDs, senderID(msg))
	case msg.Chat.IsGroup() || msg.Chat.IsSuperGroup():
		return containsID(in.cfg.Bot.AllowedGroupIDs, msg.Chat.ID)
	default:
		return false
	}
}

func containsID(allowed []int64, id int64) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == id {
			return true
		}
	}
	return false
}

func (in *Ingress) shouldConverse(msg *tgbotapi.Message, p parsedMessage) bool {
	if msg.Chat.IsPrivate() {
		return true
	}
	replyToBot := msg.ReplyToMessage != nil &&
		msg.ReplyToMessage.From != nil &&
		msg.ReplyToMessage.From.UserName == in.botUsername
	return p.Mentioned || replyToBot
}

// record appends the history entry for an incoming message.
func (in *Ingress) record(msg *tgbotapi.Message, p parsedMessage) error {
	kind := store.KindNormal
	text := p.Text
	switch {
	case p.Command != "":
		kind = store.KindCommand
		text = strings.TrimSpace(p.Command + " " + p.Text)
	case msg.ForwardFrom != nil || msg.ForwardFromChat != nil:
		kind = store.KindForward
	case msg.ReplyToMessage != nil:
		kind = store.KindReply
	}

	record := &store.ChatRecord{
		ChatID:    msg.Chat.ID,
		SenderID:  senderID(msg),
		MessageID: msg.MessageID,
		Text:      text,
		Kind:      kind,
		IsGroup:   msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
		SentAt:    msg.Time(),
	}
	if msg.From != nil {
		record.Username = msg.From.UserName
		record.FirstName = msg.From.FirstName
		record.LastName = msg.From.LastName
	}
	return in.records.AddRecord(record)
}

type parsedMessage struct {
	Text      string
	Command   string
	Mentioned bool
}

// parseMessage interprets the Telegram entities.
//
// Entity offsets count UTF-16 code units, so all slicing goes through
// the encoded form. A bot_command entity at offset 0 splits the text
// into command and arguments; a "@botname" suffix on the command or a
// mention entity anywhere marks the message as addressed to the bot.
// When a mention arrives on a reply, the replied-to text is prepended
// as attributed context.
func parseMessage(msg *tgbotapi.Message, botUsername string) parsedMessage {
	p := parsedMessage{Text: msg.Text}
	units := utf16.Encode([]rune(msg.Text))
	mentionTag := "@" + botUsername

	for _, entity := range msg.Entities {
		switch entity.Type {
		case "bot_command":
			if entity.Offset != 0 {
				continue
			}
			p.Command = utf16Slice(units, 0, entity.Length)
			p.Text = strings.TrimSpace(utf16Slice(units, entity.Length, len(units)))
			if strings.HasSuffix(p.Command, mentionTag) {
				p.Mentioned = true
				p.Command = strings.TrimSuffix(p.Command, mentionTag)
			}

		case "mention":
			if utf16Slice(units, entity.Offset, entity.Offset+entity.Length) != mentionTag {
				continue
			}
			p.Mentioned = true
			p.Text = strings.TrimSpace(
				utf16Slice(units, 0, entity.Offset) + utf16Slice(units, entity.Offset+entity.Length, len(units)),
			)
			if msg.ReplyToMessage != nil {
				p.Text = attributeReply(msg.ReplyToMessage) + p.Text
			}
		}
	}
	return p
}

// attributeReply turns the replied-to message into quoted context.
func attributeReply(reply *tgbotapi.Message) string {
	author := reply.From
	if reply.ForwardFrom != nil {
		author = reply.ForwardFrom
	}
	name := ""
	if author != nil {
		name = strings.TrimSpace(author.FirstName + " " + author.LastName)
	}
	return fmt.Sprintf("%s just said: %q\n\n", name, reply.Text)
}

// utf16Slice converts a code-unit range back to a string. Out-of-range
// offsets from a malformed entity clamp instead of panicking.
func utf16Slice(units []uint16, from, to int) string {
	if from < 0 {
		from = 0
	}
	if to > len(units) {
		to = len(units)
	}
	if from >= to {
		return ""
	}
	return string(utf16.Decode(units[from:to]))
}
