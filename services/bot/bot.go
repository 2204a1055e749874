// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package bot is the Telegram front end: the long-polling update loop,
// message ingress, the command router and the conversation flow.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kelpie-labs/kelpie/pkg/config"
	"github.com/kelpie-labs/kelpie/services/observability"
	"github.com/kelpie-labs/kelpie/services/store"
)

// Engine is the backend adapter surface the bot drives.
type Engine interface {
	Backend
	BackendControl
}

// Storage is the slice of the store the bot uses. Satisfied by
// *store.Store.
type Storage interface {
	AddRecord(r *store.ChatRecord) error
	SerializeRecords(chatID int64, start, end time.Time) (string, error)
	AddGroup(chatID int64) error
	RemoveGroup(chatID int64) error
}

// Deps bundles the collaborators the bot is composed from. Speech,
// Summarizer and Translator are optional.
type Deps struct {
	Engine     Engine
	Storage    Storage
	Speech     Speech
	Summarizer Summarizer
	Translator Translator
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Bot owns the Telegram client and the update loop.
type Bot struct {
	api      *tgbotapi.BotAPI
	chat     *Orchestrator
	commands *Router
	ingress  *Ingress
	groups   Storage
	username string
	log      *slog.Logger
}

// New authenticates with Telegram (getMe) and wires the handlers.
func New(cfg *config.Config, deps Deps) (*Bot, error) {
	client := &http.Client{Timeout: 100 * time.Second}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("bot: parse proxy: %w", err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	api, err := tgbotapi.NewBotAPIWithClient(cfg.Bot.Token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("bot: authenticate: %w", err)
	}
	api.Debug = cfg.Debug >= 2

	log := deps.Logger
	username := api.Self.UserName
	log.Info("bot authenticated", "username", username)

	chat := NewOrchestrator(api, deps.Engine, deps.Speech, cfg.Bot.Voice, deps.Metrics, log)
	commands := NewRouter(api, cfg, deps.Engine, deps.Summarizer, deps.Translator, deps.Storage, chat, log)
	ingress := NewIngress(api, cfg, deps.Storage, commands, chat, username, log)

	return &Bot{
		api:      api,
		chat:     chat,
		commands: commands,
		ingress:  ingress,
		groups:   deps.Storage,
		username: username,
		log:      log,
	}, nil
}

// Username returns the authenticated bot account name.
func (b *Bot) Username() string { return b.username }

// Run long-polls for updates until ctx is cancelled. Each update is
// handled on its own goroutine; ordering across chats is the request
// serializer's job, not the loop's.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	b.log.Info("update loop started")
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.chat.Close()
			b.log.Info("update loop stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				b.chat.Close()
				return nil
			}
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.commands.HandleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		msg := update.Message
		if b.handleMembership(msg) {
			return
		}
		if err := b.ingress.Handle(ctx, msg); err != nil {
			b.log.Error("handling message failed", "chat_id", msg.Chat.ID, "error", err)
		}
	}
}

// handleMembership maintains the group registry the nightly indexer
// iterates: joining a group registers it, leaving unregisters it.
func (b *Bot) handleMembership(msg *tgbotapi.Message) bool {
	if len(msg.NewChatMembers) > 0 {
		for _, member := range msg.NewChatMembers {
			if member.UserName != b.username {
				continue
			}
			if err := b.groups.AddGroup(msg.Chat.ID); err != nil {
				b.log.Error("registering group failed", "chat_id", msg.Chat.ID, "error", err)
			} else {
				b.log.Info("joined group", "chat_id", msg.Chat.ID, "title", msg.Chat.Title)
			}
		}
		return true
	}
	if msg.LeftChatMember != nil && msg.LeftChatMember.UserName == b.username {
		if err := b.groups.RemoveGroup(msg.Chat.ID); err != nil {
			b.log.Error("unregistering group failed", "chat_id", msg.Chat.ID, "error", err)
		} else {
			b.log.Info("left group", "chat_id", msg.Chat.ID, "title", msg.Chat.Title)
		}
		return true
	}
	return false
}
