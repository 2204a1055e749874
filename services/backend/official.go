package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/kelpie-labs/kelpie/pkg/config"
	"github.com/kelpie-labs/kelpie/services/store"
)

const defaultSystemMessage = "You are a helpful assistant."

// OfficialClient speaks to the official chat-completions API.
//
// The API itself is stateless, so multi-turn context is rebuilt from
// the persisted turn chain: each response is stored as a Turn linked to
// its parent, and SendMessage walks the chain backwards from the
// cursor's parent message id until the rune budget is spent.
type OfficialClient struct {
	client          *openai.Client
	turns           TurnStore
	model           string
	systemMessage   string
	temperature     float32
	maxTokens       int
	maxContextRunes int
	timeout         time.Duration
}

// NewOfficialClient builds the client from config.
func NewOfficialClient(cfg *config.OfficialConfig, proxy string, turns TurnStore) (*OfficialClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("official backend: api key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("official backend: parse proxy: %w", err)
		}
		clientCfg.HTTPClient = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
		slog.Warn("official backend model not set, defaulting", "model", model)
	}
	systemMessage := cfg.SystemMessage
	if systemMessage == "" {
		systemMessage = defaultSystemMessage
	}
	maxRunes := cfg.MaxContextRunes
	if maxRunes <= 0 {
		maxRunes = 24000
	}

	slog.Info("initializing official backend", "model", model)
	return &OfficialClient{
		client:          openai.NewClientWithConfig(clientCfg),
		turns:           turns,
		model:           model,
		systemMessage:   systemMessage,
		temperature:     cfg.Temperature,
		maxTokens:       cfg.MaxResponseToken,
		maxContextRunes: maxRunes,
		timeout:         time.Duration(cfg.TimeoutMs) * time.Millisecond,
	}, nil
}

// SendMessage implements Client.
func (c *OfficialClient) SendMessage(ctx context.Context, text string, conv *store.ConversationContext, onProgress Progress) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conversationID := ""
	parentID := ""
	if conv != nil {
		conversationID = conv.ConversationID
		parentID = conv.ParentMessageID
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	userTurn := &store.Turn{
		ID:             uuid.NewString(),
		ParentID:       parentID,
		ConversationID: conversationID,
		Role:           openai.ChatMessageRoleUser,
		Text:           text,
	}

	messages, err := c.buildMessages(userTurn)
	if err != nil {
		return nil, err
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Stream:      true,
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("official backend: %w", err)
	}
	defer stream.Close()

	var full string
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("official backend stream: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full += delta
		if onProgress != nil {
			onProgress(full)
		}
	}

	assistantTurn := &store.Turn{
		ID:             uuid.NewString(),
		ParentID:       userTurn.ID,
		ConversationID: conversationID,
		Role:           openai.ChatMessageRoleAssistant,
		Text:           full,
	}
	if err := c.turns.PutTurn(userTurn); err != nil {
		return nil, fmt.Errorf("official backend: persist user turn: %w", err)
	}
	if err := c.turns.PutTurn(assistantTurn); err != nil {
		return nil, fmt.Errorf("official backend: persist assistant turn: %w", err)
	}

	return &Response{
		Text:           full,
		ConversationID: conversationID,
		ID:             assistantTurn.ID,
	}, nil
}

// buildMessages assembles system message plus chain history plus the
// new user turn, newest turns kept, under the rune budget.
func (c *OfficialClient) buildMessages(userTurn *store.Turn) ([]openai.ChatCompletionMessage, error) {
	budget := c.maxContextRunes - len([]rune(c.systemMessage)) - len([]rune(userTurn.Text))

	var history []openai.ChatCompletionMessage
	id := userTurn.ParentID
	for id != "" && budget > 0 {
		turn, err := c.turns.GetTurn(id)
		if errors.Is(err, store.ErrNotFound) {
			// Broken chain (e.g. pruned store): use what we have.
			break
		}
		if err != nil {
			return nil, fmt.Errorf("official backend: load turn %s: %w", id, err)
		}
		budget -= len([]rune(turn.Text))
		if budget < 0 {
			break
		}
		history = append(history, openai.ChatCompletionMessage{Role: turn.Role, Content: turn.Text})
		id = turn.ParentID
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: c.systemMessage,
	})
	for i := len(history) - 1; i >= 0; i-- {
		messages = append(messages, history[i])
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userTurn.Text,
	})
	return messages, nil
}

// ResetThread implements Client. The API is stateless; nothing to do.
func (c *OfficialClient) ResetThread(ctx context.Context) error { return nil }

// RefreshSession implements Client. Nothing to refresh.
func (c *OfficialClient) RefreshSession(ctx context.Context) error { return nil }
