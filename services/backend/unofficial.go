package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kelpie-labs/kelpie/pkg/config"
	"github.com/kelpie-labs/kelpie/services/store"
)

const defaultReverseProxyURL = "https://ai.fakeopen.com/api/conversation"

// UnofficialClient talks to a ChatGPT reverse proxy that mimics the
// web client's conversation endpoint. The proxy keeps conversation
// state server-side, so continuation only needs conversation_id plus
// parent_message_id and there is no local turn chain.
type UnofficialClient struct {
	httpClient *http.Client
	endpoint   string
	token      string
	model      string
	timeout    time.Duration
}

// NewUnofficialClient builds the client from config.
func NewUnofficialClient(cfg *config.UnofficialConfig, proxy string) (*UnofficialClient, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("unofficial backend: access token is required")
	}

	endpoint := cfg.ReverseProxyURL
	if endpoint == "" {
		endpoint = defaultReverseProxyURL
		slog.Warn("unofficial backend proxy url not set, defaulting", "url", endpoint)
	}
	model := cfg.Model
	if model == "" {
		model = "text-davinci-002-render-sha"
	}

	transport := &http.Transport{}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("unofficial backend: parse proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	slog.Info("initializing unofficial backend", "model", model)
	return &UnofficialClient{
		httpClient: &http.Client{Transport: transport},
		endpoint:   endpoint,
		token:      cfg.AccessToken,
		model:      model,
		timeout:    time.Duration(cfg.TimeoutMs) * time.Millisecond,
	}, nil
}

type unofficialMessage struct {
	ID     string `json:"id"`
	Author struct {
		Role string `json:"role"`
	} `json:"author"`
	Content struct {
		ContentType string   `json:"content_type"`
		Parts       []string `json:"parts"`
	} `json:"content"`
}

type unofficialRequest struct {
	Action          string              `json:"action"`
	Messages        []unofficialMessage `json:"messages"`
	Model           string              `json:"model"`
	ConversationID  string              `json:"conversation_id,omitempty"`
	ParentMessageID string              `json:"parent_message_id"`
}

type unofficialEvent struct {
	ConversationID string            `json:"conversation_id"`
	Message        unofficialMessage `json:"message"`
	Error          string            `json:"error"`
}

// SendMessage implements Client.
func (c *UnofficialClient) SendMessage(ctx context.Context, text string, conv *store.ConversationContext, onProgress Progress) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	parentID := ""
	conversationID := ""
	if conv != nil {
		parentID = conv.ParentMessageID
		conversationID = conv.ConversationID
	}
	if parentID == "" {
		parentID = uuid.NewString()
	}

	userMsg := unofficialMessage{ID: uuid.NewString()}
	userMsg.Author.Role = "user"
	userMsg.Content.ContentType = "text"
	userMsg.Content.Parts = []string{text}

	body, err := json.Marshal(unofficialRequest{
		Action:          "next",
		Messages:        []unofficialMessage{userMsg},
		Model:           c.model,
		ConversationID:  conversationID,
		ParentMessageID: parentID,
	})
	if err != nil {
		return nil, fmt.Errorf("unofficial backend: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("unofficial backend: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unofficial backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unofficial backend: unexpected status %d", resp.StatusCode)
	}

	var final *unofficialEvent
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var event unofficialEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			// Proxies interleave keepalive junk; skip it.
			continue
		}
		if event.Error != "" {
			return nil, fmt.Errorf("unofficial backend: %s", event.Error)
		}
		if len(event.Message.Content.Parts) == 0 {
			continue
		}
		final = &event
		if onProgress != nil {
			onProgress(event.Message.Content.Parts[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("unofficial backend stream: %w", err)
	}
	if final == nil {
		return nil, errors.New("unofficial backend: empty response")
	}

	return &Response{
		Text:           final.Message.Content.Parts[0],
		ConversationID: final.ConversationID,
		ID:             final.Message.ID,
	}, nil
}

// ResetThread implements Client. Server-side state is keyed by the
// conversation id we stop sending; nothing to do here.
func (c *UnofficialClient) ResetThread(ctx context.Context) error { return nil }

// RefreshSession implements Client.
func (c *UnofficialClient) RefreshSession(ctx context.Context) error { return nil }
