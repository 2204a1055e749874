package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kelpie-labs/kelpie/pkg/config"
	"github.com/kelpie-labs/kelpie/pkg/markdown"
	"github.com/kelpie-labs/kelpie/services/store"
)

const (
	defaultBingHost = "www.bing.com"
	chatHubHost     = "sydney.bing.com"

	// recordSeparator terminates every ChatHub JSON record.
	recordSeparator = "\x1e"
)

// BingClient talks to the Bing-style search assistant.
//
// A conversation is created over HTTPS, then turns run over a ChatHub
// websocket. All continuation state (signature, client id, invocation
// counter) travels in the cursor, so one client instance serves every
// chat; the adapter decides when a chat's session is torn down.
//
// Turns always run in jailbreak mode: the prior exchange is replayed
// from the persisted turn chain instead of relying on the service's
// own short-lived thread, which survives session recreation.
type BingClient struct {
	httpClient *http.Client
	host       string
	cookies    string
	turns      TurnStore
}

// NewBingClient builds the client from config.
func NewBingClient(cfg *config.BingConfig, proxy string, turns TurnStore) (*BingClient, error) {
	if cfg.UserToken == "" && cfg.Cookies == "" {
		return nil, errors.New("bing backend: user token or cookies are required")
	}

	cookies := cfg.Cookies
	if cookies == "" {
		cookies = "_U=" + cfg.UserToken
	}
	host := cfg.Host
	if host == "" {
		host = defaultBingHost
	}

	transport := &http.Transport{}
	proxyAddr := cfg.Proxy
	if proxyAddr == "" {
		proxyAddr = proxy
	}
	if proxyAddr != "" {
		proxyURL, err := url.Parse(proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("bing backend: parse proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	slog.Info("initializing bing backend", "host", host)
	return &BingClient{
		httpClient: &http.Client{Transport: transport},
		host:       host,
		cookies:    cookies,
		turns:      turns,
	}, nil
}

type bingSession struct {
	ConversationID        string `json:"conversationId"`
	ClientID              string `json:"clientId"`
	ConversationSignature string `json:"conversationSignature"`
	Result                struct {
		Value   string `json:"value"`
		Message string `json:"message"`
	} `json:"result"`
}

// createConversation obtains fresh session credentials over HTTPS.
func (c *BingClient) createConversation(ctx context.Context) (*bingSession, error) {
	endpoint := fmt.Sprintf("https://%s/turing/conversation/create", c.host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("bing backend: build create request: %w", err)
	}
	req.Header.Set("Cookie", c.cookies)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bing backend: create conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bing backend: create conversation status %d", resp.StatusCode)
	}

	var session bingSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("bing backend: decode create response: %w", err)
	}
	if session.Result.Value != "" && session.Result.Value != "Success" {
		return nil, fmt.Errorf("bing backend: create conversation: %s: %s", session.Result.Value, session.Result.Message)
	}
	if session.ConversationSignature == "" {
		return nil, errors.New("bing backend: create conversation returned no signature, check cookies")
	}
	return &session, nil
}

type bingWireMessage struct {
	Author        string `json:"author,omitempty"`
	Text          string `json:"text,omitempty"`
	MessageID     string `json:"messageId,omitempty"`
	MessageType   string `json:"messageType,omitempty"`
	AdaptiveCards []struct {
		Body []struct {
			Text string `json:"text"`
		} `json:"body"`
	} `json:"adaptiveCards,omitempty"`
	SourceAttributions []struct {
		ProviderDisplayName string `json:"providerDisplayName"`
		SeeMoreURL          string `json:"seeMoreUrl"`
	} `json:"sourceAttributions,omitempty"`
}

type bingChatRecord struct {
	Type         int    `json:"type"`
	Target       string `json:"target,omitempty"`
	InvocationID string `json:"invocationId,omitempty"`
	Arguments    []struct {
		Messages []bingWireMessage `json:"messages"`
	} `json:"arguments,omitempty"`
	Item struct {
		Messages []bingWireMessage `json:"messages"`
		Result   struct {
			Value   string `json:"value"`
			Message string `json:"message"`
		} `json:"result"`
	} `json:"item,omitempty"`
	Error string `json:"error,omitempty"`
}

// SendMessage implements Client.
func (c *BingClient) SendMessage(ctx context.Context, text string, conv *store.ConversationContext, onProgress Progress) (*Response, error) {
	var session *bingSession
	invocation := 0
	jailbreakID := ""
	parentID := ""
	if conv != nil && conv.ConversationSignature != "" {
		session = &bingSession{
			ConversationID:        conv.ConversationID,
			ClientID:              conv.ClientID,
			ConversationSignature: conv.ConversationSignature,
		}
		invocation, _ = strconv.Atoi(conv.InvocationID)
		jailbreakID = conv.JailbreakConversationID
		parentID = conv.ParentMessageID
	} else {
		created, err := c.createConversation(ctx)
		if err != nil {
			return nil, err
		}
		session = created
	}
	if jailbreakID == "" {
		jailbreakID = uuid.NewString()
	}

	previous, err := c.loadPreviousTurns(parentID)
	if err != nil {
		return nil, err
	}

	conn, err := c.dialChatHub(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := c.handshake(conn); err != nil {
		return nil, err
	}

	argument := map[string]any{
		"source": "cib",
		"optionsSets": []string{
			"nlu_direct_response_filter", "deepleo", "disable_emoji_spoken_text",
			"responsible_ai_policy_235", "enablemm", "h3imaginative", "dtappid",
			"cricinfo", "cricinfov2", "dv3sugg",
		},
		"sliceIds":              []string{},
		"traceId":               strings.ReplaceAll(uuid.NewString(), "-", ""),
		"isStartOfSession":      invocation == 0,
		"message":               map[string]any{"author": "user", "text": text, "messageType": "SearchQuery"},
		"conversationSignature": session.ConversationSignature,
		"participant":           map[string]any{"id": session.ClientID},
		"conversationId":        session.ConversationID,
	}
	if len(previous) > 0 {
		argument["previousMessages"] = previous
	}
	event := map[string]any{
		"arguments":    []any{argument},
		"invocationId": strconv.Itoa(invocation),
		"target":       "chat",
		"type":         4,
	}
	if err := writeRecord(conn, event); err != nil {
		return nil, fmt.Errorf("bing backend: send turn: %w", err)
	}

	final, err := c.readTurn(ctx, conn, onProgress)
	if err != nil {
		return nil, err
	}

	userTurn := &store.Turn{
		ID:             uuid.NewString(),
		ParentID:       parentID,
		ConversationID: jailbreakID,
		Role:           "user",
		Text:           text,
	}
	botTurn := &store.Turn{
		ID:             uuid.NewString(),
		ParentID:       userTurn.ID,
		ConversationID: jailbreakID,
		Role:           "bot",
		Text:           final.text,
	}
	if err := c.turns.PutTurn(userTurn); err != nil {
		return nil, fmt.Errorf("bing backend: persist user turn: %w", err)
	}
	if err := c.turns.PutTurn(botTurn); err != nil {
		return nil, fmt.Errorf("bing backend: persist bot turn: %w", err)
	}

	return &Response{
		Text:                    final.text,
		ConversationID:          session.ConversationID,
		MessageID:               botTurn.ID,
		JailbreakConversationID: jailbreakID,
		ConversationSignature:   session.ConversationSignature,
		ClientID:                session.ClientID,
		InvocationID:            strconv.Itoa(invocation + 1),
		SourceAttributions:      final.attributions,
	}, nil
}

// loadPreviousTurns replays the persisted chain oldest-first.
func (c *BingClient) loadPreviousTurns(parentID string) ([]map[string]string, error) {
	var chain []*store.Turn
	id := parentID
	for id != "" {
		turn, err := c.turns.GetTurn(id)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bing backend: load turn %s: %w", id, err)
		}
		chain = append(chain, turn)
		id = turn.ParentID
	}

	previous := make([]map[string]string, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		previous = append(previous, map[string]string{
			"author":      chain[i].Role,
			"text":        chain[i].Text,
			"description": "previous conversation turn",
		})
	}
	return previous, nil
}

func (c *BingClient) dialChatHub(ctx context.Context) (*websocket.Conn, error) {
	dialer := *websocket.DefaultDialer
	if c.httpClient.Transport != nil {
		if t, ok := c.httpClient.Transport.(*http.Transport); ok {
			dialer.Proxy = t.Proxy
		}
	}

	header := http.Header{}
	header.Set("Cookie", c.cookies)

	endpoint := fmt.Sprintf("wss://%s/sydney/ChatHub", chatHubHost)
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("bing backend: dial chathub status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("bing backend: dial chathub: %w", err)
	}
	return conn, nil
}

// handshake negotiates the json protocol and waits for the empty ack.
func (c *BingClient) handshake(conn *websocket.Conn) error {
	if err := writeRecord(conn, map[string]any{"protocol": "json", "version": 1}); err != nil {
		return fmt.Errorf("bing backend: handshake: %w", err)
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		return fmt.Errorf("bing backend: handshake ack: %w", err)
	}
	return nil
}

func writeRecord(conn *websocket.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, append(payload, recordSeparator...))
}

type bingTurnResult struct {
	text         string
	attributions []markdown.Attribution
}

// readTurn consumes records until the type-2 final result arrives.
// Type-1 updates feed onProgress; type 3 closes the invocation.
func (c *BingClient) readTurn(ctx context.Context, conn *websocket.Conn, onProgress Progress) (*bingTurnResult, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	var final *bingTurnResult
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("bing backend: %w", ctx.Err())
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("bing backend: read: %w", err)
		}

		for _, chunk := range strings.Split(string(raw), recordSeparator) {
			if chunk == "" {
				continue
			}
			var record bingChatRecord
			if err := json.Unmarshal([]byte(chunk), &record); err != nil {
				continue
			}

			switch record.Type {
			case 1:
				if onProgress == nil || len(record.Arguments) == 0 || len(record.Arguments[0].Messages) == 0 {
					continue
				}
				if text := messageText(record.Arguments[0].Messages[0]); text != "" {
					onProgress(text)
				}
			case 2:
				if record.Item.Result.Value != "" && record.Item.Result.Value != "Success" {
					return nil, fmt.Errorf("bing backend: %s: %s", record.Item.Result.Value, record.Item.Result.Message)
				}
				msg, ok := lastBotMessage(record.Item.Messages)
				if !ok {
					return nil, errors.New("bing backend: no assistant message in result")
				}
				if msg.MessageType == "Disengaged" {
					return nil, errors.New("bing backend: conversation disengaged, start a new topic")
				}
				final = &bingTurnResult{text: messageText(msg)}
				for _, src := range msg.SourceAttributions {
					final.attributions = append(final.attributions, markdown.Attribution{
						Title: src.ProviderDisplayName,
						URL:   src.SeeMoreURL,
					})
				}
			case 3:
				if final == nil {
					return nil, errors.New("bing backend: stream ended without a result")
				}
				return final, nil
			case 7:
				return nil, fmt.Errorf("bing backend: %s", record.Error)
			}
		}
	}
}

func lastBotMessage(messages []bingWireMessage) (bingWireMessage, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Author == "bot" {
			return messages[i], true
		}
	}
	return bingWireMessage{}, false
}

// messageText prefers the adaptive card body, which carries the
// footnote markers the renderer expands, over the plain text field.
func messageText(m bingWireMessage) string {
	if len(m.AdaptiveCards) > 0 && len(m.AdaptiveCards[0].Body) > 0 && m.AdaptiveCards[0].Body[0].Text != "" {
		return m.AdaptiveCards[0].Body[0].Text
	}
	return m.Text
}

// ResetThread implements Client. Sessions are credentials in the
// cursor; dropping the cursor is the reset.
func (c *BingClient) ResetThread(ctx context.Context) error { return nil }

// RefreshSession implements Client. A fresh session is created on the
// next SendMessage with an empty cursor.
func (c *BingClient) RefreshSession(ctx context.Context) error { return nil }
