package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"github.com/kelpie-labs/kelpie/pkg/config"
	"github.com/kelpie-labs/kelpie/services/store"
)

const (
	chatBaseURL = "https://chat.openai.com/"

	promptSelector   = "#prompt-textarea"
	responseSelector = "div[data-message-author-role=assistant] div.markdown"

	// responseStableAfter is how long the last assistant node must stop
	// changing before we treat the answer as complete.
	responseStableAfter = 2 * time.Second
	responsePollEvery   = 500 * time.Millisecond
)

// BrowserClient drives the ChatGPT web UI through a real browser.
//
// This variant exists for accounts without API access. It keeps one
// page open; the web UI itself owns the conversation thread, so the
// cursor mostly mirrors what the page is showing. Turn ids are
// synthesized because the UI does not expose them.
type BrowserClient struct {
	cfg      *config.BrowserConfig
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	timeout  time.Duration
}

// NewBrowserClient prepares the client; the browser starts in Init.
func NewBrowserClient(cfg *config.BrowserConfig) (*BrowserClient, error) {
	if cfg.Email == "" || cfg.Password == "" {
		return nil, errors.New("browser backend: email and password are required")
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &BrowserClient{cfg: cfg, timeout: timeout}, nil
}

// Init launches the browser and opens the chat page. A persistent
// user-data directory carries the login session between runs; when the
// page lands on the login screen we bail out and ask the operator to
// complete the login once by hand (captchas make automated login a
// losing battle).
func (c *BrowserClient) Init(ctx context.Context) error {
	l := launcher.New().Headless(c.cfg.Headless).Leakless(true)
	if c.cfg.BinPath != "" {
		l = l.Bin(c.cfg.BinPath)
	}
	if c.cfg.UserDataDir != "" {
		l = l.UserDataDir(c.cfg.UserDataDir)
	}
	if c.cfg.ProxyServer != "" {
		l = l.Proxy(c.cfg.ProxyServer)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("browser backend: launch: %w", err)
	}
	c.launcher = l

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("browser backend: connect: %w", err)
	}
	c.browser = browser

	page, err := browser.Page(proto.TargetCreateTarget{URL: chatBaseURL})
	if err != nil {
		return fmt.Errorf("browser backend: open page: %w", err)
	}
	c.page = page

	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("browser backend: load chat page: %w", err)
	}
	if c.loginRequired() {
		return errors.New("browser backend: session expired, log in once manually in the user data dir profile")
	}

	slog.Info("browser backend session ready")
	return nil
}

func (c *BrowserClient) loginRequired() bool {
	info, err := c.page.Info()
	if err != nil {
		return false
	}
	return strings.Contains(info.URL, "auth") || strings.Contains(info.URL, "login")
}

// SendMessage implements Client.
//
// Types the prompt, submits it, then polls the newest assistant node
// until its text stops changing. Partial snapshots go to onProgress.
func (c *BrowserClient) SendMessage(ctx context.Context, text string, conv *store.ConversationContext, onProgress Progress) (*Response, error) {
	if c.page == nil {
		return nil, errors.New("browser backend: not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	page := c.page.Context(ctx)

	prompt, err := page.Element(promptSelector)
	if err != nil {
		return nil, fmt.Errorf("browser backend: prompt box: %w", err)
	}
	if err := prompt.Input(text); err != nil {
		return nil, fmt.Errorf("browser backend: type prompt: %w", err)
	}
	if err := prompt.Type(input.Enter); err != nil {
		return nil, fmt.Errorf("browser backend: submit prompt: %w", err)
	}

	var lastText string
	lastChange := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("browser backend: %w", ctx.Err())
		case <-time.After(responsePollEvery):
		}

		elements, err := page.Elements(responseSelector)
		if err != nil || len(elements) == 0 {
			continue
		}
		current, err := elements[len(elements)-1].Text()
		if err != nil {
			continue
		}
		if current != lastText {
			lastText = current
			lastChange = time.Now()
			if onProgress != nil && current != "" {
				onProgress(current)
			}
			continue
		}
		if lastText != "" && time.Since(lastChange) >= responseStableAfter {
			break
		}
	}

	conversationID := c.conversationIDFromURL()
	if conversationID == "" && conv != nil {
		conversationID = conv.ConversationID
	}
	return &Response{
		Text:           lastText,
		ConversationID: conversationID,
		MessageID:      uuid.NewString(),
	}, nil
}

// conversationIDFromURL extracts the /c/<id> segment the web UI puts
// in the address bar once a thread exists.
func (c *BrowserClient) conversationIDFromURL() string {
	info, err := c.page.Info()
	if err != nil {
		return ""
	}
	idx := strings.Index(info.URL, "/c/")
	if idx < 0 {
		return ""
	}
	id := info.URL[idx+len("/c/"):]
	if cut := strings.IndexAny(id, "/?#"); cut >= 0 {
		id = id[:cut]
	}
	return id
}

// ResetThread implements Client: clicks through to a fresh thread.
func (c *BrowserClient) ResetThread(ctx context.Context) error {
	if c.page == nil {
		return errors.New("browser backend: not initialized")
	}
	page := c.page.Context(ctx)
	if err := page.Navigate(chatBaseURL); err != nil {
		return fmt.Errorf("browser backend: reset thread: %w", err)
	}
	return page.WaitLoad()
}

// RefreshSession implements Client: reloads the page to renew tokens.
func (c *BrowserClient) RefreshSession(ctx context.Context) error {
	if c.page == nil {
		return errors.New("browser backend: not initialized")
	}
	page := c.page.Context(ctx)
	if err := page.Navigate(chatBaseURL); err != nil {
		return fmt.Errorf("browser backend: refresh session: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("browser backend: refresh session: %w", err)
	}
	if c.loginRequired() {
		return errors.New("browser backend: session expired, manual login required")
	}
	return nil
}

// Close shuts the browser down.
func (c *BrowserClient) Close() error {
	if c.browser != nil {
		if err := c.browser.Close(); err != nil {
			return fmt.Errorf("browser backend: close: %w", err)
		}
	}
	if c.launcher != nil {
		c.launcher.Cleanup()
	}
	return nil
}
