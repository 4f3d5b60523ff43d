package outcome

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramNotifier delivers outcome messages through the Telegram Bot API.
// Markdown parse mode keeps the calendar link clickable.
type TelegramNotifier struct {
	token   string
	baseURL string
	client  *http.Client
}

var _ Notifier = (*TelegramNotifier)(nil)

// TelegramOption configures a [TelegramNotifier].
type TelegramOption func(*TelegramNotifier)

// WithTelegramBaseURL overrides the API origin in tests.
func WithTelegramBaseURL(url string) TelegramOption {
	return func(n *TelegramNotifier) { n.baseURL = url }
}

// WithTelegramClient overrides the HTTP client.
func WithTelegramClient(c *http.Client) TelegramOption {
	return func(n *TelegramNotifier) { n.client = c }
}

// NewTelegramNotifier creates a notifier for the given bot token.
func NewTelegramNotifier(token string, opts ...TelegramOption) *TelegramNotifier {
	n := &TelegramNotifier{
		token:   token,
		baseURL: telegramAPIBase,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// SendMessage posts one message to the given chat.
func (n *TelegramNotifier) SendMessage(ctx context.Context, chatID, text string) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("outcome: telegram payload: %w", err)
	}

	url := n.baseURL + "/bot" + n.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("outcome: telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("outcome: telegram send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("outcome: telegram send: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
