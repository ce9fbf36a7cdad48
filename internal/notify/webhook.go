// Package notify forwards tracked errors to an incoming-webhook endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Event describes one failed operation.
type Event struct {
	Operation   string    `json:"operation"`
	ErrorType   string    `json:"error_type"`
	Message     string    `json:"message"`
	UserID      string    `json:"user_id,omitempty"`
	Environment string    `json:"environment,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Notifier delivers Events somewhere a human will see them.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// webhookPayload is accepted by Slack-style incoming webhooks; the extra
// fields are ignored there and useful elsewhere.
type webhookPayload struct {
	Text  string `json:"text"`
	Event Event  `json:"event"`
}

// Webhook posts Events as JSON to a fixed URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook returns a Webhook for url. If client is nil, a client with a
// 10s timeout is used.
func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{url: url, client: client}
}

func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(webhookPayload{Text: summary(ev), Event: ev})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func summary(ev Event) string {
	s := fmt.Sprintf("Error in %s (%s): %s", ev.Operation, ev.ErrorType, ev.Message)
	if ev.UserID != "" {
		s += fmt.Sprintf(" [user %s]", ev.UserID)
	}
	if ev.Environment != "" {
		s += fmt.Sprintf(" [%s]", ev.Environment)
	}
	return s
}
