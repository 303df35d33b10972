package pub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const webhookTimeout = 10 * time.Second

// Webhook request headers.
const (
	EventHeader = "X-Guildsync-Event"
	TokenHeader = "X-Guildsync-Token"
)

// Webhook POSTs notifications to the bot's callback URL. Any non-2xx answer is a failed
// delivery.
type Webhook struct {
	url    string
	secret string
	cli    *http.Client
}

// NewWebhook sends to url. A non-empty secret is passed in the TokenHeader header.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{url: url, secret: secret, cli: &http.Client{Timeout: webhookTimeout}}
}

// PublishRaw ignores topic: the callback URL is fixed at construction.
func (w *Webhook) PublishRaw(ctx context.Context, topic string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, EventType)
	if w.secret != "" {
		req.Header.Set(TokenHeader, w.secret)
	}
	resp, err := w.cli.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s answered %s", w.url, resp.Status)
	}
	return nil
}
