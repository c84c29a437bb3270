package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Sink delivers one notification. Implementations must honor ctx.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// webhookPayload is the wire shape POSTed to the configured URL.
type webhookPayload struct {
	Title    string            `json:"title"`
	Text     string            `json:"text"`
	Level    string            `json:"level"`
	Priority int               `json:"priority"`
	Meta     map[string]string `json:"meta,omitempty"`
	At       time.Time         `json:"at"`
}

// WebhookSink POSTs notifications as JSON to a single URL. Any 2xx response
// counts as delivered.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) (*WebhookSink, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("webhook url is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (w *WebhookSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(webhookPayload{
		Title:    n.Title,
		Text:     n.Text,
		Level:    levelForPriority(n.Priority),
		Priority: n.Priority,
		Meta:     n.Meta,
		At:       time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
