package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const userAgent = "mail-ingest/1.0"

// Envelope wraps every outbound event
type Envelope struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

func newEnvelope(event string, data interface{}, now time.Time) Envelope {
	return Envelope{
		Event:     event,
		Data:      data,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}

// Webhook posts events as JSON to a fixed URL
type Webhook struct {
	client *resty.Client
	url    string
	now    func() time.Time
}

// NewWebhook creates a webhook sink for url
func NewWebhook(url string) *Webhook {
	client := resty.New().
		SetTimeout(10*time.Second).
		SetHeader("User-Agent", userAgent).
		SetHeader("Content-Type", "application/json")
	return &Webhook{client: client, url: url, now: time.Now}
}

// PostEvent delivers one event. Any non-2xx response is an error.
func (w *Webhook) PostEvent(ctx context.Context, event string, data interface{}) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(newEnvelope(event, data, w.now())).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}
