package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultSlackURL = "https://slack.com/api"

// Attachment is a legacy Slack message attachment
type Attachment struct {
	Color  string            `json:"color,omitempty"`
	Fields []AttachmentField `json:"fields,omitempty"`
}

// AttachmentField is one title/value pair of an Attachment
type AttachmentField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackMessage struct {
	Channel     string       `json:"channel"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Slack posts chat messages through the Slack Web API
type Slack struct {
	client *resty.Client
	token  string
}

// SlackOption configures a Slack notifier
type SlackOption func(*resty.Client)

// WithSlackURL overrides the Web API base URL
func WithSlackURL(url string) SlackOption {
	return func(c *resty.Client) {
		c.SetBaseURL(url)
	}
}

// NewSlack creates a Slack notifier authenticating with a bot token
func NewSlack(token string, opts ...SlackOption) *Slack {
	client := resty.New().
		SetBaseURL(defaultSlackURL).
		SetTimeout(10*time.Second).
		SetHeader("Accept", "application/json")
	for _, opt := range opts {
		opt(client)
	}
	return &Slack{client: client, token: token}
}

// Notify posts text with attachments to channel. A response with ok=false is
// an error.
func (s *Slack) Notify(ctx context.Context, channel, text string, attachments []Attachment) error {
	var result slackResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetAuthToken(s.token).
		SetHeader("Content-Type", "application/json; charset=utf-8").
		SetBody(slackMessage{Channel: channel, Text: text, Attachments: attachments}).
		SetResult(&result).
		Post("/chat.postMessage")
	if err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("slack returned status %d", resp.StatusCode())
	}
	if !result.OK {
		return fmt.Errorf("slack rejected message: %s", result.Error)
	}
	return nil
}
