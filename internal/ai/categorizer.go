package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/brandon/mail-ingest/pkg/types"
)

const (
	defaultModel      = "gpt-4o-mini"
	defaultConfidence = 0.5
	maxBodyChars      = 1000
)

const systemPrompt = "You are an assistant that categorizes emails based on their content and intent. " +
	"Analyze the email and decide which single category it best fits."

var jsonBlock = regexp.MustCompile(`\{[\s\S]*\}`)

// Config holds categorizer settings
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Categorizer asks a chat completion model to categorize messages
type Categorizer struct {
	client  *openai.Client
	model   string
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger
}

// NewCategorizer creates a categorizer. Calls go through a circuit breaker so
// an unavailable model fails fast.
func NewCategorizer(cfg Config, logger *logrus.Logger) *Categorizer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	settings := gobreaker.Settings{
		Name:        "categorizer",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &Categorizer{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// Categorize returns the model's category for msg
func (c *Categorizer) Categorize(ctx context.Context, msg *types.Message) (*types.Suggestion, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: buildPrompt(msg)},
			},
			Temperature: 0.3,
			MaxTokens:   200,
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, errors.New("no choices in completion")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to categorize message: %w", err)
	}

	suggestion, err := parseSuggestion(out.(string))
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"message_id": msg.MessageID,
		"category":   suggestion.Category,
		"confidence": suggestion.Confidence,
	}).Debug("Categorized message")
	return suggestion, nil
}

func buildPrompt(msg *types.Message) string {
	body := msg.Body
	if runes := []rune(body); len(runes) > maxBodyChars {
		body = string(runes[:maxBodyChars]) + "..."
	}

	var b strings.Builder
	b.WriteString("Categorize the following email into exactly one of these categories:\n")
	b.WriteString("- interested: shows genuine interest, asks questions, requests more information or shows buying intent\n")
	b.WriteString("- meeting_booked: explicitly schedules or confirms a meeting, call or appointment\n")
	b.WriteString("- not_interested: declines, asks to unsubscribe or responds negatively\n")
	b.WriteString("- spam: promotional, irrelevant or suspicious content\n")
	b.WriteString("- out_of_office: automated out-of-office or vacation reply\n\n")
	fmt.Fprintf(&b, "From: %s\nSubject: %s\nBody: %s\n\n", msg.From, msg.Subject, body)
	b.WriteString(`Respond with JSON only: {"category": "<category>", "confidence": <0-1>, "reasoning": "<brief explanation>"}`)
	return b.String()
}

type reply struct {
	Category   string      `json:"category"`
	Confidence interface{} `json:"confidence"`
	Reasoning  string      `json:"reasoning"`
}

// parseSuggestion reads the first JSON object in content. Replies without one
// are read as "key: value" lines. Confidence defaults to 0.5 and is clamped
// to [0, 1].
func parseSuggestion(content string) (*types.Suggestion, error) {
	var r reply
	if block := jsonBlock.FindString(content); block != "" {
		if err := json.Unmarshal([]byte(block), &r); err != nil {
			return nil, fmt.Errorf("failed to decode categorization reply: %w", err)
		}
	} else {
		r = parseLines(content)
	}

	category, err := types.ParseCategory(r.Category)
	if err != nil {
		return nil, fmt.Errorf("invalid categorization reply: %w", err)
	}

	return &types.Suggestion{
		Category:   category,
		Confidence: confidenceOf(r.Confidence),
		Reasoning:  strings.TrimSpace(r.Reasoning),
	}, nil
}

func parseLines(content string) reply {
	var r reply
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "category":
			r.Category = value
		case "confidence":
			r.Confidence = value
		case "reasoning":
			r.Reasoning = value
		}
	}
	return r
}

// confidenceOf accepts a number or a numeric string. Anything else, such as
// "high", falls back to the default.
func confidenceOf(v interface{}) float64 {
	var f float64
	switch c := v.(type) {
	case float64:
		f = c
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(c), 64)
		if err != nil {
			return defaultConfidence
		}
		f = parsed
	default:
		return defaultConfidence
	}
	return min(max(f, 0), 1)
}
