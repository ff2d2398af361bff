package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-ingest/internal/metrics"
	"github.com/brandon/mail-ingest/internal/notify"
	"github.com/brandon/mail-ingest/pkg/types"
)

// EventInterested is posted to every event sink for interested messages
const EventInterested = "email.interested"

const defaultStepTimeout = 30 * time.Second

// Enrichment steps, used as metric labels
const (
	StepIndex       = "index"
	StepCategorize  = "categorize"
	StepStore       = "store_category"
	StepIndexUpdate = "index_category"
	StepNotify      = "notify"
	StepEvent       = "event"
)

// Index keeps a searchable copy of stored messages
type Index interface {
	Index(ctx context.Context, msg *types.Message) error
	UpdateField(ctx context.Context, id, field string, value interface{}) error
}

// Categorizer suggests a category for a message
type Categorizer interface {
	Categorize(ctx context.Context, msg *types.Message) (*types.Suggestion, error)
}

// MessageUpdater persists the assigned category
type MessageUpdater interface {
	UpdateByID(ctx context.Context, id string, patch types.MessagePatch) (*types.Message, error)
}

// ChatNotifier posts a chat message
type ChatNotifier interface {
	Notify(ctx context.Context, channel, text string, attachments []notify.Attachment) error
}

// EventSink receives structured events
type EventSink interface {
	PostEvent(ctx context.Context, event string, data interface{}) error
}

// InterestedEvent is the payload of EventInterested
type InterestedEvent struct {
	EmailID    string  `json:"emailId"`
	MessageID  string  `json:"messageId"`
	AccountID  string  `json:"accountId"`
	From       string  `json:"from"`
	Subject    string  `json:"subject"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Config wires the pipeline's collaborators. Every collaborator is optional;
// steps without one are skipped.
type Config struct {
	Index       Index
	Categorizer Categorizer
	Messages    MessageUpdater
	Chat        ChatNotifier
	ChatChannel string
	Sinks       []EventSink
	StepTimeout time.Duration
}

// Pipeline indexes, categorizes and announces newly stored messages
type Pipeline struct {
	index       Index
	categorizer Categorizer
	messages    MessageUpdater
	chat        ChatNotifier
	channel     string
	sinks       []EventSink
	timeout     time.Duration
	logger      *logrus.Logger
}

// NewPipeline creates a pipeline
func NewPipeline(cfg Config, logger *logrus.Logger) *Pipeline {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	return &Pipeline{
		index:       cfg.Index,
		categorizer: cfg.Categorizer,
		messages:    cfg.Messages,
		chat:        cfg.Chat,
		channel:     cfg.ChatChannel,
		sinks:       cfg.Sinks,
		timeout:     cfg.StepTimeout,
		logger:      logger,
	}
}

// Enrich runs every step for msg. Failures are logged and counted, never
// returned; a failed step never undoes an earlier one.
func (p *Pipeline) Enrich(ctx context.Context, msg *types.Message) {
	log := p.logger.WithFields(logrus.Fields{
		"account_id": msg.AccountID,
		"message_id": msg.MessageID,
	})

	if p.index != nil {
		_ = p.step(ctx, log, StepIndex, func(ctx context.Context) error {
			return p.index.Index(ctx, msg)
		})
	}

	if p.categorizer == nil {
		return
	}

	var suggestion *types.Suggestion
	err := p.step(ctx, log, StepCategorize, func(ctx context.Context) error {
		s, err := p.categorizer.Categorize(ctx, msg)
		if err != nil {
			return err
		}
		if s == nil {
			return errors.New("categorizer returned no suggestion")
		}
		suggestion = s
		return nil
	})
	if err != nil {
		return
	}

	category := suggestion.Category
	metrics.MessagesCategorized.WithLabelValues(string(category)).Inc()
	log.WithFields(logrus.Fields{
		"category":   category,
		"confidence": suggestion.Confidence,
	}).Info("Categorized message")

	if p.messages != nil {
		_ = p.step(ctx, log, StepStore, func(ctx context.Context) error {
			_, err := p.messages.UpdateByID(ctx, msg.ID, types.MessagePatch{Category: &category})
			return err
		})
	}
	if p.index != nil {
		_ = p.step(ctx, log, StepIndexUpdate, func(ctx context.Context) error {
			return p.index.UpdateField(ctx, msg.ID, "category", string(category))
		})
	}

	if category != types.CategoryInterested {
		return
	}

	if p.chat != nil && p.channel != "" {
		text, attachments := chatMessage(msg, suggestion)
		_ = p.step(ctx, log, StepNotify, func(ctx context.Context) error {
			return p.chat.Notify(ctx, p.channel, text, attachments)
		})
	}

	event := InterestedEvent{
		EmailID:    msg.ID,
		MessageID:  msg.MessageID,
		AccountID:  msg.AccountID,
		From:       msg.From,
		Subject:    msg.Subject,
		Category:   string(category),
		Confidence: suggestion.Confidence,
		Reasoning:  suggestion.Reasoning,
	}
	for _, sink := range p.sinks {
		_ = p.step(ctx, log, StepEvent, func(ctx context.Context) error {
			return sink.PostEvent(ctx, EventInterested, event)
		})
	}
}

// step runs fn under its own timeout and records the outcome
func (p *Pipeline) step(ctx context.Context, log *logrus.Entry, name string, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := fn(stepCtx)
	metrics.EnrichmentDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.RecordEnrichmentFailure(name)
		log.WithError(err).WithField("step", name).Warn("Enrichment step failed")
	}
	return err
}

func chatMessage(msg *types.Message, s *types.Suggestion) (string, []notify.Attachment) {
	text := fmt.Sprintf("New interested email from %s: %s", msg.From, msg.Subject)
	attachments := []notify.Attachment{{
		Color: "good",
		Fields: []notify.AttachmentField{
			{Title: "From", Value: msg.From, Short: true},
			{Title: "Subject", Value: msg.Subject, Short: true},
			{Title: "AI Category", Value: string(s.Category), Short: true},
			{Title: "Confidence", Value: fmt.Sprintf("%.1f%%", s.Confidence*100), Short: true},
		},
	}}
	return text, attachments
}
