package tools

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// GetEmailTool retrieves a full stored email by ID
type GetEmailTool struct {
	messages MessageReader
}

// NewGetEmailTool creates a new get email tool
func NewGetEmailTool(messages MessageReader) *GetEmailTool {
	return &GetEmailTool{messages: messages}
}

// Name returns the tool name
func (t *GetEmailTool) Name() string {
	return "get_email"
}

// Description returns the tool description
func (t *GetEmailTool) Description() string {
	return "Retrieve a full stored email by ID"
}

// InputSchema returns the JSON schema for tool inputs
func (t *GetEmailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"email_id": map[string]interface{}{
				"type":        "string",
				"description": "Email ID (from search results)",
			},
		},
		"required": []string{"email_id"},
	}
}

// Execute executes the tool
func (t *GetEmailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	emailID := stringParam(params, "email_id")
	if emailID == "" {
		return nil, errors.New("email_id is required")
	}

	msg, err := t.messages.FindByID(ctx, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}

	result := map[string]interface{}{
		"id":         msg.ID,
		"account_id": msg.AccountID,
		"message_id": msg.MessageID,
		"folder":     msg.Folder,
		"subject":    msg.Subject,
		"from":       msg.From,
		"to":         msg.To,
		"cc":         msg.Cc,
		"bcc":        msg.Bcc,
		"date":       msg.Date.Format(time.RFC3339),
		"body_text":  msg.Body,
		"body_html":  msg.HTMLBody,
		"is_read":    msg.IsRead,
		"is_flagged": msg.IsFlagged,
		"labels":     msg.Labels,
		"category":   string(msg.Category),
		"created_at": msg.CreatedAt.Format(time.RFC3339),
	}

	return result, nil
}
