package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/brandon/mail-ingest/pkg/types"
)

// SearchEmailsTool searches indexed emails
type SearchEmailsTool struct {
	index Searcher
	limit int
}

// NewSearchEmailsTool creates a new search emails tool. limit is the default
// page size.
func NewSearchEmailsTool(index Searcher, limit int) *SearchEmailsTool {
	if limit <= 0 {
		limit = 100
	}
	return &SearchEmailsTool{index: index, limit: limit}
}

// Name returns the tool name
func (t *SearchEmailsTool) Name() string {
	return "search_emails"
}

// Description returns the tool description
func (t *SearchEmailsTool) Description() string {
	return "Search ingested emails by text, account, folder, category, read/flagged state and date range"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SearchEmailsTool) InputSchema() map[string]interface{} {
	categories := make([]string, len(types.Categories))
	for i, c := range types.Categories {
		categories[i] = string(c)
	}

	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Full-text query over subject, sender, recipients and body",
			},
			"account_id": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by account ID",
			},
			"folder": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by folder/mailbox",
			},
			"category": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by AI category",
				"enum":        categories,
			},
			"is_read": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: Filter by read state",
			},
			"is_flagged": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: Filter by flagged state",
			},
			"date_from": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Start date (ISO 8601 format)",
			},
			"date_to": map[string]interface{}{
				"type":        "string",
				"description": "Optional: End date (ISO 8601 format)",
			},
			"page": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: Page number, starting at 1",
				"minimum":     1,
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: Results per page (max: 1000)",
				"minimum":     1,
				"maximum":     1000,
			},
		},
	}
}

// Execute executes the tool
func (t *SearchEmailsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	filters := types.SearchFilters{
		AccountID: stringParam(params, "account_id"),
		Folder:    stringParam(params, "folder"),
		Text:      stringParam(params, "text"),
	}

	if raw := stringParam(params, "category"); raw != "" {
		category, err := types.ParseCategory(raw)
		if err != nil {
			return nil, err
		}
		filters.Category = category
	}

	var err error
	if filters.IsRead, err = boolParam(params, "is_read"); err != nil {
		return nil, err
	}
	if filters.IsFlagged, err = boolParam(params, "is_flagged"); err != nil {
		return nil, err
	}
	if filters.DateFrom, err = timeParam(params, "date_from"); err != nil {
		return nil, err
	}
	if filters.DateTo, err = timeParam(params, "date_to"); err != nil {
		return nil, err
	}

	page, _, err := intParam(params, "page")
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	limit, ok, err := intParam(params, "limit")
	if err != nil {
		return nil, err
	}
	if !ok || limit <= 0 {
		limit = t.limit
	}

	results, total, err := t.index.Search(ctx, filters, page, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}

	emailList := make([]map[string]interface{}, len(results))
	for i, r := range results {
		emailList[i] = map[string]interface{}{
			"id":         r.ID,
			"account_id": r.AccountID,
			"folder":     r.Folder,
			"subject":    r.Subject,
			"from":       r.From,
			"date":       r.Date.Format(time.RFC3339),
			"category":   string(r.Category),
			"is_read":    r.IsRead,
			"is_flagged": r.IsFlagged,
			"snippet":    r.Snippet,
		}
	}

	return map[string]interface{}{
		"total":   total,
		"page":    page,
		"limit":   limit,
		"results": emailList,
	}, nil
}
