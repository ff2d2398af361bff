package search

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-ingest/pkg/types"
)

const (
	defaultPageSize = 20
	maxPageSize     = 1000
	snippetLength   = 200
)

// updatable maps the fields callers may change to their document keys
var updatable = map[string]string{
	"category":   "category",
	"is_read":    "is_read",
	"is_flagged": "is_flagged",
	"folder":     "folder",
}

// Config holds Elasticsearch connection settings
type Config struct {
	URL      string
	Index    string
	Username string
	Password string
	Timeout  time.Duration
}

// ElasticIndex keeps message documents in an Elasticsearch compatible index
type ElasticIndex struct {
	client *resty.Client
	index  string
	logger *logrus.Logger
	now    func() time.Time
}

// NewElasticIndex creates an index client. It does not contact the server.
func NewElasticIndex(cfg Config, logger *logrus.Logger) *ElasticIndex {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if cfg.Username != "" {
		client.SetBasicAuth(cfg.Username, cfg.Password)
	}

	return &ElasticIndex{
		client: client,
		index:  cfg.Index,
		logger: logger,
		now:    time.Now,
	}
}

// EnsureIndex creates the index with keyword mappings for the filterable
// fields. An existing index is left alone.
func (e *ElasticIndex) EnsureIndex(ctx context.Context) error {
	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"id":         map[string]string{"type": "keyword"},
				"account_id": map[string]string{"type": "keyword"},
				"message_id": map[string]string{"type": "keyword"},
				"folder":     map[string]string{"type": "keyword"},
				"category":   map[string]string{"type": "keyword"},
				"is_read":    map[string]string{"type": "boolean"},
				"is_flagged": map[string]string{"type": "boolean"},
				"date":       map[string]string{"type": "date"},
				"subject":    map[string]string{"type": "text"},
				"from":       map[string]string{"type": "text"},
				"to":         map[string]string{"type": "text"},
				"body":       map[string]string{"type": "text"},
			},
		},
	}

	resp, err := e.client.R().SetContext(ctx).SetBody(mapping).Put("/" + e.index)
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", e.index, err)
	}
	if resp.StatusCode() == http.StatusBadRequest && strings.Contains(resp.String(), "resource_already_exists_exception") {
		return nil
	}
	if resp.IsError() {
		return statusError("create index", resp)
	}

	e.logger.WithField("index", e.index).Info("Created search index")
	return nil
}

// Index stores msg under its id, replacing any previous document
func (e *ElasticIndex) Index(ctx context.Context, msg *types.Message) error {
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(msg).
		Put(fmt.Sprintf("/%s/_doc/%s", e.index, msg.ID))
	if err != nil {
		return fmt.Errorf("failed to index message %s: %w", msg.ID, err)
	}
	if resp.IsError() {
		return statusError("index message", resp)
	}
	return nil
}

// UpdateField sets one field of an indexed document
func (e *ElasticIndex) UpdateField(ctx context.Context, id, field string, value interface{}) error {
	key, ok := updatable[field]
	if !ok {
		return fmt.Errorf("field %q is not updatable", field)
	}

	body := map[string]interface{}{
		"doc": map[string]interface{}{
			key:          value,
			"updated_at": e.now().UTC(),
		},
	}
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(fmt.Sprintf("/%s/_update/%s", e.index, id))
	if err != nil {
		return fmt.Errorf("failed to update indexed message %s: %w", id, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return types.ErrNotFound
	}
	if resp.IsError() {
		return statusError("update message", resp)
	}
	return nil
}

// Delete removes a document. Deleting a missing document is not an error.
func (e *ElasticIndex) Delete(ctx context.Context, id string) error {
	resp, err := e.client.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/%s/_doc/%s", e.index, id))
	if err != nil {
		return fmt.Errorf("failed to delete indexed message %s: %w", id, err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return statusError("delete message", resp)
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source types.Message `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search returns one page of matching documents, newest first, plus the
// total number of matches. Pages start at 1.
func (e *ElasticIndex) Search(ctx context.Context, filters types.SearchFilters, page, pageSize int) ([]types.MessageSummary, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	var result searchResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(buildQuery(filters, page, pageSize)).
		SetResult(&result).
		Post(fmt.Sprintf("/%s/_search", e.index))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search messages: %w", err)
	}
	if resp.IsError() {
		return nil, 0, statusError("search messages", resp)
	}

	summaries := make([]types.MessageSummary, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		msg := hit.Source
		summaries = append(summaries, types.MessageSummary{
			ID:        msg.ID,
			AccountID: msg.AccountID,
			Folder:    msg.Folder,
			Subject:   msg.Subject,
			From:      msg.From,
			Date:      msg.Date,
			Category:  msg.Category,
			IsRead:    msg.IsRead,
			IsFlagged: msg.IsFlagged,
			Snippet:   snippet(msg.Body, snippetLength),
		})
	}
	return summaries, result.Hits.Total.Value, nil
}

// buildQuery translates filters into a bool query sorted by date
func buildQuery(filters types.SearchFilters, page, pageSize int) map[string]interface{} {
	must := []interface{}{}

	if text := strings.TrimSpace(filters.Text); text != "" {
		must = append(must, map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":    text,
				"fields":   []string{"subject^2", "body", "from", "to"},
				"operator": "and",
			},
		})
	}

	term := func(field string, value interface{}) {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{field: value},
		})
	}
	if filters.AccountID != "" {
		term("account_id", filters.AccountID)
	}
	if filters.Folder != "" {
		term("folder", filters.Folder)
	}
	if filters.Category != "" {
		term("category", string(filters.Category))
	}
	if filters.IsRead != nil {
		term("is_read", *filters.IsRead)
	}
	if filters.IsFlagged != nil {
		term("is_flagged", *filters.IsFlagged)
	}

	if filters.DateFrom != nil || filters.DateTo != nil {
		dateRange := map[string]interface{}{}
		if filters.DateFrom != nil {
			dateRange["gte"] = filters.DateFrom.UTC().Format(time.RFC3339Nano)
		}
		if filters.DateTo != nil {
			dateRange["lte"] = filters.DateTo.UTC().Format(time.RFC3339Nano)
		}
		must = append(must, map[string]interface{}{
			"range": map[string]interface{}{"date": dateRange},
		})
	}

	return map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"must": must},
		},
		"sort": []interface{}{
			map[string]interface{}{"date": map[string]string{"order": "desc"}},
		},
		"from":             (page - 1) * pageSize,
		"size":             pageSize,
		"track_total_hits": true,
	}
}

func statusError(op string, resp *resty.Response) error {
	body := resp.String()
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Errorf("failed to %s: elasticsearch returned status %d: %s", op, resp.StatusCode(), body)
}

// snippet returns at most n runes of s, with an ellipsis when truncated
func snippet(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
