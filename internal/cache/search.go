package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-ingest/pkg/types"
)

const (
	defaultPageSize = 20
	maxPageSize     = 1000
	snippetLength   = 200
)

// SearchIndex is the FTS5-backed search index
type SearchIndex struct {
	cache  *Cache
	logger *logrus.Logger
}

// NewSearchIndex creates a new search index
func NewSearchIndex(cache *Cache, logger *logrus.Logger) *SearchIndex {
	return &SearchIndex{
		cache:  cache,
		logger: logger,
	}
}

// Index adds or replaces the search document for msg
func (s *SearchIndex) Index(ctx context.Context, msg *types.Message) error {
	recipients := make([]string, 0, len(msg.To)+len(msg.Cc)+len(msg.Bcc))
	recipients = append(recipients, msg.To...)
	recipients = append(recipients, msg.Cc...)
	recipients = append(recipients, msg.Bcc...)

	category := msg.Category
	if category == "" {
		category = types.CategoryUncategorized
	}

	query := `
		INSERT INTO search_documents (id, account_id, folder, subject, sender, recipients, body, date, category, is_read, is_flagged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			folder = excluded.folder,
			subject = excluded.subject,
			sender = excluded.sender,
			recipients = excluded.recipients,
			body = excluded.body,
			date = excluded.date,
			category = excluded.category,
			is_read = excluded.is_read,
			is_flagged = excluded.is_flagged
	`
	_, err := s.cache.DB().ExecContext(ctx, query,
		msg.ID,
		msg.AccountID,
		msg.Folder,
		msg.Subject,
		msg.From,
		strings.Join(recipients, " "),
		msg.Body,
		formatTime(msg.Date),
		string(category),
		boolInt(msg.IsRead),
		boolInt(msg.IsFlagged),
	)
	if err != nil {
		return fmt.Errorf("failed to index message: %w", err)
	}
	return nil
}

// UpdateField sets a single filterable field on an indexed document
func (s *SearchIndex) UpdateField(ctx context.Context, id, field string, value interface{}) error {
	var arg interface{}
	switch field {
	case "category":
		switch v := value.(type) {
		case types.Category:
			arg = string(v)
		case string:
			arg = v
		default:
			return fmt.Errorf("invalid value %T for field %s", value, field)
		}
	case "is_read", "is_flagged":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("invalid value %T for field %s", value, field)
		}
		arg = boolInt(b)
	case "folder":
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("invalid value %T for field %s", value, field)
		}
		arg = v
	default:
		return fmt.Errorf("field %q is not updatable", field)
	}

	// field is whitelisted above
	res, err := s.cache.DB().ExecContext(ctx,
		fmt.Sprintf("UPDATE search_documents SET %s = ? WHERE id = ?", field), arg, id)
	if err != nil {
		return fmt.Errorf("failed to update indexed %s: %w", field, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("indexed message %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// Delete removes a document from the index
func (s *SearchIndex) Delete(ctx context.Context, id string) error {
	if _, err := s.cache.DB().ExecContext(ctx, "DELETE FROM search_documents WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete indexed message: %w", err)
	}
	return nil
}

// Search returns one page of matching documents, newest first, plus the
// total number of matches. Pages start at 1.
func (s *SearchIndex) Search(ctx context.Context, filters types.SearchFilters, page, pageSize int) ([]types.MessageSummary, int, error) {
	var conditions []string
	var args []interface{}

	if filters.AccountID != "" {
		conditions = append(conditions, "d.account_id = ?")
		args = append(args, filters.AccountID)
	}
	if filters.Folder != "" {
		conditions = append(conditions, "d.folder = ?")
		args = append(args, filters.Folder)
	}
	if filters.Category != "" {
		conditions = append(conditions, "d.category = ?")
		args = append(args, string(filters.Category))
	}
	if filters.DateFrom != nil {
		conditions = append(conditions, "d.date >= ?")
		args = append(args, formatTime(*filters.DateFrom))
	}
	if filters.DateTo != nil {
		conditions = append(conditions, "d.date <= ?")
		args = append(args, formatTime(*filters.DateTo))
	}
	if filters.IsRead != nil {
		conditions = append(conditions, "d.is_read = ?")
		args = append(args, boolInt(*filters.IsRead))
	}
	if filters.IsFlagged != nil {
		conditions = append(conditions, "d.is_flagged = ?")
		args = append(args, boolInt(*filters.IsFlagged))
	}
	if match := ftsQuery(filters.Text); match != "" {
		conditions = append(conditions, "d.doc_id IN (SELECT rowid FROM search_fts WHERE search_fts MATCH ?)")
		args = append(args, match)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.cache.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM search_documents d "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count search results: %w", err)
	}

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	query := fmt.Sprintf(`
		SELECT d.id, d.account_id, d.folder, d.subject, d.sender, d.date, d.category, d.is_read, d.is_flagged, d.body
		FROM search_documents d
		%s
		ORDER BY d.date DESC, d.doc_id DESC
		LIMIT ? OFFSET ?
	`, whereClause)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.cache.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	results := []types.MessageSummary{}
	for rows.Next() {
		var (
			summary           types.MessageSummary
			date, category    string
			isRead, isFlagged int
			body              string
		)
		err := rows.Scan(
			&summary.ID,
			&summary.AccountID,
			&summary.Folder,
			&summary.Subject,
			&summary.From,
			&date,
			&category,
			&isRead,
			&isFlagged,
			&body,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan search result: %w", err)
		}

		if summary.Date, err = parseTime(date); err != nil {
			return nil, 0, err
		}
		summary.Category = types.Category(category)
		summary.IsRead = isRead == 1
		summary.IsFlagged = isFlagged == 1
		summary.Snippet = snippet(body, snippetLength)

		results = append(results, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate search results: %w", err)
	}

	return results, total, nil
}

// ftsQuery turns free text into an FTS5 query matching every term. Each term
// is quoted so operators and punctuation in user input are taken literally.
func ftsQuery(text string) string {
	terms := strings.Fields(text)
	for i, term := range terms {
		terms[i] = `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
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
