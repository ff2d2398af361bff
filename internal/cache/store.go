package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-ingest/pkg/types"
)

const messageColumns = `id, account_id, message_id, subject, from_addr, to_addrs, cc_addrs, bcc_addrs, date, body, html_body, folder, is_read, is_flagged, labels, category, created_at, updated_at`

// MessageStore provides methods for storing and retrieving messages
type MessageStore struct {
	cache  *Cache
	logger *logrus.Logger
	now    func() time.Time
}

// NewMessageStore creates a new message store
func NewMessageStore(cache *Cache, logger *logrus.Logger) *MessageStore {
	return &MessageStore{
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// FindByMessageID returns the message with the given protocol Message-ID
func (s *MessageStore) FindByMessageID(ctx context.Context, messageID string) (*types.Message, error) {
	row := s.cache.DB().QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", messageID, types.ErrNotFound)
	}
	return msg, err
}

// FindByID returns the message with the given id
func (s *MessageStore) FindByID(ctx context.Context, id string) (*types.Message, error) {
	row := s.cache.DB().QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, types.ErrNotFound)
	}
	return msg, err
}

// Insert stores a new message. A second message with the same Message-ID
// fails with types.ErrDuplicate.
func (s *MessageStore) Insert(ctx context.Context, msg *types.Message) (*types.Message, error) {
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Category == "" {
		stored.Category = types.CategoryUncategorized
	}
	now := s.now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	to, err := marshalJSON(stored.To)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal recipients: %w", err)
	}
	cc, err := marshalJSON(stored.Cc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cc: %w", err)
	}
	bcc, err := marshalJSON(stored.Bcc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bcc: %w", err)
	}
	labels, err := marshalJSON(stored.Labels)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal labels: %w", err)
	}

	_, err = s.cache.DB().ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID,
		stored.AccountID,
		stored.MessageID,
		stored.Subject,
		stored.From,
		to,
		cc,
		bcc,
		formatTime(stored.Date),
		stored.Body,
		stored.HTMLBody,
		stored.Folder,
		boolInt(stored.IsRead),
		boolInt(stored.IsFlagged),
		labels,
		string(stored.Category),
		formatTime(stored.CreatedAt),
		formatTime(stored.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("message %s: %w", stored.MessageID, types.ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	return &stored, nil
}

// UpdateByID applies patch and returns the updated message
func (s *MessageStore) UpdateByID(ctx context.Context, id string, patch types.MessagePatch) (*types.Message, error) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{formatTime(s.now())}

	if patch.Category != nil {
		sets = append(sets, "category = ?")
		args = append(args, string(*patch.Category))
	}
	if patch.IsRead != nil {
		sets = append(sets, "is_read = ?")
		args = append(args, boolInt(*patch.IsRead))
	}
	if patch.IsFlagged != nil {
		sets = append(sets, "is_flagged = ?")
		args = append(args, boolInt(*patch.IsFlagged))
	}
	args = append(args, id)

	res, err := s.cache.DB().ExecContext(ctx,
		`UPDATE messages SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("message %s: %w", id, types.ErrNotFound)
	}
	return s.FindByID(ctx, id)
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var (
		msg                        types.Message
		to, cc, bcc, labels        string
		date, createdAt, updatedAt string
		isRead, isFlagged          int
		category                   string
	)
	err := row.Scan(
		&msg.ID,
		&msg.AccountID,
		&msg.MessageID,
		&msg.Subject,
		&msg.From,
		&to,
		&cc,
		&bcc,
		&date,
		&msg.Body,
		&msg.HTMLBody,
		&msg.Folder,
		&isRead,
		&isFlagged,
		&labels,
		&category,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	msg.IsRead = isRead == 1
	msg.IsFlagged = isFlagged == 1
	msg.Category = types.Category(category)

	// Deserialize JSON fields
	if err := json.Unmarshal([]byte(to), &msg.To); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipients: %w", err)
	}
	if err := json.Unmarshal([]byte(cc), &msg.Cc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cc: %w", err)
	}
	if err := json.Unmarshal([]byte(bcc), &msg.Bcc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bcc: %w", err)
	}
	if err := json.Unmarshal([]byte(labels), &msg.Labels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
	}

	if msg.Date, err = parseTime(date); err != nil {
		return nil, err
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if msg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &msg, nil
}

// marshalJSON encodes v, storing nil slices as empty arrays
func marshalJSON[T any](v []T) (string, error) {
	if v == nil {
		v = []T{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
