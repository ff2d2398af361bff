package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-ingest/pkg/types"
)

const accountColumns = `id, email, password, imap_host, imap_port, secure, folder, active, last_sync, created_at, updated_at`

// AccountStore is the SQLite account registry
type AccountStore struct {
	cache  *Cache
	logger *logrus.Logger
	now    func() time.Time
}

// NewAccountStore creates a new account registry
func NewAccountStore(cache *Cache, logger *logrus.Logger) *AccountStore {
	return &AccountStore{
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// Find returns accounts matching the filter, oldest first
func (s *AccountStore) Find(ctx context.Context, filter types.AccountFilter) ([]*types.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	if filter.ActiveOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.cache.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*types.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

// FindByID returns the account with the given id
func (s *AccountStore) FindByID(ctx context.Context, id string) (*types.Account, error) {
	row := s.cache.DB().QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, types.ErrNotFound)
	}
	return acc, err
}

// Insert stores a new account. The email address is unique.
func (s *AccountStore) Insert(ctx context.Context, acc *types.Account) (*types.Account, error) {
	stored := *acc
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := s.now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	_, err := s.cache.DB().ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID,
		strings.TrimSpace(stored.Email),
		stored.Password,
		stored.IMAPHost,
		stored.IMAPPort,
		boolInt(stored.Secure),
		stored.Folder,
		boolInt(stored.Active),
		nullTime(stored.LastSync),
		formatTime(stored.CreatedAt),
		formatTime(stored.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("account %s: %w", stored.Email, types.ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"account_id": stored.ID,
		"account":    stored.Email,
	}).Debug("Stored account")
	return &stored, nil
}

// UpdateByID applies patch and returns the updated account
func (s *AccountStore) UpdateByID(ctx context.Context, id string, patch types.AccountPatch) (*types.Account, error) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{formatTime(s.now())}

	if patch.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, boolInt(*patch.Active))
	}
	if patch.LastSync != nil {
		sets = append(sets, "last_sync = ?")
		args = append(args, formatTime(*patch.LastSync))
	}
	args = append(args, id)

	res, err := s.cache.DB().ExecContext(ctx,
		`UPDATE accounts SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("account %s: %w", id, types.ErrNotFound)
	}
	return s.FindByID(ctx, id)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*types.Account, error) {
	var (
		acc                  types.Account
		secure, active       int
		lastSync             sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&acc.ID,
		&acc.Email,
		&acc.Password,
		&acc.IMAPHost,
		&acc.IMAPPort,
		&secure,
		&acc.Folder,
		&active,
		&lastSync,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	acc.Secure = secure == 1
	acc.Active = active == 1
	if lastSync.Valid {
		t, err := parseTime(lastSync.String)
		if err != nil {
			return nil, err
		}
		acc.LastSync = &t
	}
	if acc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if acc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &acc, nil
}
