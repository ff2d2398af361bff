package cache

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mail-ingest/pkg/types"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c, err := NewCache(filepath.Join(t.TempDir(), "mail.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAccountStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	store := NewAccountStore(c, c.logger)

	created, err := store.Insert(ctx, &types.Account{
		Email:    "a@example.com",
		Password: "secret",
		IMAPHost: "imap.example.com",
		IMAPPort: 993,
		Secure:   true,
		Active:   true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Nil(t, created.LastSync)

	_, err = store.Insert(ctx, &types.Account{Email: "b@example.com", IMAPHost: "h", IMAPPort: 143})
	require.NoError(t, err)

	all, err := store.Find(ctx, types.AccountFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := store.Find(ctx, types.AccountFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a@example.com", active[0].Email)
	assert.True(t, active[0].Secure)

	synced := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	inactive := false
	updated, err := store.UpdateByID(ctx, created.ID, types.AccountPatch{Active: &inactive, LastSync: &synced})
	require.NoError(t, err)
	assert.False(t, updated.Active)
	require.NotNil(t, updated.LastSync)
	assert.True(t, synced.Equal(*updated.LastSync))

	active, err = store.Find(ctx, types.AccountFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestAccountStoreDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	store := NewAccountStore(c, c.logger)

	_, err := store.Insert(ctx, &types.Account{Email: "a@example.com", IMAPHost: "h", IMAPPort: 993})
	require.NoError(t, err)

	_, err = store.Insert(ctx, &types.Account{Email: "a@example.com", IMAPHost: "h", IMAPPort: 993})
	require.ErrorIs(t, err, types.ErrDuplicate)
}

func TestAccountStoreNotFound(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	store := NewAccountStore(c, c.logger)

	_, err := store.FindByID(ctx, "missing")
	require.ErrorIs(t, err, types.ErrNotFound)

	active := true
	_, err = store.UpdateByID(ctx, "missing", types.AccountPatch{Active: &active})
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestMessageStoreInsertAndFind(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	store := NewMessageStore(c, c.logger)

	date := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	created, err := store.Insert(ctx, &types.Message{
		AccountID: "acc-1",
		MessageID: "<m1@example.com>",
		Subject:   "Hi",
		From:      "a@x.com",
		To:        []string{"b@x.com", "Team"},
		Date:      date,
		Body:      "test",
		Folder:    "INBOX",
	})
	require.NoError(t, err)
	assert.Equal(t, types.CategoryUncategorized, created.Category)

	got, err := store.FindByMessageID(ctx, "<m1@example.com>")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "Hi", got.Subject)
	assert.Equal(t, []string{"b@x.com", "Team"}, got.To)
	assert.Empty(t, got.Cc)
	assert.Empty(t, got.Labels)
	assert.True(t, date.Equal(got.Date))
	assert.False(t, got.IsRead)
	assert.False(t, got.IsFlagged)

	byID, err := store.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "<m1@example.com>", byID.MessageID)
}

func TestMessageStoreDuplicateMessageID(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	store := NewMessageStore(c, c.logger)

	msg := &types.Message{AccountID: "acc-1", MessageID: "<dup@example.com>", Date: time.Now()}
	_, err := store.Insert(ctx, msg)
	require.NoError(t, err)

	// A different account seeing the same message still collides.
	other := *msg
	other.AccountID = "acc-2"
	_, err = store.Insert(ctx, &other)
	require.ErrorIs(t, err, types.ErrDuplicate)
}

func TestMessageStoreUpdateCategory(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	store := NewMessageStore(c, c.logger)

	created, err := store.Insert(ctx, &types.Message{AccountID: "acc-1", MessageID: "<m@x>", Date: time.Now()})
	require.NoError(t, err)

	category := types.CategoryInterested
	read := true
	updated, err := store.UpdateByID(ctx, created.ID, types.MessagePatch{Category: &category, IsRead: &read})
	require.NoError(t, err)
	assert.Equal(t, types.CategoryInterested, updated.Category)
	assert.True(t, updated.IsRead)

	_, err = store.UpdateByID(ctx, "missing", types.MessagePatch{Category: &category})
	require.ErrorIs(t, err, types.ErrNotFound)

	_, err = store.FindByMessageID(ctx, "<nope>")
	require.ErrorIs(t, err, types.ErrNotFound)
}
