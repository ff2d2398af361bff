package tools

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mail-ingest/internal/email"
	"github.com/brandon/mail-ingest/pkg/types"
)

type fakeIndex struct {
	filters  types.SearchFilters
	page     int
	pageSize int
	results  []types.MessageSummary
	total    int
}

func (f *fakeIndex) Search(ctx context.Context, filters types.SearchFilters, page, pageSize int) ([]types.MessageSummary, int, error) {
	f.filters, f.page, f.pageSize = filters, page, pageSize
	return f.results, f.total, nil
}

type fakeMessages map[string]*types.Message

func (f fakeMessages) FindByID(ctx context.Context, id string) (*types.Message, error) {
	msg, ok := f[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return msg, nil
}

type fakeAccounts struct {
	added    *types.Account
	removed  string
	addErr   error
	statuses []email.ConnectionStatus
}

func (f *fakeAccounts) AddAccount(ctx context.Context, acc *types.Account) (*types.Account, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.added = acc
	stored := *acc
	stored.ID = "acc-1"
	stored.Active = true
	return &stored, nil
}

func (f *fakeAccounts) RemoveAccount(ctx context.Context, id string) error {
	if id != "acc-1" {
		return types.ErrNotFound
	}
	f.removed = id
	return nil
}

func (f *fakeAccounts) ConnectionStatus() []email.ConnectionStatus {
	return f.statuses
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestRegistryRegistersAvailableTools(t *testing.T) {
	reg := NewRegistry(Deps{Index: &fakeIndex{}, Messages: fakeMessages{}, Accounts: &fakeAccounts{}}, quietLogger())

	var names []string
	for _, def := range reg.GetToolDefinitions() {
		names = append(names, def["name"].(string))
		assert.NotEmpty(t, def["description"])
		assert.NotNil(t, def["inputSchema"])
	}
	assert.Equal(t, []string{"add_account", "connection_status", "get_email", "remove_account", "search_emails"}, names)

	partial := NewRegistry(Deps{Messages: fakeMessages{}}, quietLogger())
	_, ok := partial.GetTool("search_emails")
	assert.False(t, ok)
	_, ok = partial.GetTool("get_email")
	assert.True(t, ok)
}

func TestSearchEmailsTool(t *testing.T) {
	date := time.Date(2024, 5, 30, 10, 0, 0, 0, time.UTC)
	index := &fakeIndex{
		total: 3,
		results: []types.MessageSummary{{
			ID: "msg-1", Subject: "Pricing", From: "a@x.com", Date: date, Category: types.CategoryInterested,
		}},
	}
	tool := NewSearchEmailsTool(index, 50)

	out, err := tool.Execute(context.Background(), map[string]interface{}{
		"text":      "pricing",
		"category":  "Interested",
		"is_read":   false,
		"date_from": "2024-05-01T00:00:00Z",
		"page":      float64(2),
	})
	require.NoError(t, err)

	assert.Equal(t, "pricing", index.filters.Text)
	assert.Equal(t, types.CategoryInterested, index.filters.Category)
	require.NotNil(t, index.filters.IsRead)
	assert.False(t, *index.filters.IsRead)
	require.NotNil(t, index.filters.DateFrom)
	assert.Nil(t, index.filters.IsFlagged)
	assert.Equal(t, 2, index.page)
	assert.Equal(t, 50, index.pageSize)

	result := out.(map[string]interface{})
	assert.Equal(t, 3, result["total"])
	list := result["results"].([]map[string]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "2024-05-30T10:00:00Z", list[0]["date"])
	assert.Equal(t, "interested", list[0]["category"])
}

func TestSearchEmailsToolInvalidParams(t *testing.T) {
	tool := NewSearchEmailsTool(&fakeIndex{}, 0)
	ctx := context.Background()

	_, err := tool.Execute(ctx, map[string]interface{}{"category": "hot"})
	require.Error(t, err)
	_, err = tool.Execute(ctx, map[string]interface{}{"date_to": "yesterday"})
	require.ErrorContains(t, err, "invalid date_to")
	_, err = tool.Execute(ctx, map[string]interface{}{"limit": "many"})
	require.ErrorContains(t, err, "invalid limit")
	_, err = tool.Execute(ctx, map[string]interface{}{"is_flagged": 3.0})
	require.ErrorContains(t, err, "invalid is_flagged")
}

func TestGetEmailTool(t *testing.T) {
	tool := NewGetEmailTool(fakeMessages{
		"msg-1": {ID: "msg-1", MessageID: "<m1@x>", Subject: "Hi", Body: "test", Category: types.CategorySpam},
	})
	ctx := context.Background()

	out, err := tool.Execute(ctx, map[string]interface{}{"email_id": "msg-1"})
	require.NoError(t, err)
	result := out.(map[string]interface{})
	assert.Equal(t, "<m1@x>", result["message_id"])
	assert.Equal(t, "test", result["body_text"])
	assert.Equal(t, "spam", result["category"])

	_, err = tool.Execute(ctx, map[string]interface{}{"email_id": "missing"})
	require.ErrorIs(t, err, types.ErrNotFound)

	_, err = tool.Execute(ctx, map[string]interface{}{})
	require.ErrorContains(t, err, "email_id is required")
}

func TestAddAccountTool(t *testing.T) {
	accounts := &fakeAccounts{}
	tool := NewAddAccountTool(accounts)

	out, err := tool.Execute(context.Background(), map[string]interface{}{
		"email":     "me@x.com",
		"password":  "pw",
		"imap_host": "imap.x.com",
		"imap_port": float64(143),
		"secure":    false,
	})
	require.NoError(t, err)

	assert.Equal(t, 143, accounts.added.IMAPPort)
	assert.False(t, accounts.added.Secure)
	assert.Equal(t, map[string]interface{}{"id": "acc-1", "email": "me@x.com", "active": true}, out)
}

func TestAddAccountToolValidation(t *testing.T) {
	accounts := &fakeAccounts{}
	tool := NewAddAccountTool(accounts)
	ctx := context.Background()

	_, err := tool.Execute(ctx, map[string]interface{}{"email": "me@x.com"})
	require.ErrorContains(t, err, "required")

	_, err = tool.Execute(ctx, map[string]interface{}{
		"email": "me@x.com", "password": "pw", "imap_host": "h", "imap_port": float64(70000),
	})
	require.ErrorContains(t, err, "invalid imap_port")

	accounts.addErr = types.ErrDuplicate
	_, err = tool.Execute(ctx, map[string]interface{}{"email": "me@x.com", "password": "pw", "imap_host": "h"})
	require.ErrorIs(t, err, types.ErrDuplicate)
}

func TestRemoveAccountTool(t *testing.T) {
	accounts := &fakeAccounts{}
	tool := NewRemoveAccountTool(accounts)

	_, err := tool.Execute(context.Background(), map[string]interface{}{"account_id": "acc-1"})
	require.NoError(t, err)
	assert.Equal(t, "acc-1", accounts.removed)

	_, err = tool.Execute(context.Background(), map[string]interface{}{"account_id": "acc-9"})
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestConnectionStatusTool(t *testing.T) {
	last := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tool := NewConnectionStatusTool(&fakeAccounts{statuses: []email.ConnectionStatus{{
		AccountID: "acc-1", Email: "me@x.com", Connected: true, State: email.StateWatching, LastActivity: last,
	}}})

	out, err := tool.Execute(context.Background(), nil)
	require.NoError(t, err)
	list := out.([]map[string]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "watching", list[0]["state"])
	assert.Equal(t, true, list[0]["connected"])
	assert.Equal(t, "2024-06-01T12:00:00Z", list[0]["last_activity"])
}
