package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brandon/mail-ingest/pkg/types"
)

// ConnectionStatusTool reports live IMAP sessions
type ConnectionStatusTool struct {
	accounts AccountManager
}

// NewConnectionStatusTool creates a new connection status tool
func NewConnectionStatusTool(accounts AccountManager) *ConnectionStatusTool {
	return &ConnectionStatusTool{accounts: accounts}
}

func (t *ConnectionStatusTool) Name() string { return "connection_status" }

func (t *ConnectionStatusTool) Description() string {
	return "List accounts with a live IMAP session, their state and last activity"
}

func (t *ConnectionStatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ConnectionStatusTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	statuses := t.accounts.ConnectionStatus()
	list := make([]map[string]interface{}, len(statuses))
	for i, s := range statuses {
		list[i] = map[string]interface{}{
			"account_id":    s.AccountID,
			"email":         s.Email,
			"connected":     s.Connected,
			"state":         s.State.String(),
			"last_activity": s.LastActivity.Format(time.RFC3339),
		}
	}
	return list, nil
}

// AddAccountTool registers a mailbox and starts ingesting it
type AddAccountTool struct {
	accounts AccountManager
}

// NewAddAccountTool creates a new add account tool
func NewAddAccountTool(accounts AccountManager) *AddAccountTool {
	return &AddAccountTool{accounts: accounts}
}

func (t *AddAccountTool) Name() string { return "add_account" }

func (t *AddAccountTool) Description() string {
	return "Register an IMAP account and start ingesting its mail"
}

func (t *AddAccountTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"email": map[string]interface{}{
				"type":        "string",
				"description": "Mailbox address, also used as the IMAP username",
			},
			"password": map[string]interface{}{
				"type":        "string",
				"description": "IMAP password or app password",
			},
			"imap_host": map[string]interface{}{
				"type":        "string",
				"description": "IMAP server hostname",
			},
			"imap_port": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: IMAP port (default: 993)",
			},
			"secure": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: Use TLS (default: true)",
			},
			"folder": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Folder to watch (default: INBOX)",
			},
		},
		"required": []string{"email", "password", "imap_host"},
	}
}

func (t *AddAccountTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	acc := &types.Account{
		Email:    stringParam(params, "email"),
		Password: stringParam(params, "password"),
		IMAPHost: stringParam(params, "imap_host"),
		IMAPPort: 993,
		Secure:   true,
		Folder:   stringParam(params, "folder"),
	}
	if acc.Email == "" || acc.Password == "" || acc.IMAPHost == "" {
		return nil, errors.New("email, password and imap_host are required")
	}

	port, ok, err := intParam(params, "imap_port")
	if err != nil {
		return nil, err
	}
	if ok {
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid imap_port: %d", port)
		}
		acc.IMAPPort = port
	}
	secure, err := boolParam(params, "secure")
	if err != nil {
		return nil, err
	}
	if secure != nil {
		acc.Secure = *secure
	}

	stored, err := t.accounts.AddAccount(ctx, acc)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"id":     stored.ID,
		"email":  stored.Email,
		"active": stored.Active,
	}, nil
}

// RemoveAccountTool stops ingesting an account and deactivates it
type RemoveAccountTool struct {
	accounts AccountManager
}

// NewRemoveAccountTool creates a new remove account tool
func NewRemoveAccountTool(accounts AccountManager) *RemoveAccountTool {
	return &RemoveAccountTool{accounts: accounts}
}

func (t *RemoveAccountTool) Name() string { return "remove_account" }

func (t *RemoveAccountTool) Description() string {
	return "Stop ingesting an account and mark it inactive; stored mail is kept"
}

func (t *RemoveAccountTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": map[string]interface{}{
				"type":        "string",
				"description": "Account ID (from add_account or connection_status)",
			},
		},
		"required": []string{"account_id"},
	}
}

func (t *RemoveAccountTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id := stringParam(params, "account_id")
	if id == "" {
		return nil, errors.New("account_id is required")
	}
	if err := t.accounts.RemoveAccount(ctx, id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id, "removed": true}, nil
}
