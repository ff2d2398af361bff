package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.StoreBackend)
	assert.Equal(t, BackendSQLite, cfg.SearchBackend)
	assert.Equal(t, "INBOX", cfg.Folder)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 30*24*time.Hour, cfg.BackfillWindow)
	assert.Empty(t, cfg.Accounts)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigAccounts(t *testing.T) {
	t.Setenv("ACCOUNT_1_EMAIL", "a@example.com")
	t.Setenv("ACCOUNT_1_PASSWORD", "secret")
	t.Setenv("ACCOUNT_1_IMAP_HOST", "imap.example.com")
	t.Setenv("ACCOUNT_2_EMAIL", "b@example.com")
	t.Setenv("ACCOUNT_2_PASSWORD", "secret")
	t.Setenv("ACCOUNT_2_IMAP_HOST", "localhost")
	t.Setenv("ACCOUNT_2_IMAP_PORT", "1143")
	t.Setenv("ACCOUNT_2_IMAP_SECURE", "false")
	t.Setenv("ACCOUNT_2_FOLDER", "Leads")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 2)

	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.AccountEmails())
	assert.Equal(t, 993, cfg.Accounts[0].IMAPPort)
	assert.True(t, cfg.Accounts[0].Secure)
	assert.Equal(t, 1143, cfg.Accounts[1].IMAPPort)
	assert.False(t, cfg.Accounts[1].Secure)
	assert.Equal(t, "Leads", cfg.Accounts[1].Folder)
}

func TestLoadConfigAccountMissingHost(t *testing.T) {
	t.Setenv("ACCOUNT_1_EMAIL", "a@example.com")
	t.Setenv("ACCOUNT_1_PASSWORD", "secret")

	_, err := LoadConfig()
	require.ErrorContains(t, err, "IMAP_HOST is required")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			StoreBackend:      BackendSQLite,
			CachePath:         "/tmp/mail.db",
			SearchBackend:     BackendSQLite,
			SearchResultLimit: 100,
			PollInterval:      time.Second,
			ReconnectDelay:    time.Second,
			BackfillWindow:    time.Hour,
			OperationTimeout:  time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown store", mutate: func(c *Config) { c.StoreBackend = "pg" }, wantErr: "unsupported STORE_BACKEND"},
		{name: "fts needs sqlite store", mutate: func(c *Config) { c.StoreBackend = BackendMongo; c.MongoURI = "mongodb://x" }, wantErr: "requires STORE_BACKEND sqlite"},
		{name: "mongo with elasticsearch", mutate: func(c *Config) {
			c.StoreBackend = BackendMongo
			c.MongoURI = "mongodb://x"
			c.SearchBackend = BackendElasticsearch
			c.Elasticsearch.URL = "http://es:9200"
		}},
		{name: "limit", mutate: func(c *Config) { c.SearchResultLimit = 0 }, wantErr: "SEARCH_RESULT_LIMIT"},
		{name: "poll", mutate: func(c *Config) { c.PollInterval = 0 }, wantErr: "POLL_INTERVAL_SECONDS"},
		{name: "slack half configured", mutate: func(c *Config) { c.Slack.Token = "xoxb" }, wantErr: "SLACK_BOT_TOKEN"},
		{name: "duplicate account", mutate: func(c *Config) {
			c.Accounts = []AccountConfig{
				{Email: "a@example.com", IMAPPort: 993},
				{Email: "A@example.com", IMAPPort: 993},
			}
		}, wantErr: "configured more than once"},
		{name: "bad port", mutate: func(c *Config) {
			c.Accounts = []AccountConfig{{Email: "a@example.com", IMAPPort: 0}}
		}, wantErr: "invalid IMAP_PORT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
