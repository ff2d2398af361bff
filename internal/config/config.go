package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage and search backends
const (
	BackendSQLite        = "sqlite"
	BackendMongo         = "mongo"
	BackendElasticsearch = "elasticsearch"
)

// Config holds the application configuration
type Config struct {
	// Storage settings
	StoreBackend  string
	CachePath     string
	MongoURI      string
	MongoDatabase string

	// Search settings
	SearchBackend     string
	SearchResultLimit int
	Elasticsearch     ElasticsearchConfig

	LogLevel    string
	MetricsAddr string

	// Ingestion timing
	Folder           string
	PollInterval     time.Duration
	ReconnectDelay   time.Duration
	BackfillWindow   time.Duration
	OperationTimeout time.Duration

	// Enrichment
	OpenAI   OpenAIConfig
	Slack    SlackConfig
	Webhook  string
	AMQPURL  string
	Exchange string

	// Seen cache
	RedisURL string
	DedupTTL time.Duration

	// Accounts seeded into the registry at startup
	Accounts []AccountConfig
}

// ElasticsearchConfig holds the remote search index settings
type ElasticsearchConfig struct {
	URL      string
	Index    string
	Username string
	Password string
}

// OpenAIConfig holds categorizer settings
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// SlackConfig holds chat notification settings
type SlackConfig struct {
	Token   string
	Channel string
}

// AccountConfig holds configuration for a single mailbox
type AccountConfig struct {
	Email    string
	Password string
	IMAPHost string
	IMAPPort int
	Secure   bool
	Folder   string
}

// LoadConfig loads configuration from environment variables. A .env file in
// the working directory is read first when present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		StoreBackend:      getEnv("STORE_BACKEND", BackendSQLite),
		CachePath:         getEnv("CACHE_PATH", "/data/mail.db"),
		MongoURI:          getEnv("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDatabase:     getEnv("MONGODB_DATABASE", "mail_ingest"),
		SearchBackend:     getEnv("SEARCH_BACKEND", BackendSQLite),
		SearchResultLimit: getEnvInt("SEARCH_RESULT_LIMIT", 100),
		Elasticsearch: ElasticsearchConfig{
			URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Index:    getEnv("ELASTICSEARCH_INDEX", "emails"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
		},
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		MetricsAddr:      getEnv("METRICS_ADDR", ":9090"),
		Folder:           getEnv("IMAP_FOLDER", "INBOX"),
		PollInterval:     time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 30)) * time.Second,
		ReconnectDelay:   time.Duration(getEnvInt("RECONNECT_DELAY_SECONDS", 10)) * time.Second,
		BackfillWindow:   time.Duration(getEnvInt("BACKFILL_DAYS", 30)) * 24 * time.Hour,
		OperationTimeout: time.Duration(getEnvInt("OPERATION_TIMEOUT_SECONDS", 60)) * time.Second,
		OpenAI: OpenAIConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			Model:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
		},
		Slack: SlackConfig{
			Token:   getEnv("SLACK_BOT_TOKEN", ""),
			Channel: getEnv("SLACK_CHANNEL_ID", ""),
		},
		Webhook:  getEnv("WEBHOOK_URL", ""),
		AMQPURL:  getEnv("AMQP_URL", ""),
		Exchange: getEnv("AMQP_EXCHANGE", "mail.events"),
		RedisURL: getEnv("REDIS_URL", ""),
		DedupTTL: time.Duration(getEnvInt("DEDUP_TTL_HOURS", 24*7)) * time.Hour,
	}

	accounts, err := loadAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	cfg.Accounts = accounts

	return cfg, nil
}

// loadAccounts loads seed accounts (ACCOUNT_1_*, ACCOUNT_2_*, etc.). The
// registry may already hold accounts, so an empty list is not an error.
func loadAccounts() ([]AccountConfig, error) {
	var accounts []AccountConfig
	for num := 1; ; num++ {
		prefix := fmt.Sprintf("ACCOUNT_%d_", num)
		if getEnv(prefix+"EMAIL", "") == "" {
			break
		}
		account, err := loadAccountByNumber(num)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, nil
}

// loadAccountByNumber loads an account by number
func loadAccountByNumber(num int) (*AccountConfig, error) {
	prefix := fmt.Sprintf("ACCOUNT_%d_", num)

	acc := &AccountConfig{
		Email:    getEnv(prefix+"EMAIL", ""),
		Password: getEnv(prefix+"PASSWORD", ""),
		IMAPHost: getEnv(prefix+"IMAP_HOST", ""),
		IMAPPort: getEnvInt(prefix+"IMAP_PORT", 993),
		Secure:   getEnvBool(prefix+"IMAP_SECURE", true),
		Folder:   getEnv(prefix+"FOLDER", ""),
	}

	if acc.IMAPHost == "" {
		return nil, fmt.Errorf("account %d: IMAP_HOST is required", num)
	}
	if acc.Password == "" {
		return nil, fmt.Errorf("account %d: PASSWORD is required", num)
	}

	return acc, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendSQLite:
		if c.CachePath == "" {
			return fmt.Errorf("CACHE_PATH is required")
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGODB_URI is required")
		}
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.SearchBackend {
	case BackendSQLite:
		if c.StoreBackend != BackendSQLite {
			return fmt.Errorf("SEARCH_BACKEND sqlite requires STORE_BACKEND sqlite")
		}
	case BackendElasticsearch:
		if c.Elasticsearch.URL == "" {
			return fmt.Errorf("ELASTICSEARCH_URL is required")
		}
	default:
		return fmt.Errorf("unsupported SEARCH_BACKEND %q", c.SearchBackend)
	}

	if c.SearchResultLimit < 1 || c.SearchResultLimit > 1000 {
		return fmt.Errorf("SEARCH_RESULT_LIMIT must be between 1 and 1000")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be positive")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY_SECONDS must be positive")
	}
	if c.BackfillWindow <= 0 {
		return fmt.Errorf("BACKFILL_DAYS must be positive")
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("OPERATION_TIMEOUT_SECONDS must be positive")
	}
	if (c.Slack.Token == "") != (c.Slack.Channel == "") {
		return fmt.Errorf("SLACK_BOT_TOKEN and SLACK_CHANNEL_ID must be set together")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid IMAP_PORT", acc.Email)
		}
		key := strings.ToLower(acc.Email)
		if seen[key] {
			return fmt.Errorf("account %s: configured more than once", acc.Email)
		}
		seen[key] = true
	}

	return nil
}

// AccountEmails returns the configured seed account addresses
func (c *Config) AccountEmails() []string {
	emails := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		emails[i] = c.Accounts[i].Email
	}
	return emails
}
