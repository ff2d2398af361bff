package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-ingest/internal/ai"
	"github.com/brandon/mail-ingest/internal/cache"
	"github.com/brandon/mail-ingest/internal/config"
	"github.com/brandon/mail-ingest/internal/dedup"
	"github.com/brandon/mail-ingest/internal/email"
	"github.com/brandon/mail-ingest/internal/enrich"
	"github.com/brandon/mail-ingest/internal/mcp"
	"github.com/brandon/mail-ingest/internal/mongostore"
	"github.com/brandon/mail-ingest/internal/notify"
	"github.com/brandon/mail-ingest/internal/search"
	"github.com/brandon/mail-ingest/internal/tools"
	"github.com/brandon/mail-ingest/pkg/types"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
	mcpMode     = flag.Bool("mcp", false, "Serve operator tools over MCP stdio")
)

const shutdownTimeout = 15 * time.Second

// searchIndex is what the pipeline and tools need from the index
type searchIndex interface {
	enrich.Index
	tools.Searcher
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mail-ingest version %s\n", version)
		os.Exit(0)
	}

	// Set up logging. stdout carries the MCP protocol in -mcp mode.
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)
	if *mcpMode {
		logger.SetOutput(os.Stderr)
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Set log level
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithField("version", version).Info("Starting mail ingestion service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.WithError(err).Debug("Error releasing resource")
			}
		}
	}()

	registry, messages, index, err := openStorage(ctx, cfg, logger, &closers)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize storage")
	}

	pipeline := buildPipeline(cfg, index, messages, logger, &closers)

	deps := email.Deps{
		Registry: registry,
		Messages: messages,
		Enricher: pipeline,
		Dialer:   email.IMAPDialer(logger),
	}
	if cfg.RedisURL != "" {
		rdb, err := dedup.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("Seen cache disabled")
		} else {
			closers = append(closers, rdb)
			deps.Seen = dedup.NewSeenCache(rdb, cfg.DedupTTL, logger)
		}
	}

	coordinator, err := email.NewCoordinator(deps, email.Options{
		Folder:           cfg.Folder,
		PollInterval:     cfg.PollInterval,
		ReconnectDelay:   cfg.ReconnectDelay,
		BackfillWindow:   cfg.BackfillWindow,
		OperationTimeout: cfg.OperationTimeout,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create coordinator")
	}

	seedAccounts(ctx, cfg, registry, logger)

	metricsServer := serveMetrics(cfg.MetricsAddr, logger)

	if err := coordinator.Start(ctx); err != nil {
		// failed accounts keep retrying in the background
		logger.WithError(err).Warn("Some accounts failed their first sync")
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	if *mcpMode {
		server := mcp.NewServer(tools.NewRegistry(tools.Deps{
			Index:             index,
			Messages:          messages,
			Accounts:          coordinator,
			SearchResultLimit: cfg.SearchResultLimit,
		}, logger), version, logger)

		go func() {
			errChan <- server.Run(ctx)
		}()
	}

	// Wait for shutdown signal or the MCP client going away
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("MCP server error")
		} else {
			logger.Info("MCP client disconnected")
		}
	}

	logger.Info("Shutting down mail ingestion service")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()

	if err := coordinator.Stop(stopCtx); err != nil {
		logger.WithError(err).Warn("Coordinator did not stop cleanly")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(stopCtx); err != nil {
			logger.WithError(err).Warn("Metrics server did not stop cleanly")
		}
	}
	cancel()
}

// openStorage builds the account registry, message store and search index
// for the configured backends
func openStorage(ctx context.Context, cfg *config.Config, logger *logrus.Logger, closers *[]io.Closer) (email.AccountRegistry, email.MessageStore, searchIndex, error) {
	var (
		registry email.AccountRegistry
		messages email.MessageStore
		index    searchIndex
		sqlite   *cache.Cache
	)

	switch cfg.StoreBackend {
	case config.BackendMongo:
		client, err := mongostore.NewClient(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, nil, err
		}
		*closers = append(*closers, closerFunc(func() error {
			return client.Disconnect(context.Background())
		}))

		db := client.Database(cfg.MongoDatabase)
		if err := mongostore.EnsureIndexes(ctx, db); err != nil {
			return nil, nil, nil, err
		}
		registry = mongostore.NewAccountStore(db, logger)
		messages = mongostore.NewMessageStore(db, logger)

	default:
		c, err := cache.NewCache(cfg.CachePath, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		*closers = append(*closers, c)
		sqlite = c
		registry = cache.NewAccountStore(c, logger)
		messages = cache.NewMessageStore(c, logger)
	}

	switch cfg.SearchBackend {
	case config.BackendElasticsearch:
		es := search.NewElasticIndex(search.Config{
			URL:      cfg.Elasticsearch.URL,
			Index:    cfg.Elasticsearch.Index,
			Username: cfg.Elasticsearch.Username,
			Password: cfg.Elasticsearch.Password,
		}, logger)
		if err := es.EnsureIndex(ctx); err != nil {
			logger.WithError(err).Warn("Failed to prepare search index")
		}
		index = es

	default:
		// Validate requires the sqlite store for the sqlite index
		index = cache.NewSearchIndex(sqlite, logger)
	}

	logger.WithFields(logrus.Fields{
		"store":  cfg.StoreBackend,
		"search": cfg.SearchBackend,
	}).Info("Storage initialized")
	return registry, messages, index, nil
}

// buildPipeline wires the categorizer and whichever notification sinks are
// configured
func buildPipeline(cfg *config.Config, index searchIndex, messages email.MessageStore, logger *logrus.Logger, closers *[]io.Closer) *enrich.Pipeline {
	pc := enrich.Config{
		Index:       index,
		Messages:    messages,
		StepTimeout: cfg.OperationTimeout,
	}

	if cfg.OpenAI.APIKey != "" {
		pc.Categorizer = ai.NewCategorizer(ai.Config{
			APIKey:  cfg.OpenAI.APIKey,
			Model:   cfg.OpenAI.Model,
			BaseURL: cfg.OpenAI.BaseURL,
		}, logger)
	} else {
		logger.Info("OPENAI_API_KEY not set, categorization disabled")
	}

	if cfg.Slack.Token != "" {
		pc.Chat = notify.NewSlack(cfg.Slack.Token)
		pc.ChatChannel = cfg.Slack.Channel
	}
	if cfg.Webhook != "" {
		pc.Sinks = append(pc.Sinks, notify.NewWebhook(cfg.Webhook))
	}
	if cfg.AMQPURL != "" {
		publisher, err := notify.NewPublisher(cfg.AMQPURL, cfg.Exchange)
		if err != nil {
			logger.WithError(err).Warn("Event publishing disabled")
		} else {
			*closers = append(*closers, publisher)
			pc.Sinks = append(pc.Sinks, publisher)
		}
	}

	return enrich.NewPipeline(pc, logger)
}

// seedAccounts stores configured accounts. Accounts already registered are
// left untouched.
func seedAccounts(ctx context.Context, cfg *config.Config, registry email.AccountRegistry, logger *logrus.Logger) {
	for _, ac := range cfg.Accounts {
		_, err := registry.Insert(ctx, &types.Account{
			Email:    ac.Email,
			Password: ac.Password,
			IMAPHost: ac.IMAPHost,
			IMAPPort: ac.IMAPPort,
			Secure:   ac.Secure,
			Folder:   ac.Folder,
			Active:   true,
		})
		switch {
		case errors.Is(err, types.ErrDuplicate):
			logger.WithField("account", ac.Email).Debug("Account already registered")
		case err != nil:
			logger.WithError(err).WithField("account", ac.Email).Warn("Failed to register account")
		default:
			logger.WithField("account", ac.Email).Info("Registered account")
		}
	}
}

func serveMetrics(addr string, logger *logrus.Logger) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.WithField("addr", addr).Info("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()
	return srv
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
