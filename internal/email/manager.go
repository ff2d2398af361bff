package email

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-ingest/internal/metrics"
	"github.com/brandon/mail-ingest/pkg/types"
)

// AccountRegistry is the durable store of mailbox accounts
type AccountRegistry interface {
	Find(ctx context.Context, filter types.AccountFilter) ([]*types.Account, error)
	FindByID(ctx context.Context, id string) (*types.Account, error)
	Insert(ctx context.Context, acc *types.Account) (*types.Account, error)
	UpdateByID(ctx context.Context, id string, patch types.AccountPatch) (*types.Account, error)
}

// MessageStore is the durable store of ingested messages
type MessageStore interface {
	FindByMessageID(ctx context.Context, messageID string) (*types.Message, error)
	FindByID(ctx context.Context, id string) (*types.Message, error)
	Insert(ctx context.Context, msg *types.Message) (*types.Message, error)
	UpdateByID(ctx context.Context, id string, patch types.MessagePatch) (*types.Message, error)
}

// Enricher receives every newly stored message. It must not fail the caller.
type Enricher interface {
	Enrich(ctx context.Context, msg *types.Message)
}

// SeenCache is an optional fast path in front of the store lookup
type SeenCache interface {
	Seen(ctx context.Context, messageID string) bool
	MarkSeen(ctx context.Context, messageID string)
}

// Options tunes the coordinator
type Options struct {
	Folder           string
	PollInterval     time.Duration
	ReconnectDelay   time.Duration
	BackfillWindow   time.Duration
	OperationTimeout time.Duration
	FetchBatchSize   int
	Now              func() time.Time
}

func (o *Options) setDefaults() {
	if o.Folder == "" {
		o.Folder = "INBOX"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 10 * time.Second
	}
	if o.BackfillWindow <= 0 {
		o.BackfillWindow = 30 * 24 * time.Hour
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 60 * time.Second
	}
	if o.FetchBatchSize <= 0 {
		o.FetchBatchSize = 50
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Deps are the collaborators of the coordinator. Seen and Enricher are optional.
type Deps struct {
	Registry AccountRegistry
	Messages MessageStore
	Enricher Enricher
	Dialer   Dialer
	Seen     SeenCache
}

type messageParser interface {
	Parse(raw []byte) (*types.Message, error)
}

// Coordinator owns one worker per active account and the live sessions they
// hold. The worker map is its only shared mutable state.
type Coordinator struct {
	registry AccountRegistry
	messages MessageStore
	enricher Enricher
	dial     Dialer
	seen     SeenCache
	parser   messageParser
	opts     Options
	logger   *logrus.Logger

	mu        sync.Mutex
	running   bool
	cancelAll context.CancelFunc
	baseCtx   context.Context
	workers   map[string]*worker
}

// NewCoordinator creates a stopped coordinator
func NewCoordinator(deps Deps, opts Options, logger *logrus.Logger) (*Coordinator, error) {
	if deps.Registry == nil {
		return nil, errors.New("account registry is required")
	}
	if deps.Messages == nil {
		return nil, errors.New("message store is required")
	}
	if deps.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	opts.setDefaults()

	return &Coordinator{
		registry: deps.Registry,
		messages: deps.Messages,
		enricher: deps.Enricher,
		dial:     deps.Dialer,
		seen:     deps.Seen,
		parser:   NewParser(opts.Now),
		opts:     opts,
		logger:   logger,
		workers:  make(map[string]*worker),
	}, nil
}

// Start connects every active account and waits for each account's first
// connect and backfill attempt. Failed accounts are reported as joined
// *AccountError values and keep retrying in the background. Calling Start on a
// running coordinator does nothing.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Info("Ingestion already running")
		return nil
	}
	c.running = true
	// Workers outlive the Start call
	c.baseCtx, c.cancelAll = context.WithCancel(context.Background())
	c.mu.Unlock()

	accounts, err := c.registry.Find(ctx, types.AccountFilter{ActiveOnly: true})
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.cancelAll()
		c.mu.Unlock()
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	c.logger.WithField("accounts", len(accounts)).Info("Starting ingestion")

	var pending []<-chan error
	for _, acc := range accounts {
		if ready := c.spawn(acc); ready != nil {
			pending = append(pending, ready)
		}
	}

	var errs []error
	for _, ready := range pending {
		select {
		case err := <-ready:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		}
	}

	if len(errs) > 0 {
		c.logger.WithField("failed", len(errs)).Warn("Some accounts failed to start, retrying in background")
	}
	return errors.Join(errs...)
}

// Stop closes every session and waits for the account workers to exit.
// Calling Stop on a stopped coordinator does nothing.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	workers := c.workers
	c.workers = make(map[string]*worker)

	var transports []Transport
	for _, w := range workers {
		w.cancel()
		if w.session != nil {
			transports = append(transports, w.session.stop())
			w.session = nil
		}
		w.state = StateClosed
	}
	c.cancelAll()
	c.recordStatesLocked()
	c.mu.Unlock()

	for _, t := range transports {
		if err := t.Close(); err != nil {
			c.logger.WithError(err).Debug("Error closing transport")
		}
	}

	for _, w := range workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for account workers: %w", ctx.Err())
		}
	}

	c.logger.WithField("accounts", len(workers)).Info("Ingestion stopped")
	return nil
}

// AddAccount stores a new active account and, if the coordinator is running,
// starts its worker.
func (c *Coordinator) AddAccount(ctx context.Context, acc *types.Account) (*types.Account, error) {
	if acc == nil {
		return nil, errors.New("account is required")
	}
	candidate := *acc
	candidate.Active = true

	stored, err := c.registry.Insert(ctx, &candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to add account %s: %w", acc.Email, err)
	}

	c.logger.WithFields(logrus.Fields{
		"account_id": stored.ID,
		"account":    stored.Email,
	}).Info("Account added")

	c.spawn(stored)
	return stored, nil
}

// RemoveAccount stops the account's worker, closes its session if any and
// marks it inactive. It succeeds when no session exists.
func (c *Coordinator) RemoveAccount(ctx context.Context, id string) error {
	c.mu.Lock()
	w := c.workers[id]
	var transport Transport
	if w != nil {
		delete(c.workers, id)
		w.cancel()
		if w.session != nil {
			transport = w.session.stop()
			w.session = nil
		}
		w.state = StateClosed
		c.recordStatesLocked()
	}
	c.mu.Unlock()

	if transport != nil {
		if err := transport.Close(); err != nil {
			c.logger.WithError(err).WithField("account_id", id).Debug("Error closing transport")
		}
	}
	if w != nil {
		select {
		case <-w.done:
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for account worker: %w", ctx.Err())
		}
	}

	inactive := false
	if _, err := c.registry.UpdateByID(ctx, id, types.AccountPatch{Active: &inactive}); err != nil {
		return fmt.Errorf("failed to deactivate account %s: %w", id, err)
	}

	c.logger.WithField("account_id", id).Info("Account removed")
	return nil
}

// ConnectionStatus reports every live session without contacting servers
func (c *Coordinator) ConnectionStatus() []ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	statuses := make([]ConnectionStatus, 0, len(c.workers))
	for id, w := range c.workers {
		if w.session == nil {
			continue
		}
		statuses = append(statuses, ConnectionStatus{
			AccountID:    id,
			Email:        w.account.Email,
			Connected:    w.session.transport.Authenticated(),
			State:        w.state,
			LastActivity: w.session.lastActivity,
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].AccountID < statuses[j].AccountID
	})
	return statuses
}

// Running reports whether Start has been called without a matching Stop
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// spawn starts a worker for acc unless stopped or one already exists. It
// returns the channel carrying the first attempt's outcome.
func (c *Coordinator) spawn(acc *types.Account) <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	if _, exists := c.workers[acc.ID]; exists {
		return nil
	}

	ctx, cancel := context.WithCancel(c.baseCtx)
	w := &worker{
		id:      acc.ID,
		account: acc,
		state:   StateConnecting,
		cancel:  cancel,
		done:    make(chan struct{}),
		ready:   make(chan error, 1),
	}
	c.workers[acc.ID] = w
	c.recordStatesLocked()

	go c.runAccount(ctx, w)
	return w.ready
}

// transition moves w to a new state and applies that state's side effects.
// Entering Watching installs the poll ticker; entering Reconnecting or Closed
// stops it and closes the transport; Closed also drops the worker.
func (c *Coordinator) transition(w *worker, to State) {
	c.mu.Lock()
	from := w.state
	if !from.CanTransition(to) {
		c.mu.Unlock()
		if from != StateClosed {
			c.logger.WithFields(logrus.Fields{
				"account_id": w.id,
				"from":       from.String(),
				"to":         to.String(),
			}).Warn("Ignoring illegal state transition")
		}
		return
	}
	w.state = to

	var closing Transport
	switch to {
	case StateWatching:
		if w.session != nil && w.session.poll == nil {
			w.session.poll = time.NewTicker(c.opts.PollInterval)
		}
	case StateReconnecting, StateClosed:
		if w.session != nil {
			closing = w.session.stop()
			w.session = nil
		}
		if to == StateClosed && c.workers[w.id] == w {
			delete(c.workers, w.id)
		}
	}
	c.recordStatesLocked()
	email := w.account.Email
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"account": email,
		"from":    from.String(),
		"state":   to.String(),
	}).Debug("Session state changed")

	if closing != nil {
		if err := closing.Close(); err != nil {
			c.logger.WithError(err).WithField("account", email).Debug("Error closing transport")
		}
	}
}

// attach records t as w's live session. It fails once w has been stopped or
// removed.
func (c *Coordinator) attach(w *worker, t Transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.workers[w.id] != w || w.state == StateClosed {
		return false
	}
	w.session = &session{
		transport:    t,
		lastActivity: c.opts.Now(),
		seen:         make(map[uint32]struct{}),
	}
	return true
}

// sessionOf returns w's live session and its poll channel
func (c *Coordinator) sessionOf(w *worker) (*session, <-chan time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w.session == nil {
		return nil, nil
	}
	var tick <-chan time.Time
	if w.session.poll != nil {
		tick = w.session.poll.C
	}
	return w.session, tick
}

func (c *Coordinator) touch(w *worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.session != nil {
		w.session.lastActivity = c.opts.Now()
	}
}

func (c *Coordinator) accountOf(w *worker) *types.Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	return w.account
}

// recordStatesLocked publishes worker counts per state. Caller holds c.mu.
func (c *Coordinator) recordStatesLocked() {
	counts := make(map[State]int, len(stateNames))
	for _, w := range c.workers {
		counts[w.state]++
	}
	for state, name := range stateNames {
		if state == StateClosed {
			continue
		}
		metrics.Sessions.WithLabelValues(name).Set(float64(counts[state]))
	}
}

func (c *Coordinator) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.OperationTimeout)
}
