package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-ingest/pkg/types"
)

// ErrNotConnected is returned by commands issued before Connect or after Close
var ErrNotConnected = errors.New("imap: not connected")

// IMAPClient wraps an IMAP client connection
type IMAPClient struct {
	account     *types.Account
	logger      *logrus.Logger
	dialTimeout time.Duration
	tlsConfig   *tls.Config

	mu     sync.Mutex
	client *client.Client
	closed bool

	authenticated atomic.Bool
	events        chan Event
}

// IMAPOption configures an IMAPClient
type IMAPOption func(*IMAPClient)

// WithDialTimeout bounds the TCP and TLS handshake
func WithDialTimeout(d time.Duration) IMAPOption {
	return func(c *IMAPClient) { c.dialTimeout = d }
}

// WithTLSConfig overrides the TLS configuration used for secure accounts
func WithTLSConfig(cfg *tls.Config) IMAPOption {
	return func(c *IMAPClient) { c.tlsConfig = cfg }
}

// NewIMAPClient creates a new IMAP client (does not connect immediately)
func NewIMAPClient(acc *types.Account, logger *logrus.Logger, opts ...IMAPOption) *IMAPClient {
	c := &IMAPClient{
		account:     acc,
		logger:      logger,
		dialTimeout: 30 * time.Second,
		events:      make(chan Event, 8),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IMAPDialer returns a Dialer producing IMAPClients
func IMAPDialer(logger *logrus.Logger, opts ...IMAPOption) Dialer {
	return func(acc *types.Account) Transport {
		return NewIMAPClient(acc, logger, opts...)
	}
}

// Connect establishes a connection to the IMAP server and logs in
func (c *IMAPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.client != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	addr := net.JoinHostPort(c.account.IMAPHost, fmt.Sprint(c.account.IMAPPort))
	dialer := &net.Dialer{Timeout: c.dialTimeout}

	var (
		cl  *client.Client
		err error
	)
	if c.account.Secure {
		tlsConfig := c.tlsConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{
				ServerName: c.account.IMAPHost,
				MinVersion: tls.VersionTLS12,
			}
		}
		cl, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	} else {
		cl, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	updates := make(chan client.Update, 64)
	cl.Updates = updates

	err = c.run(ctx, cl, func() error {
		return cl.Login(c.account.Email, c.account.Password)
	})
	if err != nil {
		_ = cl.Terminate()
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = cl.Logout()
		return ErrNotConnected
	}
	c.client = cl
	c.mu.Unlock()

	c.authenticated.Store(true)
	go c.watch(cl, updates)

	c.logger.WithField("account", c.account.Email).Info("Connected to IMAP server")
	return nil
}

// watch turns unsolicited server responses into Events until the connection ends
func (c *IMAPClient) watch(cl *client.Client, updates <-chan client.Update) {
	for {
		select {
		case update := <-updates:
			if u, ok := update.(*client.MailboxUpdate); ok && u.Mailbox != nil {
				c.emit(Event{Kind: EventMailArrived})
			}
		case <-cl.LoggedOut():
			c.authenticated.Store(false)
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.emit(Event{Kind: EventEnded})
			}
			return
		}
	}
}

// emit delivers an event without blocking; a pending mail-arrived already
// covers any later one.
func (c *IMAPClient) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.WithFields(logrus.Fields{
			"account": c.account.Email,
			"event":   ev.Kind.String(),
		}).Debug("Dropped transport event, consumer is busy")
	}
}

// OpenFolder selects a mailbox
func (c *IMAPClient) OpenFolder(ctx context.Context, name string, readOnly bool) error {
	cl, err := c.conn()
	if err != nil {
		return err
	}
	err = c.run(ctx, cl, func() error {
		_, err := cl.Select(name, readOnly)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to select folder %s: %w", name, err)
	}
	return nil
}

// Search returns the UIDs matching criteria in the open folder
func (c *IMAPClient) Search(ctx context.Context, criteria SearchCriteria) ([]uint32, error) {
	cl, err := c.conn()
	if err != nil {
		return nil, err
	}

	imapCriteria := imap.NewSearchCriteria()
	if !criteria.Since.IsZero() {
		imapCriteria.Since = criteria.Since
	}
	if criteria.Unseen {
		imapCriteria.WithoutFlags = []string{imap.SeenFlag}
	}

	var uids []uint32
	err = c.run(ctx, cl, func() error {
		var err error
		uids, err = cl.UidSearch(imapCriteria)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}
	return uids, nil
}

// Fetch downloads the full RFC 5322 source of the given UIDs without setting \Seen
func (c *IMAPClient) Fetch(ctx context.Context, uids []uint32) ([]RawMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	cl, err := c.conn()
	if err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	var raws []RawMessage
	err = c.run(ctx, cl, func() error {
		messages := make(chan *imap.Message, 10)
		done := make(chan error, 1)
		go func() {
			done <- cl.UidFetch(seqSet, items, messages)
		}()

		// Drain the channel fully so the fetch goroutine can finish
		var readErr error
		for msg := range messages {
			literal := msg.GetBody(section)
			if literal == nil {
				c.logger.WithFields(logrus.Fields{
					"account": c.account.Email,
					"uid":     msg.Uid,
				}).Warn("Server returned no body for message")
				continue
			}
			raw, err := io.ReadAll(literal)
			if err != nil && readErr == nil {
				readErr = fmt.Errorf("failed to read message %d: %w", msg.Uid, err)
				continue
			}
			raws = append(raws, RawMessage{
				UID:          msg.Uid,
				InternalDate: msg.InternalDate,
				Raw:          raw,
			})
		}

		if err := <-done; err != nil {
			return err
		}
		return readErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return raws, nil
}

// Events returns the asynchronous notification channel
func (c *IMAPClient) Events() <-chan Event {
	return c.events
}

// Authenticated reports the cached login state without a server round trip
func (c *IMAPClient) Authenticated() bool {
	return c.authenticated.Load()
}

// Close logs out and closes the IMAP connection. Safe to call more than once.
func (c *IMAPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cl := c.client
	c.client = nil
	c.mu.Unlock()

	c.authenticated.Store(false)
	if cl == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- cl.Logout() }()
	select {
	case err := <-done:
		if err != nil {
			_ = cl.Terminate()
		}
		return nil
	case <-time.After(5 * time.Second):
		return cl.Terminate()
	}
}

func (c *IMAPClient) conn() (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

// run executes fn, tearing the connection down if ctx ends first so a stalled
// command fails instead of blocking the worker.
func (c *IMAPClient) run(ctx context.Context, cl *client.Client, fn func() error) error {
	stop := context.AfterFunc(ctx, func() {
		_ = cl.Terminate()
	})
	err := fn()
	if !stop() && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), errOrTerminated(err))
	}
	return err
}

func errOrTerminated(err error) error {
	if err == nil {
		return errors.New("connection terminated")
	}
	return err
}
