package email

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-ingest/internal/metrics"
	"github.com/brandon/mail-ingest/pkg/types"
)

var (
	errDetached        = errors.New("session detached")
	errConnectionEnded = errors.New("server closed the connection")
)

// runAccount drives one account through connect, backfill and watch until its
// context is cancelled or the account is deactivated.
func (c *Coordinator) runAccount(ctx context.Context, w *worker) {
	defer close(w.done)
	defer w.report(context.Canceled)

	for {
		err := c.connectAndSync(ctx, w)
		w.report(err)
		if err == nil {
			err = c.watch(ctx, w)
		}

		if ctx.Err() != nil {
			c.transition(w, StateClosed)
			return
		}

		acc := c.accountOf(w)
		c.logger.WithError(err).WithFields(logrus.Fields{
			"account": acc.Email,
			"delay":   c.opts.ReconnectDelay.String(),
		}).Warn("Connection lost, scheduling reconnect")
		metrics.Reconnects.Inc()
		c.transition(w, StateReconnecting)

		if !sleepContext(ctx, c.opts.ReconnectDelay) {
			c.transition(w, StateClosed)
			return
		}

		if !c.reload(ctx, w) {
			c.transition(w, StateClosed)
			return
		}
		c.transition(w, StateConnecting)
	}
}

// reload refreshes w's account before a reconnect. It returns false when the
// account was removed or deactivated.
func (c *Coordinator) reload(ctx context.Context, w *worker) bool {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	acc, err := c.registry.FindByID(opCtx, w.id)
	switch {
	case errors.Is(err, types.ErrNotFound):
		c.logger.WithField("account_id", w.id).Info("Account no longer exists, stopping worker")
		return false
	case err != nil:
		c.logger.WithError(err).WithField("account_id", w.id).Warn("Failed to reload account, reusing previous settings")
		return true
	case !acc.Active:
		c.logger.WithField("account", acc.Email).Info("Account deactivated, stopping worker")
		return false
	}

	c.mu.Lock()
	w.account = acc
	c.mu.Unlock()
	return true
}

// connectAndSync opens a session and backfills the recent window. On success
// the worker is Watching.
func (c *Coordinator) connectAndSync(ctx context.Context, w *worker) error {
	acc := c.accountOf(w)
	log := c.logger.WithFields(logrus.Fields{
		"account":    acc.Email,
		"account_id": acc.ID,
	})

	t := c.dial(acc)
	folder := c.folderFor(acc)

	opCtx, cancel := c.opContext(ctx)
	err := t.Connect(opCtx)
	if err == nil {
		err = t.OpenFolder(opCtx, folder, true)
	}
	cancel()
	if err != nil {
		_ = t.Close()
		log.WithError(err).Error("Failed to connect")
		return &AccountError{AccountID: acc.ID, Email: acc.Email, Phase: PhaseConnect, Err: err}
	}

	if !c.attach(w, t) {
		_ = t.Close()
		return context.Canceled
	}
	c.transition(w, StateSyncing)

	if err := c.backfill(ctx, w); err != nil {
		log.WithError(err).Error("Backfill failed")
		return &AccountError{AccountID: acc.ID, Email: acc.Email, Phase: PhaseSync, Err: err}
	}

	c.recordSync(ctx, acc)
	c.transition(w, StateWatching)
	log.WithField("folder", folder).Info("Watching for new mail")
	return nil
}

// backfill ingests everything received within the backfill window. Any store
// failure aborts it.
func (c *Coordinator) backfill(ctx context.Context, w *worker) error {
	s, _ := c.sessionOf(w)
	if s == nil {
		return errDetached
	}

	since := c.opts.Now().Add(-c.opts.BackfillWindow)
	opCtx, cancel := c.opContext(ctx)
	uids, err := s.transport.Search(opCtx, SearchCriteria{Since: since})
	cancel()
	if err != nil {
		return err
	}
	c.touch(w)

	c.logger.WithFields(logrus.Fields{
		"account": c.accountOf(w).Email,
		"since":   since.Format(time.RFC3339),
		"count":   len(uids),
	}).Info("Backfilling recent mail")

	_, err = c.fetchAndIngest(ctx, w, s, uids, true)
	return err
}

// watch polls for unseen mail on the ticker and on server notifications until
// the connection fails.
func (c *Coordinator) watch(ctx context.Context, w *worker) error {
	s, tick := c.sessionOf(w)
	if s == nil || tick == nil {
		return errDetached
	}
	events := s.transport.Events()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
		case ev := <-events:
			switch ev.Kind {
			case EventMailArrived:
				c.logger.WithField("account", c.accountOf(w).Email).Debug("Server reported new mail")
			case EventError:
				return fmt.Errorf("transport error: %w", ev.Err)
			case EventEnded:
				return errConnectionEnded
			}
		}

		if err := c.checkUnseen(ctx, w, s); err != nil {
			return err
		}
	}
}

// checkUnseen ingests unseen messages. Only transport failures are returned;
// store failures drop the affected message.
func (c *Coordinator) checkUnseen(ctx context.Context, w *worker, s *session) error {
	opCtx, cancel := c.opContext(ctx)
	uids, err := s.transport.Search(opCtx, SearchCriteria{Unseen: true})
	cancel()
	if err != nil {
		return err
	}
	c.touch(w)

	stored, err := c.fetchAndIngest(ctx, w, s, uids, false)
	if err != nil {
		return err
	}
	if stored > 0 {
		c.recordSync(ctx, c.accountOf(w))
	}
	return nil
}

// fetchAndIngest fetches uids not yet handled in this session in batches and
// ingests them in order. In strict mode a store failure stops the run and is
// returned; otherwise it is logged and the message is dropped. Fetch failures
// are always returned. It reports how many messages were newly stored.
func (c *Coordinator) fetchAndIngest(ctx context.Context, w *worker, s *session, uids []uint32, strict bool) (int, error) {
	pending := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		if _, done := s.seen[uid]; !done {
			pending = append(pending, uid)
		}
	}

	acc := c.accountOf(w)
	stored := 0
	for start := 0; start < len(pending); start += c.opts.FetchBatchSize {
		end := min(start+c.opts.FetchBatchSize, len(pending))

		opCtx, cancel := c.opContext(ctx)
		raws, err := s.transport.Fetch(opCtx, pending[start:end])
		cancel()
		if err != nil {
			return stored, err
		}
		c.touch(w)

		for _, raw := range raws {
			isNew, err := c.ingest(ctx, acc, raw)
			if err != nil {
				metrics.RecordIngest(metrics.OutcomeStoreError)
				if strict {
					return stored, err
				}
				c.logger.WithError(err).WithFields(logrus.Fields{
					"account": acc.Email,
					"uid":     raw.UID,
				}).Error("Dropping message after store failure")
				continue
			}
			s.seen[raw.UID] = struct{}{}
			if isNew {
				stored++
			}
		}
	}
	return stored, nil
}

// ingest runs one raw message through parse, dedup, store and enrichment. It
// returns true when the message was newly stored and an error only for store
// failures.
func (c *Coordinator) ingest(ctx context.Context, acc *types.Account, raw RawMessage) (bool, error) {
	log := c.logger.WithFields(logrus.Fields{
		"account": acc.Email,
		"uid":     raw.UID,
	})

	msg, err := c.parser.Parse(raw.Raw)
	if err != nil {
		metrics.RecordIngest(metrics.OutcomeParseError)
		log.WithError(err).Warn("Skipping unparsable message")
		return false, nil
	}
	if msg.MessageID == "" {
		metrics.RecordIngest(metrics.OutcomeMissingID)
		log.Warn("Skipping message without Message-ID")
		return false, nil
	}
	log = log.WithField("message_id", msg.MessageID)

	if c.seen != nil && c.seen.Seen(ctx, msg.MessageID) {
		metrics.RecordIngest(metrics.OutcomeDuplicate)
		log.Debug("Message already ingested")
		return false, nil
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	_, err = c.messages.FindByMessageID(opCtx, msg.MessageID)
	switch {
	case err == nil:
		c.markSeen(ctx, msg.MessageID)
		metrics.RecordIngest(metrics.OutcomeDuplicate)
		log.Debug("Message already ingested")
		return false, nil
	case !errors.Is(err, types.ErrNotFound):
		return false, fmt.Errorf("failed to look up message %s: %w", msg.MessageID, err)
	}

	msg.AccountID = acc.ID
	msg.Folder = c.folderFor(acc)
	msg.IsRead = false
	msg.IsFlagged = false
	msg.Labels = []types.Label{}
	msg.Category = types.CategoryUncategorized

	stored, err := c.messages.Insert(opCtx, msg)
	if errors.Is(err, types.ErrDuplicate) {
		c.markSeen(ctx, msg.MessageID)
		metrics.RecordIngest(metrics.OutcomeDuplicate)
		log.Debug("Message stored concurrently by another session")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to store message %s: %w", msg.MessageID, err)
	}

	c.markSeen(ctx, msg.MessageID)
	metrics.RecordIngest(metrics.OutcomeStored)
	log.WithField("subject", stored.Subject).Info("Stored new message")

	if c.enricher != nil {
		c.enricher.Enrich(ctx, stored)
	}
	return true, nil
}

func (c *Coordinator) markSeen(ctx context.Context, messageID string) {
	if c.seen != nil {
		c.seen.MarkSeen(ctx, messageID)
	}
}

// recordSync stores the time of the last successful sync. Failures are logged.
func (c *Coordinator) recordSync(ctx context.Context, acc *types.Account) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	now := c.opts.Now()
	if _, err := c.registry.UpdateByID(opCtx, acc.ID, types.AccountPatch{LastSync: &now}); err != nil {
		c.logger.WithError(err).WithField("account", acc.Email).Warn("Failed to record last sync")
	}
}

func (c *Coordinator) folderFor(acc *types.Account) string {
	if acc.Folder != "" {
		return acc.Folder
	}
	return c.opts.Folder
}

// sleepContext waits for d and reports false if ctx ended first
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
