package email

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mail-ingest/pkg/types"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	net      *fakeNetwork
	registry *fakeRegistry
	store    *fakeStore
	enricher *fakeEnricher
	coord    *Coordinator
	now      time.Time
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		net:      newFakeNetwork(),
		registry: newFakeRegistry(),
		store:    newFakeStore(),
		enricher: &fakeEnricher{},
		now:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	opts := Options{
		PollInterval:   time.Hour,
		ReconnectDelay: 10 * time.Millisecond,
		BackfillWindow: 30 * 24 * time.Hour,
		Now:            func() time.Time { return h.now },
	}
	for _, m := range mutate {
		m(&opts)
	}

	coord, err := NewCoordinator(Deps{
		Registry: h.registry,
		Messages: h.store,
		Enricher: h.enricher,
		Dialer:   h.net.dial,
	}, opts, logger)
	require.NoError(t, err)
	h.coord = coord

	t.Cleanup(func() {
		_ = coord.Stop(context.Background())
	})
	return h
}

func (h *harness) addAccount(t *testing.T, email string) *types.Account {
	t.Helper()
	acc, err := h.registry.Insert(context.Background(), &types.Account{
		Email:    email,
		Password: "secret",
		IMAPHost: "imap.example.com",
		IMAPPort: 993,
		Active:   true,
	})
	require.NoError(t, err)
	return acc
}

func (h *harness) statusOf(accountID string) (ConnectionStatus, bool) {
	for _, s := range h.coord.ConnectionStatus() {
		if s.AccountID == accountID {
			return s, true
		}
	}
	return ConnectionStatus{}, false
}

func (h *harness) waitWatching(t *testing.T, accountID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := h.statusOf(accountID)
		return ok && s.State == StateWatching && s.Connected
	}, waitFor, tick)
}

func rawMail(messageID, subject string) []byte {
	return rawMessage(
		"From: a@x.com",
		"To: b@x.com",
		"Subject: "+subject,
		"Message-ID: "+messageID,
		"",
		"test",
	)
}

func TestStartIngestsBackfillAndWatches(t *testing.T) {
	h := newHarness(t)
	acc := h.addAccount(t, "inbox@example.com")
	box := h.net.mailbox(acc.Email)
	box.add(1, h.now.Add(-time.Hour), rawMail("m1", "Hi"))

	require.NoError(t, h.coord.Start(context.Background()))

	status, ok := h.statusOf(acc.ID)
	require.True(t, ok)
	assert.Equal(t, StateWatching, status.State)
	assert.True(t, status.Connected)
	assert.Equal(t, acc.Email, status.Email)

	stored, err := h.store.FindByMessageID(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", stored.From)
	assert.Equal(t, "Hi", stored.Subject)
	assert.Equal(t, acc.ID, stored.AccountID)
	assert.Equal(t, "INBOX", stored.Folder)
	assert.Equal(t, types.CategoryUncategorized, stored.Category)
	assert.False(t, stored.IsRead)
	assert.False(t, stored.IsFlagged)
	assert.Empty(t, stored.Labels)
	assert.Equal(t, 1, h.enricher.count())

	tr := box.current()
	box.mu.Lock()
	assert.Equal(t, "INBOX", tr.folder)
	assert.True(t, tr.readOnly)
	box.mu.Unlock()

	require.NotNil(t, h.registry.get(acc.ID).LastSync)
}

func TestBackfillSkipsMessagesOutsideWindow(t *testing.T) {
	h := newHarness(t)
	acc := h.addAccount(t, "inbox@example.com")
	box := h.net.mailbox(acc.Email)
	box.add(1, h.now.Add(-31*24*time.Hour), rawMail("old", "Old"))
	box.add(2, h.now.Add(-24*time.Hour), rawMail("new", "New"))

	require.NoError(t, h.coord.Start(context.Background()))

	assert.Equal(t, 1, h.store.count())
	_, err := h.store.FindByMessageID(context.Background(), "new")
	require.NoError(t, err)
}

func TestEmptyBackfillReachesWatching(t *testing.T) {
	h := newHarness(t)
	acc := h.addAccount(t, "empty@example.com")

	require.NoError(t, h.coord.Start(context.Background()))

	status, ok := h.statusOf(acc.ID)
	require.True(t, ok)
	assert.Equal(t, StateWatching, status.State)
	assert.Zero(t, h.store.count())
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	h := newHarness(t)
	acc := h.addAccount(t, "inbox@example.com")

	require.NoError(t, h.coord.Start(context.Background()))
	require.NoError(t, h.coord.Start(context.Background()))
	assert.Len(t, h.coord.ConnectionStatus(), 1)
	assert.Equal(t, 1, h.net.mailbox(acc.Email).dialCount(), "second start must not reconnect")

	require.NoError(t, h.coord.Stop(context.Background()))
	require.NoError(t, h.coord.Stop(context.Background()))

	assert.Empty(t, h.coord.ConnectionStatus())
	assert.False(t, h.coord.Running())
	assert.True(t, h.net.mailbox(acc.Email).current().closed.Load())
}

func TestStartFailsWhenRegistryUnavailable(t *testing.T) {
	h := newHarness(t)
	h.registry.findErr = errors.New("registry down")

	err := h.coord.Start(context.Background())
	require.ErrorContains(t, err, "registry down")
	assert.False(t, h.coord.Running())
}

func TestConnectFailureIsIsolatedAndRetried(t *testing.T) {
	h := newHarness(t)
	bad := h.addAccount(t, "bad@example.com")
	good := h.addAccount(t, "good@example.com")
	h.net.mailbox(bad.Email).failConnects = 2
	h.net.mailbox(good.Email).add(1, h.now, rawMail("g1", "Good"))

	err := h.coord.Start(context.Background())
	require.Error(t, err)

	var accErr *AccountError
	require.True(t, errors.As(err, &accErr))
	assert.Equal(t, bad.ID, accErr.AccountID)
	assert.Equal(t, PhaseConnect, accErr.Phase)

	status, ok := h.statusOf(good.ID)
	require.True(t, ok)
	assert.Equal(t, StateWatching, status.State)
	assert.Equal(t, 1, h.store.count())

	// No session entry while the failing account is between attempts, then
	// it recovers on its own.
	h.waitWatching(t, bad.ID)
	assert.Equal(t, 3, h.net.mailbox(bad.Email).dialCount())
}

func TestBackfillStoreFailureIsReportedPerAccount(t *testing.T) {
	h := newHarness(t)
	acc := h.addAccount(t, "inbox@example.com")
	h.net.mailbox(acc.Email).add(1, h.now, rawMail("m1", "Hi"))
	storeErr := errors.New("disk full")
	h.store.mu.Lock()
	h.store.insertErr = storeErr
	h.store.mu.Unlock()

	err := h.coord.Start(context.Background())
	require.ErrorIs(t, err, storeErr)

	var accErr *AccountError
	require.True(t, errors.As(err, &accErr))
	assert.Equal(t, PhaseSync, accErr.Phase)

	// The account is retried and ingests once the store recovers.
	h.store.mu.Lock()
	h.store.insertErr = nil
	h.store.mu.Unlock()
	require.Eventually(t, func() bool { return h.store.count() == 1 }, waitFor, tick)
	h.waitWatching(t, acc.ID)
}

func TestMailArrivedTriggersCheckAndDedups(t *testing.T) {
	h := newHarness(t)
	acc := h.addAccount(t, "inbox@example.com")
	box := h.net.mailbox(acc.Email)
	box.add(1, h.now, rawMail("m1", "Hi"))

	require.NoError(t, h.coord.Start(context.Background()))
	require.Equal(t, 1, h.store.count())

	// The same message delivered again under a new UID is not stored twice.
	box.add(2, h.now, rawMail("m1", "Hi"))
	box.add(3, h.now, rawMail("m2", "Second"))
	box.current().events <- Event{Kind: EventMailArrived}

	require.Eventually(t, func() bool { return h.store.count() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.enricher.count() == 2 }, waitFor, tick)

	box.current().events <- Event{Kind: EventMailArrived}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, h.store.count())
	assert.Equal(t, 2, h.enricher.count())
}

func TestPollTickerChecksUnseen(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PollInterval = 10 * time.Millisecond })
	acc := h.addAccount(t, "inbox@example.com")
	box := h.net.mailbox(acc.Email)

	require.NoError(t, h.coord.Start(context.Background()))
	require.Zero(t, h.store.count())

	box.add(7, h.now, rawMail("late", "Late"))
	require.Eventually(t, func() bool { return h.store.count() == 1 }, waitFor, tick)
}

func TestMessagesWithoutIDAreSkipped(t *testing.T) {
	h := newHarness(t)
	acc := h.addAccount(t, "inbox@example.com")
	box := h.net.mailbox(acc.Email)
	box.add(1, h.now, rawMessage("From: a@x.com", "Subject: no id", "", "body"))
	box.add(2, h.now, rawMail("m2", "Valid"))

	require.NoError(t, h.coord.Start(context.Background()))

	assert.Equal(t, 1, h.store.count())
	_, err := h.store.FindByMessageID(context.Background(), "m2")
	require.NoError(t, err)
}

// brokenParser fails on one raw message and parses the rest normally
type brokenParser struct {
	inner *Parser
	bad   []byte
}

func (p brokenParser) Parse(raw []byte) (*types.Message, error) {
	if bytes.Equal(raw, p.bad) {
		return nil, errors.New("malformed message")
	}
	return p.inner.Parse(raw)
}

func TestParseErrorDoesNotAbortBatch(t *testing.T) {
	h := newHarness(t)
	acc := h.addAccount(t, "inbox@example.com")
	box := h.net.mailbox(acc.Email)
	bad := []byte("garbage")
	box.add(1, h.now, rawMail("m1", "First"))
	box.add(2, h.now, bad)
	box.add(3, h.now, rawMail("m3", "Third"))
	h.coord.parser = brokenParser{inner: NewParser(nil), bad: bad}

	require.NoError(t, h.coord.Start(context.Background()))

	assert.Equal(t, 2, h.store.count())
	for _, id := range []string{"m1", "m3"} {
		_, err := h.store.FindByMessageID(context.Background(), id)
		require.NoError(t, err, id)
	}
	assert.Equal(t, 2, h.enricher.count())
	h.waitWatching(t, acc.ID)
}

func TestInsertUniquenessViolationIsExpectedDuplicate(t *testing.T) {
	h := newHarness(t)
	acc := h.addAccount(t, "inbox@example.com")
	h.net.mailbox(acc.Email).add(1, h.now, rawMail("m1", "Hi"))
	// The lookup misses but another writer stored the message first.
	h.store.mu.Lock()
	h.store.insertErr = types.ErrDuplicate
	h.store.mu.Unlock()

	require.NoError(t, h.coord.Start(context.Background()))

	assert.Zero(t, h.store.count())
	assert.Zero(t, h.enricher.count())
	h.waitWatching(t, acc.ID)
}

func TestSameMessageInTwoAccountsIsStoredOnce(t *testing.T) {
	h := newHarness(t)
	first := h.addAccount(t, "first@example.com")
	second := h.addAccount(t, "second@example.com")
	h.net.mailbox(first.Email).add(1, h.now, rawMail("shared", "To both"))
	h.net.mailbox(second.Email).add(1, h.now, rawMail("shared", "To both"))

	require.NoError(t, h.coord.Start(context.Background()))

	assert.Equal(t, 1, h.store.count())
	assert.Equal(t, 1, h.enricher.count())
	stored, err := h.store.FindByMessageID(context.Background(), "shared")
	require.NoError(t, err)
	assert.Contains(t, []string{first.ID, second.ID}, stored.AccountID)
	h.waitWatching(t, first.ID)
	h.waitWatching(t, second.ID)
}

func TestReconnectAfterConnectionEnded(t *testing.T) {
	h := newHarness(t)
	acc := h.addAccount(t, "inbox@example.com")
	box := h.net.mailbox(acc.Email)

	require.NoError(t, h.coord.Start(context.Background()))
	first := box.current()

	box.add(1, h.now, rawMail("m1", "While away"))
	first.events <- Event{Kind: EventEnded}

	require.Eventually(t, func() bool { return box.dialCount() == 2 }, waitFor, tick)
	h.waitWatching(t, acc.ID)
	assert.True(t, first.closed.Load())
	require.Eventually(t, func() bool { return h.store.count() == 1 }, waitFor, tick)
}

func TestDeactivatedAccountIsNotReconnected(t *testing.T) {
	h := newHarness(t)
	acc := h.addAccount(t, "inbox@example.com")
	box := h.net.mailbox(acc.Email)

	require.NoError(t, h.coord.Start(context.Background()))

	inactive := false
	_, err := h.registry.UpdateByID(context.Background(), acc.ID, types.AccountPatch{Active: &inactive})
	require.NoError(t, err)
	box.current().events <- Event{Kind: EventError, Err: errors.New("reset by peer")}

	require.Eventually(t, func() bool {
		_, ok := h.statusOf(acc.ID)
		return !ok
	}, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, box.dialCount())
}

func TestAddAccountWhileRunning(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Start(context.Background()))

	h.net.mailbox("new@example.com").add(1, h.now, rawMail("n1", "Hello"))
	acc, err := h.coord.AddAccount(context.Background(), &types.Account{
		Email:    "new@example.com",
		Password: "secret",
		IMAPHost: "imap.example.com",
		IMAPPort: 993,
	})
	require.NoError(t, err)
	assert.True(t, acc.Active)

	h.waitWatching(t, acc.ID)
	require.Eventually(t, func() bool { return h.store.count() == 1 }, waitFor, tick)
}

func TestAddAccountWhileStopped(t *testing.T) {
	h := newHarness(t)

	acc, err := h.coord.AddAccount(context.Background(), &types.Account{Email: "new@example.com"})
	require.NoError(t, err)
	assert.True(t, h.registry.get(acc.ID).Active)
	assert.Empty(t, h.coord.ConnectionStatus())
	assert.Zero(t, h.net.mailbox("new@example.com").dialCount())
}

func TestAddDuplicateAccount(t *testing.T) {
	h := newHarness(t)
	h.addAccount(t, "dup@example.com")
	require.NoError(t, h.coord.Start(context.Background()))

	_, err := h.coord.AddAccount(context.Background(), &types.Account{Email: "dup@example.com"})
	require.ErrorIs(t, err, types.ErrDuplicate)
	assert.Len(t, h.coord.ConnectionStatus(), 1)
}

func TestRemoveAccountWithoutSession(t *testing.T) {
	h := newHarness(t)
	acc := h.addAccount(t, "idle@example.com")

	require.NoError(t, h.coord.RemoveAccount(context.Background(), acc.ID))
	assert.False(t, h.registry.get(acc.ID).Active)
}

func TestRemoveAccountClosesSession(t *testing.T) {
	h := newHarness(t)
	acc := h.addAccount(t, "inbox@example.com")
	require.NoError(t, h.coord.Start(context.Background()))
	tr := h.net.mailbox(acc.Email).current()

	require.NoError(t, h.coord.RemoveAccount(context.Background(), acc.ID))

	assert.Empty(t, h.coord.ConnectionStatus())
	assert.True(t, tr.closed.Load())
	assert.False(t, h.registry.get(acc.ID).Active)
}

func TestRemoveUnknownAccount(t *testing.T) {
	h := newHarness(t)
	err := h.coord.RemoveAccount(context.Background(), "missing")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Stop(context.Background()))
}

func TestNewCoordinatorRequiresDependencies(t *testing.T) {
	_, err := NewCoordinator(Deps{}, Options{}, logrus.New())
	require.ErrorContains(t, err, "registry")
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateConnecting, StateSyncing, true},
		{StateConnecting, StateReconnecting, true},
		{StateConnecting, StateWatching, false},
		{StateSyncing, StateWatching, true},
		{StateSyncing, StateReconnecting, true},
		{StateWatching, StateReconnecting, true},
		{StateWatching, StateSyncing, false},
		{StateReconnecting, StateConnecting, true},
		{StateReconnecting, StateWatching, false},
		{StateWatching, StateClosed, true},
		{StateReconnecting, StateClosed, true},
		{StateClosed, StateConnecting, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
	assert.Equal(t, "state(42)", State(42).String())
}
