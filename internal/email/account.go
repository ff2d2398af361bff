package email

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brandon/mail-ingest/pkg/types"
)

// State is the lifecycle stage of an account's connection
type State int

const (
	StateConnecting State = iota
	StateSyncing
	StateWatching
	StateReconnecting
	StateClosed
)

var stateNames = map[State]string{
	StateConnecting:   "connecting",
	StateSyncing:      "syncing",
	StateWatching:     "watching",
	StateReconnecting: "reconnecting",
	StateClosed:       "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText lets State render by name in JSON status output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[State][]State{
	StateConnecting:   {StateSyncing, StateReconnecting, StateClosed},
	StateSyncing:      {StateWatching, StateReconnecting, StateClosed},
	StateWatching:     {StateReconnecting, StateClosed},
	StateReconnecting: {StateConnecting, StateClosed},
	StateClosed:       nil,
}

// CanTransition reports whether to is a legal next state
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Phase names the step an account failed in
type Phase string

const (
	PhaseConnect Phase = "connect"
	PhaseSync    Phase = "sync"
)

// AccountError is a failure confined to one account
type AccountError struct {
	AccountID string
	Email     string
	Phase     Phase
	Err       error
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("account %s (%s): %s failed: %v", e.Email, e.AccountID, e.Phase, e.Err)
}

func (e *AccountError) Unwrap() error {
	return e.Err
}

// ConnectionStatus describes one live session
type ConnectionStatus struct {
	AccountID    string    `json:"account_id"`
	Email        string    `json:"email"`
	Connected    bool      `json:"connected"`
	State        State     `json:"state"`
	LastActivity time.Time `json:"last_activity"`
}

// worker is the coordinator's handle on one account goroutine. Fields other
// than id, cancel, done, ready and reported are guarded by Coordinator.mu.
type worker struct {
	id      string
	account *types.Account
	state   State
	session *session

	cancel   context.CancelFunc
	done     chan struct{}
	ready    chan error
	reported sync.Once
}

// report delivers the outcome of the first connect and backfill attempt.
// Later calls are ignored.
func (w *worker) report(err error) {
	w.reported.Do(func() {
		w.ready <- err
	})
}

// session is the live connection of a worker. transport is immutable; seen is
// only touched by the worker goroutine.
type session struct {
	transport    Transport
	poll         *time.Ticker
	lastActivity time.Time
	seen         map[uint32]struct{}
}

func (s *session) stop() Transport {
	if s.poll != nil {
		s.poll.Stop()
	}
	return s.transport
}
