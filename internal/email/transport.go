package email

import (
	"context"
	"time"

	"github.com/brandon/mail-ingest/pkg/types"
)

// EventKind identifies an asynchronous transport notification
type EventKind int

const (
	// EventMailArrived is raised when the server reports new messages in the open folder
	EventMailArrived EventKind = iota
	// EventError is raised when the connection fails outside of a command
	EventError
	// EventEnded is raised when the server closes the connection
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventMailArrived:
		return "mail-arrived"
	case EventError:
		return "error"
	case EventEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Event is an asynchronous notification from a Transport
type Event struct {
	Kind EventKind
	Err  error
}

// SearchCriteria selects messages in the open folder. Zero values are ignored.
type SearchCriteria struct {
	Since  time.Time
	Unseen bool
}

// RawMessage is a fetched message before parsing
type RawMessage struct {
	UID          uint32
	InternalDate time.Time
	Raw          []byte
}

// Transport is a single authenticated mailbox connection. Implementations are
// used by one worker goroutine at a time, except Authenticated and Close which
// may be called concurrently.
type Transport interface {
	Connect(ctx context.Context) error
	OpenFolder(ctx context.Context, name string, readOnly bool) error
	Search(ctx context.Context, criteria SearchCriteria) ([]uint32, error)
	Fetch(ctx context.Context, uids []uint32) ([]RawMessage, error)
	Events() <-chan Event
	Authenticated() bool
	Close() error
}

// Dialer builds an unconnected Transport for an account
type Dialer func(acc *types.Account) Transport
