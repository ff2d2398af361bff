package email

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brandon/mail-ingest/pkg/types"
)

// fakeMailbox is the server-side state shared by every transport dialed for
// one account.
type fakeMailbox struct {
	mu           sync.Mutex
	messages     map[uint32]fakeMessage
	failConnects int
	dials        int
	transports   []*fakeTransport
}

type fakeMessage struct {
	raw  []byte
	date time.Time
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{messages: make(map[uint32]fakeMessage)}
}

func (b *fakeMailbox) add(uid uint32, date time.Time, raw []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[uid] = fakeMessage{raw: raw, date: date}
}

func (b *fakeMailbox) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// current returns the most recently dialed transport
func (b *fakeMailbox) current() *fakeTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.transports) == 0 {
		return nil
	}
	return b.transports[len(b.transports)-1]
}

type fakeTransport struct {
	box           *fakeMailbox
	events        chan Event
	authenticated atomic.Bool
	closed        atomic.Bool
	folder        string
	readOnly      bool
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.box.mu.Lock()
	defer t.box.mu.Unlock()
	if t.box.failConnects > 0 {
		t.box.failConnects--
		return errors.New("connection refused")
	}
	t.authenticated.Store(true)
	return nil
}

func (t *fakeTransport) OpenFolder(ctx context.Context, name string, readOnly bool) error {
	t.box.mu.Lock()
	defer t.box.mu.Unlock()
	t.folder = name
	t.readOnly = readOnly
	return nil
}

func (t *fakeTransport) Search(ctx context.Context, criteria SearchCriteria) ([]uint32, error) {
	if t.closed.Load() {
		return nil, ErrNotConnected
	}
	t.box.mu.Lock()
	defer t.box.mu.Unlock()

	var uids []uint32
	for uid, m := range t.box.messages {
		if !criteria.Since.IsZero() && m.date.Before(criteria.Since) {
			continue
		}
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (t *fakeTransport) Fetch(ctx context.Context, uids []uint32) ([]RawMessage, error) {
	if t.closed.Load() {
		return nil, ErrNotConnected
	}
	t.box.mu.Lock()
	defer t.box.mu.Unlock()

	var raws []RawMessage
	for _, uid := range uids {
		if m, ok := t.box.messages[uid]; ok {
			raws = append(raws, RawMessage{UID: uid, InternalDate: m.date, Raw: m.raw})
		}
	}
	return raws, nil
}

func (t *fakeTransport) Events() <-chan Event {
	return t.events
}

func (t *fakeTransport) Authenticated() bool {
	return t.authenticated.Load()
}

func (t *fakeTransport) Close() error {
	t.closed.Store(true)
	t.authenticated.Store(false)
	return nil
}

// fakeNetwork maps account emails to mailboxes and acts as the Dialer
type fakeNetwork struct {
	mu    sync.Mutex
	boxes map[string]*fakeMailbox
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{boxes: make(map[string]*fakeMailbox)}
}

func (n *fakeNetwork) mailbox(email string) *fakeMailbox {
	n.mu.Lock()
	defer n.mu.Unlock()
	box, ok := n.boxes[email]
	if !ok {
		box = newFakeMailbox()
		n.boxes[email] = box
	}
	return box
}

func (n *fakeNetwork) dial(acc *types.Account) Transport {
	box := n.mailbox(acc.Email)
	t := &fakeTransport{box: box, events: make(chan Event, 8)}
	box.mu.Lock()
	box.dials++
	box.transports = append(box.transports, t)
	box.mu.Unlock()
	return t
}

type fakeRegistry struct {
	mu       sync.Mutex
	accounts map[string]*types.Account
	findErr  error
	nextID   int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{accounts: make(map[string]*types.Account)}
}

func (r *fakeRegistry) Find(ctx context.Context, filter types.AccountFilter) ([]*types.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	var out []*types.Account
	for _, acc := range r.accounts {
		if filter.ActiveOnly && !acc.Active {
			continue
		}
		cp := *acc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRegistry) FindByID(ctx context.Context, id string) (*types.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *acc
	return &cp, nil
}

func (r *fakeRegistry) Insert(ctx context.Context, acc *types.Account) (*types.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.accounts {
		if existing.Email == acc.Email {
			return nil, types.ErrDuplicate
		}
	}
	cp := *acc
	if cp.ID == "" {
		r.nextID++
		cp.ID = fmt.Sprintf("acc-%d", r.nextID)
	}
	r.accounts[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *fakeRegistry) UpdateByID(ctx context.Context, id string, patch types.AccountPatch) (*types.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	if patch.Active != nil {
		acc.Active = *patch.Active
	}
	if patch.LastSync != nil {
		t := *patch.LastSync
		acc.LastSync = &t
	}
	cp := *acc
	return &cp, nil
}

func (r *fakeRegistry) get(id string) *types.Account {
	acc, _ := r.FindByID(context.Background(), id)
	return acc
}

type fakeStore struct {
	mu        sync.Mutex
	byMsgID   map[string]*types.Message
	insertErr error
	nextID    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{byMsgID: make(map[string]*types.Message)}
}

func (s *fakeStore) FindByMessageID(ctx context.Context, messageID string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byMsgID[messageID]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (s *fakeStore) FindByID(ctx context.Context, id string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.byMsgID {
		if msg.ID == id {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, types.ErrNotFound
}

func (s *fakeStore) Insert(ctx context.Context, msg *types.Message) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	if _, ok := s.byMsgID[msg.MessageID]; ok {
		return nil, types.ErrDuplicate
	}
	cp := *msg
	s.nextID++
	cp.ID = fmt.Sprintf("msg-%d", s.nextID)
	s.byMsgID[cp.MessageID] = &cp
	out := cp
	return &out, nil
}

func (s *fakeStore) UpdateByID(ctx context.Context, id string, patch types.MessagePatch) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.byMsgID {
		if msg.ID == id {
			if patch.Category != nil {
				msg.Category = *patch.Category
			}
			cp := *msg
			return &cp, nil
		}
	}
	return nil, types.ErrNotFound
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byMsgID)
}

type fakeEnricher struct {
	mu       sync.Mutex
	messages []*types.Message
}

func (e *fakeEnricher) Enrich(ctx context.Context, msg *types.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, msg)
}

func (e *fakeEnricher) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.messages)
}
