package chatsync

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Store boundary
// ============================================================================

// MessageStore is the durable record store. Every call is made on behalf of
// an authenticated session.
type MessageStore interface {
	// FetchAll returns the history ordered by ascending SentAt.
	FetchAll(ctx context.Context, s Session) ([]Message, error)
	// Append persists one message.
	Append(ctx context.Context, s Session, m Message) error
}

// ============================================================================
// StoreAdapter
// ============================================================================

// StoreAdapter scopes a MessageStore to the bound session. Nothing is read or
// written without one.
type StoreAdapter struct {
	backend MessageStore
	logger  *zap.Logger

	mu    sync.RWMutex
	bound *Session
}

// NewStoreAdapter wraps backend. logger may be nil.
func NewStoreAdapter(backend MessageStore, logger *zap.Logger) *StoreAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreAdapter{backend: backend, logger: logger}
}

// Bind scopes the adapter to s; nil unbinds it.
func (a *StoreAdapter) Bind(s *Session) {
	a.mu.Lock()
	a.bound = copySession(s)
	a.mu.Unlock()
}

// Bound returns the bound session, or nil.
func (a *StoreAdapter) Bound() *Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copySession(a.bound)
}

// FetchAll reads the whole history, ascending by SentAt.
func (a *StoreAdapter) FetchAll(ctx context.Context) ([]Message, error) {
	s := a.Bound()
	if s == nil {
		return nil, opError("fetch messages", ErrStoreRead, ErrNoSession)
	}
	msgs, err := a.backend.FetchAll(ctx, *s)
	if err != nil {
		return nil, opError("fetch messages", ErrStoreRead, err)
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.IsSystemNotice {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

// Append persists m as owner. It fails when owner is no longer the bound
// session, so a write started before a sign-out never lands under the next
// identity.
func (a *StoreAdapter) Append(ctx context.Context, owner Session, m Message) error {
	if m.IsSystemNotice {
		return opError("append message", ErrStoreWrite, errInvalidMessage("system notices are never persisted"))
	}
	if err := m.Validate(); err != nil {
		return opError("append message", ErrStoreWrite, err)
	}
	bound := a.Bound()
	if bound == nil {
		return opError("append message", ErrStoreWrite, ErrNoSession)
	}
	if bound.UserID != owner.UserID {
		return opError("append message", ErrStoreWrite, errSessionChanged)
	}
	if err := a.backend.Append(ctx, owner, m); err != nil {
		return opError("append message", ErrStoreWrite, err)
	}
	return nil
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory MessageStore shared by all
// sessions, like a single chat room.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []Message
}

var _ MessageStore = (*MemoryStore)(nil)

// NewMemoryStore creates a store seeded with msgs.
func NewMemoryStore(msgs ...Message) *MemoryStore {
	return &MemoryStore{messages: append([]Message(nil), msgs...)}
}

func (s *MemoryStore) FetchAll(ctx context.Context, _ Session) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]Message(nil), s.messages...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

func (s *MemoryStore) Append(ctx context.Context, _ Session, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

// Len returns the number of stored messages.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
