package chatsync

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// SessionHandler observes session transitions. s is nil after sign-out.
type SessionHandler func(s *Session)

// SessionManager owns the current session and surfaces its transitions.
// Sessions it hands out are copies with the display name derived from the
// email local-part.
type SessionManager struct {
	provider IdentityProvider
	logger   *zap.Logger

	mu      sync.Mutex
	current *Session
}

type SessionManagerOption func(*SessionManager)

func WithSessionLogger(logger *zap.Logger) SessionManagerOption {
	return func(m *SessionManager) { m.logger = logger }
}

// NewSessionManager wraps an identity provider.
func NewSessionManager(provider IdentityProvider, opts ...SessionManagerOption) *SessionManager {
	m := &SessionManager{
		provider: provider,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current queries the provider for the current session.
func (m *SessionManager) Current(ctx context.Context) (*Session, error) {
	s, err := m.provider.GetSession(ctx)
	if err != nil {
		m.logger.Warn("session query failed", zap.Error(err))
		return nil, opError("get session", ErrAuthQuery, err)
	}
	s = s.withDisplayName()
	m.set(s)
	return copySession(s), nil
}

// Last returns the most recently observed session without contacting the
// provider.
func (m *SessionManager) Last() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copySession(m.current)
}

// Subscribe registers h for every transition, starting with the current
// state. Call it once at startup.
func (m *SessionManager) Subscribe(h SessionHandler) (unsubscribe func()) {
	return m.provider.OnAuthStateChange(func(event AuthEvent, s *Session) {
		s = s.withDisplayName()
		m.set(s)
		if s == nil {
			m.logger.Info("auth state changed", zap.String("event", string(event)))
		} else {
			m.logger.Info("auth state changed",
				zap.String("event", string(event)),
				zap.String("user_id", s.UserID))
		}
		h(copySession(s))
	})
}

// SignOut asks the provider to invalidate the session. The transition to nil
// reaches subscribers through the provider's own notification.
func (m *SessionManager) SignOut(ctx context.Context) error {
	if err := m.provider.SignOut(ctx); err != nil {
		m.logger.Warn("sign-out failed", zap.Error(err))
		return opError("sign out", ErrAuthSignOut, err)
	}
	return nil
}

func (m *SessionManager) set(s *Session) {
	m.mu.Lock()
	m.current = copySession(s)
	m.mu.Unlock()
}
