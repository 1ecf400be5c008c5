package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Identity provider boundary
// ============================================================================

// AuthEvent names an auth-state transition.
type AuthEvent string

const (
	AuthInitialSession AuthEvent = "INITIAL_SESSION"
	AuthSignedIn       AuthEvent = "SIGNED_IN"
	AuthTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	AuthSignedOut      AuthEvent = "SIGNED_OUT"
)

// AuthStateHandler receives every auth-state transition. session is nil when
// signed out.
type AuthStateHandler func(event AuthEvent, session *Session)

// IdentityProvider is the external authentication service.
type IdentityProvider interface {
	// GetSession returns the current session, or nil when signed out.
	GetSession(ctx context.Context) (*Session, error)
	// OnAuthStateChange registers h. The current state is delivered
	// immediately as AuthInitialSession.
	OnAuthStateChange(h AuthStateHandler) (unsubscribe func())
	// SignOut invalidates the session. On success, subscribers observe
	// AuthSignedOut.
	SignOut(ctx context.Context) error
}

// SessionPersister stores a session across process restarts.
type SessionPersister interface {
	LoadSession() (*Session, error)
	SaveSession(s *Session) error
	ClearSession() error
}

// ============================================================================
// AuthClient
// ============================================================================

// AuthClient is an IdentityProvider backed by the REST auth service
// (/auth/v1) plus the user_chat profile table.
type AuthClient struct {
	client    *Client
	persister SessionPersister
	now       func() time.Time

	mu        sync.Mutex
	session   *Session
	restored  bool
	listeners map[int]AuthStateHandler
	nextID    int
}

// NewAuthClient creates an auth client. persister may be nil, in which case
// sessions live only in memory.
func NewAuthClient(client *Client, persister SessionPersister) *AuthClient {
	return &AuthClient{
		client:    client,
		persister: persister,
		now:       time.Now,
		listeners: make(map[int]AuthStateHandler),
	}
}

type authUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    int64     `json:"expires_at"`
	User         *authUser `json:"user"`
}

func (a *AuthClient) sessionFromToken(tr *tokenResponse) (*Session, error) {
	if tr.AccessToken == "" || tr.User == nil || tr.User.ID == "" {
		return nil, errors.New("auth response carries no session")
	}
	s := &Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		UserID:       tr.User.ID,
		Email:        tr.User.Email,
	}
	switch {
	case tr.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(tr.ExpiresAt, 0)
	case tr.ExpiresIn > 0:
		s.ExpiresAt = a.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return s.withDisplayName(), nil
}

// SignInWithPassword exchanges credentials for a session.
func (a *AuthClient) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	data, err := a.client.doRequest(ctx, apiRequest{
		Method: http.MethodPost,
		Path:   "/auth/v1/token",
		Query:  url.Values{"grant_type": {"password"}},
		Body:   map[string]string{"email": email, "password": password},
	})
	if err != nil {
		return nil, err
	}
	tr, err := decodeJSON[tokenResponse](data)
	if err != nil {
		return nil, err
	}
	s, err := a.sessionFromToken(tr)
	if err != nil {
		return nil, err
	}
	a.setSession(AuthSignedIn, s)
	return s, nil
}

// SignUpResult describes the outcome of SignUp.
type SignUpResult struct {
	UserID string
	// ConfirmationSent is true when the account must be confirmed by email
	// before signing in.
	ConfirmationSent bool
	Session          *Session
}

type profileRow struct {
	Email     string `json:"email"`
	Username  string `json:"username,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// SignUp registers a new account and its user_chat profile. It fails with
// ErrUserExists when a profile with that email already exists.
func (a *AuthClient) SignUp(ctx context.Context, email, password string) (*SignUpResult, error) {
	data, err := a.client.doRequest(ctx, apiRequest{
		Method: http.MethodGet,
		Path:   "/rest/v1/user_chat",
		Query:  url.Values{"select": {"email"}, "email": {"eq." + email}},
	})
	if err != nil {
		return nil, fmt.Errorf("profile lookup: %w", err)
	}
	existing, err := decodeJSON[[]profileRow](data)
	if err != nil {
		return nil, err
	}
	if len(*existing) > 0 {
		return nil, ErrUserExists
	}

	data, err = a.client.doRequest(ctx, apiRequest{
		Method: http.MethodPost,
		Path:   "/auth/v1/signup",
		Body:   map[string]string{"email": email, "password": password},
	})
	if err != nil {
		return nil, err
	}

	// The response is either a session (auto-confirm) or a bare user.
	var raw struct {
		tokenResponse
		ID string `json:"id"`
	}
	if err := decodeInto(data, &raw); err != nil {
		return nil, err
	}
	result := &SignUpResult{UserID: raw.ID}
	if raw.AccessToken != "" {
		s, err := a.sessionFromToken(&raw.tokenResponse)
		if err != nil {
			return nil, err
		}
		result.UserID = s.UserID
		result.Session = s
	} else {
		result.ConfirmationSent = true
	}

	_, err = a.client.doRequest(ctx, apiRequest{
		Method: http.MethodPost,
		Path:   "/rest/v1/user_chat",
		Header: http.Header{"Prefer": {"return=minimal"}},
		Body: []profileRow{{
			Email:     email,
			Username:  DisplayNameFromEmail(email),
			CreatedAt: formatTimestamp(a.now()),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("error creating user profile: %w", err)
	}

	if result.Session != nil {
		a.setSession(AuthSignedIn, result.Session)
	}
	return result, nil
}

// GetSession returns the cached session, restoring it from the persister on
// first use and refreshing it when expired.
func (a *AuthClient) GetSession(ctx context.Context) (*Session, error) {
	s := a.current()
	if s == nil || !s.Expired(a.now()) {
		return s, nil
	}
	if s.RefreshToken == "" {
		a.setSession(AuthSignedOut, nil)
		return nil, nil
	}
	return a.refresh(ctx, s.RefreshToken)
}

func (a *AuthClient) refresh(ctx context.Context, refreshToken string) (*Session, error) {
	data, err := a.client.doRequest(ctx, apiRequest{
		Method: http.MethodPost,
		Path:   "/auth/v1/token",
		Query:  url.Values{"grant_type": {"refresh_token"}},
		Body:   map[string]string{"refresh_token": refreshToken},
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			// Refresh token revoked.
			a.setSession(AuthSignedOut, nil)
			return nil, nil
		}
		return nil, err
	}
	tr, err := decodeJSON[tokenResponse](data)
	if err != nil {
		return nil, err
	}
	s, err := a.sessionFromToken(tr)
	if err != nil {
		return nil, err
	}
	a.setSession(AuthTokenRefreshed, s)
	return s, nil
}

// SignOut revokes the session server-side, then clears it locally.
func (a *AuthClient) SignOut(ctx context.Context) error {
	s := a.current()
	if s == nil {
		return nil
	}
	_, err := a.client.doRequest(ctx, apiRequest{
		Method: http.MethodPost,
		Path:   "/auth/v1/logout",
		Token:  s.AccessToken,
	})
	if err != nil {
		var apiErr *APIError
		// An already-invalid token is as good as signed out.
		if !errors.As(err, &apiErr) || (apiErr.Status != http.StatusUnauthorized && apiErr.Status != http.StatusNotFound) {
			return err
		}
	}
	a.setSession(AuthSignedOut, nil)
	return nil
}

// OnAuthStateChange registers h and delivers the current state to it.
func (a *AuthClient) OnAuthStateChange(h AuthStateHandler) func() {
	s := a.current()
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = h
	a.mu.Unlock()

	h(AuthInitialSession, copySession(s))

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

func (a *AuthClient) current() *Session {
	a.mu.Lock()
	if !a.restored {
		a.restored = true
		if a.persister != nil {
			if s, err := a.persister.LoadSession(); err != nil {
				a.client.logger.Warn("failed to restore session", zap.Error(err))
			} else if s != nil && s.AccessToken != "" {
				a.session = s.withDisplayName()
			}
		}
	}
	s := copySession(a.session)
	a.mu.Unlock()
	return s
}

func (a *AuthClient) setSession(event AuthEvent, s *Session) {
	a.mu.Lock()
	a.restored = true
	a.session = copySession(s)
	ids := make([]int, 0, len(a.listeners))
	for id := range a.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]AuthStateHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, a.listeners[id])
	}
	a.mu.Unlock()

	if a.persister != nil {
		var err error
		if s == nil {
			err = a.persister.ClearSession()
		} else {
			err = a.persister.SaveSession(s)
		}
		if err != nil {
			a.client.logger.Warn("failed to persist session", zap.Error(err))
		}
	}

	for _, h := range handlers {
		h(event, copySession(s))
	}
}

func copySession(s *Session) *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func decodeInto(data []byte, v any) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
