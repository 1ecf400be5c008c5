package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testAPIKey = "anon-key"

type memPersister struct {
	mu      sync.Mutex
	session *Session
	saves   int
	clears  int
}

func (p *memPersister) LoadSession() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copySession(p.session), nil
}

func (p *memPersister) SaveSession(s *Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = copySession(s)
	p.saves++
	return nil
}

func (p *memPersister) ClearSession() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = nil
	p.clears++
	return nil
}

// authBackend fakes the auth service and the user_chat table.
type authBackend struct {
	mu          sync.Mutex
	profiles    []profileRow
	signups     int
	logouts     []string
	logoutCode  int
	refreshCode int
}

func (b *authBackend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}
	token := func(access string) map[string]any {
		return map[string]any{
			"access_token":  access,
			"refresh_token": "refresh-" + access,
			"expires_in":    3600,
			"user":          map[string]string{"id": "u-alice", "email": "alice@example.com"},
		}
	}

	mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testAPIKey, r.Header.Get("apikey"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch r.URL.Query().Get("grant_type") {
		case "password":
			if body["password"] != "secret" {
				writeJSON(w, http.StatusBadRequest, map[string]string{
					"error":             "invalid_grant",
					"error_description": "Invalid login credentials",
				})
				return
			}
			writeJSON(w, http.StatusOK, token("access-1"))
		case "refresh_token":
			b.mu.Lock()
			code := b.refreshCode
			b.mu.Unlock()
			if code != 0 {
				writeJSON(w, code, map[string]string{"error": "invalid_grant"})
				return
			}
			writeJSON(w, http.StatusOK, token("access-2"))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("POST /auth/v1/signup", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.signups++
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"id": "u-new", "email": "new@example.com"})
	})
	mux.HandleFunc("POST /auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.logouts = append(b.logouts, r.Header.Get("Authorization"))
		code := b.logoutCode
		b.mu.Unlock()
		if code == 0 {
			code = http.StatusNoContent
		}
		w.WriteHeader(code)
	})
	mux.HandleFunc("GET /rest/v1/user_chat", func(w http.ResponseWriter, r *http.Request) {
		want := r.URL.Query().Get("email")
		b.mu.Lock()
		defer b.mu.Unlock()
		rows := []profileRow{}
		for _, p := range b.profiles {
			if "eq."+p.Email == want {
				rows = append(rows, profileRow{Email: p.Email})
			}
		}
		writeJSON(w, http.StatusOK, rows)
	})
	mux.HandleFunc("POST /rest/v1/user_chat", func(w http.ResponseWriter, r *http.Request) {
		var rows []profileRow
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rows))
		b.mu.Lock()
		b.profiles = append(b.profiles, rows...)
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	return mux
}

func (b *authBackend) set(f func(b *authBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f(b)
}

func newAuthFixture(t *testing.T, persister SessionPersister) (*AuthClient, *authBackend) {
	t.Helper()
	backend := &authBackend{}
	srv := httptest.NewServer(backend.handler(t))
	t.Cleanup(srv.Close)
	return NewAuthClient(NewClient(srv.URL, testAPIKey), persister), backend
}

// ============================================================================
// Sign-in
// ============================================================================

func TestAuthClientSignIn(t *testing.T) {
	ctx := context.Background()

	t.Run("success notifies and persists", func(t *testing.T) {
		persister := &memPersister{}
		auth, _ := newAuthFixture(t, persister)

		var events []AuthEvent
		auth.OnAuthStateChange(func(e AuthEvent, _ *Session) { events = append(events, e) })

		s, err := auth.SignInWithPassword(ctx, "alice@example.com", "secret")
		require.NoError(t, err)
		assert.Equal(t, "u-alice", s.UserID)
		assert.Equal(t, "alice", s.DisplayName)
		assert.Equal(t, "access-1", s.AccessToken)
		assert.False(t, s.ExpiresAt.IsZero())

		assert.Equal(t, []AuthEvent{AuthInitialSession, AuthSignedIn}, events)
		assert.Equal(t, 1, persister.saves)

		current, err := auth.GetSession(ctx)
		require.NoError(t, err)
		assert.Equal(t, "access-1", current.AccessToken)
	})

	t.Run("bad credentials", func(t *testing.T) {
		auth, _ := newAuthFixture(t, nil)
		_, err := auth.SignInWithPassword(ctx, "alice@example.com", "wrong")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.Status)
		assert.Equal(t, "invalid_grant", apiErr.Code)
		assert.Equal(t, "Invalid login credentials", apiErr.Message)

		s, err := auth.GetSession(ctx)
		require.NoError(t, err)
		assert.Nil(t, s)
	})
}

// ============================================================================
// Sign-up
// ============================================================================

func TestAuthClientSignUp(t *testing.T) {
	ctx := context.Background()

	t.Run("creates profile", func(t *testing.T) {
		auth, backend := newAuthFixture(t, nil)
		res, err := auth.SignUp(ctx, "new@example.com", "secret")
		require.NoError(t, err)
		assert.Equal(t, "u-new", res.UserID)
		assert.True(t, res.ConfirmationSent)
		assert.Nil(t, res.Session)

		require.Len(t, backend.profiles, 1)
		assert.Equal(t, "new@example.com", backend.profiles[0].Email)
		assert.Equal(t, "new", backend.profiles[0].Username)
	})

	t.Run("existing email", func(t *testing.T) {
		auth, backend := newAuthFixture(t, nil)
		backend.set(func(b *authBackend) { b.profiles = []profileRow{{Email: "alice@example.com"}} })
		_, err := auth.SignUp(ctx, "alice@example.com", "secret")
		assert.ErrorIs(t, err, ErrUserExists)
		assert.Zero(t, backend.signups)
	})
}

// ============================================================================
// Restore and refresh
// ============================================================================

func TestAuthClientRestore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("valid persisted session", func(t *testing.T) {
		persister := &memPersister{session: &Session{
			AccessToken: "stored", RefreshToken: "r", UserID: "u-alice",
			Email: "alice@example.com", ExpiresAt: now.Add(time.Hour),
		}}
		auth, _ := newAuthFixture(t, persister)
		auth.now = func() time.Time { return now }

		var initial *Session
		auth.OnAuthStateChange(func(e AuthEvent, s *Session) {
			if e == AuthInitialSession {
				initial = s
			}
		})
		require.NotNil(t, initial)
		assert.Equal(t, "stored", initial.AccessToken)
		assert.Equal(t, "alice", initial.DisplayName)
	})

	t.Run("expired session is refreshed", func(t *testing.T) {
		persister := &memPersister{session: &Session{
			AccessToken: "stale", RefreshToken: "r", UserID: "u-alice",
			Email: "alice@example.com", ExpiresAt: now.Add(-time.Minute),
		}}
		auth, _ := newAuthFixture(t, persister)
		auth.now = func() time.Time { return now }

		var events []AuthEvent
		auth.OnAuthStateChange(func(e AuthEvent, _ *Session) { events = append(events, e) })

		s, err := auth.GetSession(ctx)
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, "access-2", s.AccessToken)
		assert.Equal(t, []AuthEvent{AuthInitialSession, AuthTokenRefreshed}, events)
		assert.Equal(t, "access-2", persister.session.AccessToken)
	})

	t.Run("revoked refresh token signs out", func(t *testing.T) {
		persister := &memPersister{session: &Session{
			AccessToken: "stale", RefreshToken: "r", UserID: "u-alice",
			ExpiresAt: now.Add(-time.Minute),
		}}
		auth, backend := newAuthFixture(t, persister)
		auth.now = func() time.Time { return now }
		backend.set(func(b *authBackend) { b.refreshCode = http.StatusBadRequest })

		s, err := auth.GetSession(ctx)
		require.NoError(t, err)
		assert.Nil(t, s)
		assert.Equal(t, 1, persister.clears)
	})
}

// ============================================================================
// Sign-out
// ============================================================================

func TestAuthClientSignOut(t *testing.T) {
	ctx := context.Background()

	t.Run("revokes and clears", func(t *testing.T) {
		persister := &memPersister{}
		auth, backend := newAuthFixture(t, persister)
		_, err := auth.SignInWithPassword(ctx, "alice@example.com", "secret")
		require.NoError(t, err)

		var last AuthEvent
		var lastSession *Session
		unsubscribe := auth.OnAuthStateChange(func(e AuthEvent, s *Session) { last, lastSession = e, s })
		defer unsubscribe()

		require.NoError(t, auth.SignOut(ctx))
		assert.Equal(t, []string{"Bearer access-1"}, backend.logouts)
		assert.Equal(t, AuthSignedOut, last)
		assert.Nil(t, lastSession)
		assert.Equal(t, 1, persister.clears)
	})

	t.Run("expired token counts as signed out", func(t *testing.T) {
		auth, backend := newAuthFixture(t, nil)
		_, err := auth.SignInWithPassword(ctx, "alice@example.com", "secret")
		require.NoError(t, err)
		backend.set(func(b *authBackend) { b.logoutCode = http.StatusUnauthorized })

		require.NoError(t, auth.SignOut(ctx))
		s, _ := auth.GetSession(ctx)
		assert.Nil(t, s)
	})

	t.Run("server failure keeps the session", func(t *testing.T) {
		auth, backend := newAuthFixture(t, nil)
		_, err := auth.SignInWithPassword(ctx, "alice@example.com", "secret")
		require.NoError(t, err)
		backend.set(func(b *authBackend) { b.logoutCode = http.StatusInternalServerError })

		require.Error(t, auth.SignOut(ctx))
		s, _ := auth.GetSession(ctx)
		assert.NotNil(t, s)
	})

	t.Run("no session is a no-op", func(t *testing.T) {
		auth, backend := newAuthFixture(t, nil)
		require.NoError(t, auth.SignOut(ctx))
		assert.Empty(t, backend.logouts)
	})
}
