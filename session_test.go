package chatsync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionManager(t *testing.T) {
	ctx := context.Background()

	t.Run("current derives display name", func(t *testing.T) {
		m := NewSessionManager(newFakeProvider(alice))
		s, err := m.Current(ctx)
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, "alice", s.DisplayName)
		assert.Equal(t, "alice", m.Last().DisplayName)
		assert.Empty(t, alice.DisplayName)
	})

	t.Run("current without session", func(t *testing.T) {
		m := NewSessionManager(newFakeProvider(nil))
		s, err := m.Current(ctx)
		require.NoError(t, err)
		assert.Nil(t, s)
		assert.Nil(t, m.Last())
	})

	t.Run("query failure", func(t *testing.T) {
		p := newFakeProvider(alice)
		p.getErr = errors.New("offline")
		_, err := NewSessionManager(p).Current(ctx)
		assert.ErrorIs(t, err, ErrAuthQuery)
	})

	t.Run("subscribe delivers transitions in order", func(t *testing.T) {
		p := newFakeProvider(nil)
		m := NewSessionManager(p)
		var seen []string
		unsubscribe := m.Subscribe(func(s *Session) {
			if s == nil {
				seen = append(seen, "<nil>")
				return
			}
			seen = append(seen, s.DisplayName)
		})

		p.transition(AuthSignedIn, alice)
		p.transition(AuthSignedIn, bob)
		p.transition(AuthSignedOut, nil)
		unsubscribe()
		p.transition(AuthSignedIn, alice)

		assert.Equal(t, []string{"<nil>", "alice", "bob", "<nil>"}, seen)
		assert.Zero(t, p.subscribers())
	})

	t.Run("sign-out failure", func(t *testing.T) {
		p := newFakeProvider(alice)
		p.signOutErr = errors.New("503")
		err := NewSessionManager(p).SignOut(ctx)
		assert.ErrorIs(t, err, ErrAuthSignOut)
	})
}

func TestDisplayNameFromEmail(t *testing.T) {
	assert.Equal(t, "alice", DisplayNameFromEmail("alice@example.com"))
	assert.Equal(t, "a.b+c", DisplayNameFromEmail("a.b+c@x.y"))
	assert.Equal(t, "nomail", DisplayNameFromEmail("nomail"))
	assert.Equal(t, "", DisplayNameFromEmail("@host"))
}
