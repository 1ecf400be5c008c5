package chatsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{ err error }

func (s failingStore) FetchAll(context.Context, Session) ([]Message, error) { return nil, s.err }
func (s failingStore) Append(context.Context, Session, Message) error      { return s.err }

// ============================================================================
// StoreAdapter
// ============================================================================

func TestStoreAdapter(t *testing.T) {
	ctx := context.Background()

	t.Run("unbound adapter refuses", func(t *testing.T) {
		a := NewStoreAdapter(NewMemoryStore(), nil)
		_, err := a.FetchAll(ctx)
		assert.ErrorIs(t, err, ErrStoreRead)
		assert.ErrorIs(t, err, ErrNoSession)

		err = a.Append(ctx, *alice, msg("u-alice", "alice", "hi", t0))
		assert.ErrorIs(t, err, ErrStoreWrite)
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("fetch sorts and drops notices", func(t *testing.T) {
		backend := NewMemoryStore(
			msg("u2", "bob", "second", t0.Add(time.Minute)),
			NewSystemNotice("noise", t0.Add(time.Second)),
			msg("u3", "carol", "first", t0),
		)
		a := NewStoreAdapter(backend, nil)
		a.Bind(alice)
		got, err := a.FetchAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "second"}, texts(got))
	})

	t.Run("append as bound owner", func(t *testing.T) {
		backend := NewMemoryStore()
		a := NewStoreAdapter(backend, nil)
		a.Bind(alice)
		require.NoError(t, a.Append(ctx, *alice, msg("u-alice", "alice", "hi", t0)))
		assert.Equal(t, 1, backend.Len())
	})

	t.Run("append for a replaced session fails", func(t *testing.T) {
		backend := NewMemoryStore()
		a := NewStoreAdapter(backend, nil)
		a.Bind(bob)
		err := a.Append(ctx, *alice, msg("u-alice", "alice", "hi", t0))
		assert.ErrorIs(t, err, ErrStoreWrite)
		assert.Zero(t, backend.Len())
	})

	t.Run("system notices are never written", func(t *testing.T) {
		backend := NewMemoryStore()
		a := NewStoreAdapter(backend, nil)
		a.Bind(alice)
		err := a.Append(ctx, *alice, NewSystemNotice("alice joined the chat", t0))
		assert.ErrorIs(t, err, ErrInvalidMessage)
		assert.Zero(t, backend.Len())
	})

	t.Run("backend errors are classified", func(t *testing.T) {
		cause := errors.New("disk full")
		a := NewStoreAdapter(failingStore{err: cause}, nil)
		a.Bind(alice)

		_, err := a.FetchAll(ctx)
		assert.ErrorIs(t, err, ErrStoreRead)
		assert.ErrorIs(t, err, cause)

		err = a.Append(ctx, *alice, msg("u-alice", "alice", "hi", t0))
		assert.ErrorIs(t, err, ErrStoreWrite)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("unbind", func(t *testing.T) {
		a := NewStoreAdapter(NewMemoryStore(), nil)
		a.Bind(alice)
		require.NotNil(t, a.Bound())
		a.Bind(nil)
		assert.Nil(t, a.Bound())
	})
}

// ============================================================================
// SQLiteStore
// ============================================================================

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "chat.db")

	store, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, path, store.Path())

	withID := msg("u-alice", "alice", "hi", t0.Add(1500*time.Millisecond))
	withID.ID = "c-1"
	require.NoError(t, store.Append(ctx, *alice, withID))
	require.NoError(t, store.Append(ctx, *alice, msg("u-bob", "bob", "earlier", t0)))
	require.NoError(t, store.Append(ctx, *bob, msg("u-bob", "bob", "bob only", t0)))

	got, err := store.FetchAll(ctx, *alice)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "earlier", got[0].Text)
	assert.Empty(t, got[0].ID)
	assert.Equal(t, "hi", got[1].Text)
	assert.Equal(t, "c-1", got[1].ID)
	assert.Equal(t, "u-alice", got[1].AuthorID)
	assert.Equal(t, "alice", got[1].AuthorDisplayName)
	assert.True(t, got[1].SentAt.Equal(withID.SentAt))

	got, err = store.FetchAll(ctx, *bob)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob only"}, texts(got))

	t.Run("reopen keeps rows", func(t *testing.T) {
		require.NoError(t, store.Close())
		reopened, err := OpenSQLiteStore(path)
		require.NoError(t, err)
		defer reopened.Close()
		got, err := reopened.FetchAll(ctx, *alice)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}
