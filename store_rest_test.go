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

func TestRESTStore(t *testing.T) {
	ctx := context.Background()

	var (
		mu       sync.Mutex
		inserted []MessageRecord
	)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-a" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":"PGRST301","message":"JWT expired"}`))
			return
		}
		assert.Equal(t, "*", r.URL.Query().Get("select"))
		assert.Equal(t, "created_at.asc", r.URL.Query().Get("order"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id":1,"text":"old","user_id":"u-bob","username":"bob","created_at":"2026-03-14T09:00:00.123456"},
			{"id":2,"client_id":"c-9","text":"newer","user_id":"u-alice","username":"alice","created_at":"2026-03-14T09:00:05+00:00"}
		]`))
	})
	mux.HandleFunc("POST /rest/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "return=minimal", r.Header.Get("Prefer"))
		assert.Equal(t, "Bearer tok-a", r.Header.Get("Authorization"))
		var rows []MessageRecord
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rows))
		mu.Lock()
		inserted = append(inserted, rows...)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := NewRESTStore(NewClient(srv.URL, testAPIKey))

	t.Run("fetch", func(t *testing.T) {
		got, err := store.FetchAll(ctx, *alice)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "old", got[0].Text)
		assert.Equal(t, "bob", got[0].AuthorDisplayName)
		assert.Equal(t, time.Date(2026, 3, 14, 9, 0, 0, 123456000, time.UTC), got[0].SentAt)
		assert.Equal(t, "c-9", got[1].ID)
		assert.Equal(t, int64(1773478805), got[1].SentAt.Unix())
	})

	t.Run("append", func(t *testing.T) {
		m := msg("u-alice", "alice", "hi", t0)
		m.ID = "c-10"
		require.NoError(t, store.Append(ctx, *alice, m))

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, inserted, 1)
		assert.Equal(t, MessageRecord{
			ClientID:  "c-10",
			Text:      "hi",
			UserID:    "u-alice",
			Username:  "alice",
			CreatedAt: "2026-03-14T09:00:00Z",
		}, inserted[0])
	})

	t.Run("rejected token", func(t *testing.T) {
		_, err := store.FetchAll(ctx, *bob)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
		assert.Equal(t, "PGRST301", apiErr.Code)
		assert.Equal(t, "JWT expired", apiErr.Message)
	})
}

func TestChatPayloadConversion(t *testing.T) {
	now := t0.Add(time.Hour)

	t.Run("round trip keeps identity", func(t *testing.T) {
		m := msg("u-alice", "alice", "hi", t0.Add(250*time.Millisecond))
		m.ID = "c-1"
		got := NewChatPayload(m).Message(now)
		assert.Equal(t, m.ID, got.ID)
		assert.True(t, got.SameAs(m))
		assert.True(t, got.SentAt.Equal(m.SentAt))
	})

	t.Run("missing timestamp falls back to now", func(t *testing.T) {
		got := ChatPayload{Text: "hey", User: "bob"}.Message(now)
		assert.Equal(t, now, got.SentAt)
		assert.Equal(t, "bob", got.AuthorDisplayName)
		assert.Empty(t, got.AuthorID)
	})
}
