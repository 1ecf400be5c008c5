package chatsync

import (
	"strings"
	"time"
)

// ============================================================================
// Session
// ============================================================================

// Session is the authenticated-identity context issued by the identity provider.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UserID       string
	Email        string
	DisplayName  string
}

// Expired reports whether the access token is past its expiry.
// A zero ExpiresAt never expires.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// DisplayNameFromEmail returns the local-part of an email address.
func DisplayNameFromEmail(email string) string {
	if i := strings.IndexByte(email, '@'); i >= 0 {
		return email[:i]
	}
	return email
}

// withDisplayName returns a copy of s with the display name derived from its email.
func (s *Session) withDisplayName() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if cp.Email != "" {
		cp.DisplayName = DisplayNameFromEmail(cp.Email)
	}
	return &cp
}

// ============================================================================
// Message
// ============================================================================

// Message is one entry of the conversation.
type Message struct {
	// ID is an optional client-generated identifier. Messages persisted or
	// broadcast by older clients have none.
	ID                string
	Text              string
	AuthorDisplayName string
	AuthorID          string
	SentAt            time.Time
	IsSystemNotice    bool
}

// NewSystemNotice builds a local-only notice. It never carries an author.
func NewSystemNotice(text string, at time.Time) Message {
	return Message{Text: text, SentAt: at, IsSystemNotice: true}
}

// JoinNotice is the announcement appended when a user joins.
func JoinNotice(displayName string, at time.Time) Message {
	return NewSystemNotice(displayName+" joined the chat", at)
}

// Validate checks the invariants of a non-system message.
func (m Message) Validate() error {
	if m.IsSystemNotice {
		if m.AuthorID != "" {
			return errInvalidMessage("system notice carries an author")
		}
		return nil
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyMessage
	}
	if strings.TrimSpace(m.AuthorDisplayName) == "" {
		return errInvalidMessage("missing author display name")
	}
	return nil
}

// SameAs reports whether m and o are the same message. When both carry a
// client ID the IDs decide; otherwise author, literal text and the sending
// second must all match. Two identical messages sent by one author within
// the same second without IDs are indistinguishable.
func (m Message) SameAs(o Message) bool {
	if m.IsSystemNotice || o.IsSystemNotice {
		return false
	}
	if m.ID != "" && o.ID != "" {
		return m.ID == o.ID
	}
	return m.AuthorID == o.AuthorID &&
		m.Text == o.Text &&
		m.SentAt.Unix() == o.SentAt.Unix()
}

// ============================================================================
// Wire formats
// ============================================================================

// EventChatMessage is the realtime event carrying chat messages.
const EventChatMessage = "chat message"

// Channel lifecycle events. They are consumed for logging only.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
	EventError        = "error"
)

// ChatPayload is the realtime representation of a message.
type ChatPayload struct {
	ID        string `json:"id,omitempty"`
	Text      string `json:"text"`
	User      string `json:"user"`
	Username  string `json:"username"`
	UserID    string `json:"user_id,omitempty"`
	Time      string `json:"time,omitempty"`
	CreatedAt string `json:"created_at"`
}

// NewChatPayload converts a message to its realtime form.
func NewChatPayload(m Message) ChatPayload {
	return ChatPayload{
		ID:        m.ID,
		Text:      m.Text,
		User:      m.AuthorDisplayName,
		Username:  m.AuthorDisplayName,
		UserID:    m.AuthorID,
		Time:      m.SentAt.Local().Format("15:04"),
		CreatedAt: formatTimestamp(m.SentAt),
	}
}

// Message converts the payload back. Missing or malformed created_at falls
// back to now.
func (p ChatPayload) Message(now time.Time) Message {
	name := p.Username
	if name == "" {
		name = p.User
	}
	sentAt, err := parseTimestamp(p.CreatedAt)
	if err != nil {
		sentAt = now
	}
	return Message{
		ID:                p.ID,
		Text:              p.Text,
		AuthorDisplayName: name,
		AuthorID:          p.UserID,
		SentAt:            sentAt,
	}
}

// MessageRecord is the persisted representation of a message.
type MessageRecord struct {
	ID        int64  `json:"id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Text      string `json:"text"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	CreatedAt string `json:"created_at"`
}

// NewMessageRecord converts a message to its persisted form.
func NewMessageRecord(m Message) MessageRecord {
	return MessageRecord{
		ClientID:  m.ID,
		Text:      m.Text,
		UserID:    m.AuthorID,
		Username:  m.AuthorDisplayName,
		CreatedAt: formatTimestamp(m.SentAt),
	}
}

// Message converts the record back.
func (r MessageRecord) Message() (Message, error) {
	sentAt, err := parseTimestamp(r.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:                r.ClientID,
		Text:              r.Text,
		AuthorDisplayName: r.Username,
		AuthorID:          r.UserID,
		SentAt:            sentAt,
	}, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTimestamp accepts ISO-8601 with or without zone; zoneless values are UTC.
func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
