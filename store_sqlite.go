package chatsync

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a local MessageStore. Each identity sees only the messages
// persisted under it.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

var _ MessageStore = (*SQLiteStore)(nil)

// OpenSQLiteStore creates or opens the database at dbPath.
func OpenSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db, dbPath: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		client_id TEXT,
		text TEXT NOT NULL,
		user_id TEXT NOT NULL,
		username TEXT NOT NULL,
		sent_at_ns INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_owner_sent ON messages(owner_id, sent_at_ns);
	`)
	return err
}

// FetchAll returns the session owner's messages, oldest first.
func (s *SQLiteStore) FetchAll(ctx context.Context, sess Session) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, text, user_id, username, sent_at_ns
		FROM messages
		WHERE owner_id = ?
		ORDER BY sent_at_ns ASC, id ASC`, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			clientID sql.NullString
			m        Message
			sentAtNs int64
		)
		if err := rows.Scan(&clientID, &m.Text, &m.AuthorID, &m.AuthorDisplayName, &sentAtNs); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ID = clientID.String
		m.SentAt = time.Unix(0, sentAtNs).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Append stores m under the session owner.
func (s *SQLiteStore) Append(ctx context.Context, sess Session, m Message) error {
	var clientID sql.NullString
	if m.ID != "" {
		clientID = sql.NullString{String: m.ID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (owner_id, client_id, text, user_id, username, sent_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.UserID, clientID, m.Text, m.AuthorID, m.AuthorDisplayName, m.SentAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}
