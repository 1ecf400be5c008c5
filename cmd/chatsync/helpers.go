package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/LuminPulse-AI/chatsync"
)

// configPersister stores the session in the [auth] section of the config
// file. It re-reads the file on every call so other sections stay intact.
type configPersister struct{}

var _ chatsync.SessionPersister = configPersister{}

func (configPersister) LoadSession() (*chatsync.Session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sessionFromConfig(cfg.Auth), nil
}

func (configPersister) SaveSession(s *chatsync.Session) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Auth = configAuthFromSession(s)
	return saveConfig(cfg)
}

func (configPersister) ClearSession() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Auth = ConfigAuth{}
	return saveConfig(cfg)
}

// newClient creates a REST client from the effective config.
func newClient(cfg *Config) (*chatsync.Client, error) {
	if cfg.Default.BaseURL == "" || cfg.Default.APIKey == "" {
		return nil, fmt.Errorf("no backend configured; run 'chatsync init <base-url> <api-key>' first")
	}
	return chatsync.NewClient(cfg.Default.BaseURL, cfg.Default.APIKey,
		chatsync.WithClientLogger(logger.Named("rest"))), nil
}

// newAuth creates an auth client that keeps its session in the config file.
func newAuth(cfg *Config) (*chatsync.AuthClient, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return chatsync.NewAuthClient(client, configPersister{}), nil
}

// newStore opens the configured message store. The returned close func is
// never nil.
func newStore(cfg *Config, client *chatsync.Client) (chatsync.MessageStore, func() error, error) {
	switch cfg.Default.Store {
	case "", "rest":
		return chatsync.NewRESTStore(client), func() error { return nil }, nil
	case "sqlite":
		path := cfg.Default.SQLitePath
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, nil, err
			}
			path = filepath.Join(dir, "messages.db")
		}
		store, err := chatsync.OpenSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q (valid: rest, sqlite)", cfg.Default.Store)
	}
}

// newChannel creates the realtime channel from the [realtime] section.
func newChannel(cfg *Config) (*chatsync.WSChannel, error) {
	if cfg.Default.RealtimeURL == "" {
		return nil, fmt.Errorf("no realtime URL configured; run 'chatsync config set default.realtime_url <url>'")
	}
	return chatsync.NewWSChannel(&chatsync.RealtimeConfig{
		URL:               cfg.Default.RealtimeURL,
		Token:             cfg.Default.APIKey,
		ReconnectAttempts: cfg.Realtime.ReconnectAttempts,
		ReconnectDelay:    time.Duration(cfg.Realtime.ReconnectDelayMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Realtime.WriteTimeoutMs) * time.Millisecond,
		Logger:            logger,
	}), nil
}

// promptPassword reads a password without echo when stdin is a terminal.
func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(fd) {
		bytes, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(bytes)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// formatMessage renders one log entry for the terminal.
func formatMessage(m chatsync.Message) string {
	if m.IsSystemNotice {
		return "* " + m.Text
	}
	return fmt.Sprintf("[%s] %s: %s", m.SentAt.Local().Format("15:04"), m.AuthorDisplayName, m.Text)
}

// maskKey shows the first 6 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
