package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/LuminPulse-AI/chatsync"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Realtime ConfigRealtime `toml:"realtime"`
	Auth     ConfigAuth     `toml:"auth"`
}

// ConfigDefault holds backend settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	APIKey      string `toml:"api_key"`
	RealtimeURL string `toml:"realtime_url"`
	// Store is "rest" (default) or "sqlite".
	Store      string `toml:"store"`
	SQLitePath string `toml:"sqlite_path"`
}

// ConfigRealtime tunes the websocket channel. Zero values use the library defaults.
type ConfigRealtime struct {
	ReconnectAttempts int `toml:"reconnect_attempts"`
	ReconnectDelayMs  int `toml:"reconnect_delay_ms"`
	WriteTimeoutMs    int `toml:"write_timeout_ms"`
}

// ConfigAuth holds the stored session.
type ConfigAuth struct {
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token"`
	UserID       string `toml:"user_id"`
	Email        string `toml:"email"`
	ExpiresAt    string `toml:"expires_at"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

func printTOML(cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

// loadEffectiveConfig is loadConfig with CHATSYNC_* environment overrides
// applied. The result must not be saved back.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.Getenv)
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	overrides := []struct {
		name string
		dst  *string
	}{
		{"CHATSYNC_BASE_URL", &cfg.Default.BaseURL},
		{"CHATSYNC_API_KEY", &cfg.Default.APIKey},
		{"CHATSYNC_REALTIME_URL", &cfg.Default.RealtimeURL},
		{"CHATSYNC_STORE", &cfg.Default.Store},
		{"CHATSYNC_SQLITE_PATH", &cfg.Default.SQLitePath},
	}
	for _, o := range overrides {
		if v := getenv(o.name); v != "" {
			*o.dst = v
		}
	}
}

// setConfigValue sets a config field using dot notation (e.g. "default.api_key").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.api_key)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "api_key":
			cfg.Default.APIKey = value
		case "realtime_url":
			cfg.Default.RealtimeURL = value
		case "store":
			if value != "rest" && value != "sqlite" {
				return fmt.Errorf("store must be rest or sqlite, got %q", value)
			}
			cfg.Default.Store = value
		case "sqlite_path":
			cfg.Default.SQLitePath = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "realtime":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("realtime.%s must be an integer: %w", field, err)
		}
		switch field {
		case "reconnect_attempts":
			cfg.Realtime.ReconnectAttempts = n
		case "reconnect_delay_ms":
			cfg.Realtime.ReconnectDelayMs = n
		case "write_timeout_ms":
			cfg.Realtime.WriteTimeoutMs = n
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "auth":
		return fmt.Errorf("the [auth] section is managed by login and logout")
	default:
		return fmt.Errorf("unknown config section %q (valid: default, realtime)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose bool
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Realtime chat client",
	Long:  "Command-line client for a realtime chat room with persisted history.\nSign in, read history and chat live.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// sessionFromConfig returns the stored session, or nil when none is stored.
func sessionFromConfig(a ConfigAuth) *chatsync.Session {
	if a.AccessToken == "" {
		return nil
	}
	s := &chatsync.Session{
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		UserID:       a.UserID,
		Email:        a.Email,
	}
	if t, err := time.Parse(time.RFC3339, a.ExpiresAt); err == nil {
		s.ExpiresAt = t
	}
	return s
}

func configAuthFromSession(s *chatsync.Session) ConfigAuth {
	if s == nil {
		return ConfigAuth{}
	}
	a := ConfigAuth{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		UserID:       s.UserID,
		Email:        s.Email,
	}
	if !s.ExpiresAt.IsZero() {
		a.ExpiresAt = s.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return a
}
