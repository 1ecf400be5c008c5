package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check whether the stored session is still valid, and count the persisted messages.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Realtime URL: %s\n", valueOrDefault(cfg.Default.RealtimeURL, "(not set)"))
		fmt.Printf("  Store:        %s\n", valueOrDefault(cfg.Default.Store, "rest"))
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:      %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:      (not set)")
		}

		fmt.Println()
		fmt.Println("Session:")
		stored := sessionFromConfig(cfg.Auth)
		if stored == nil {
			fmt.Println("  (signed out)")
			return nil
		}
		fmt.Printf("  Email:        %s\n", stored.Email)
		fmt.Printf("  User ID:      %s\n", stored.UserID)

		tokenStatus := "present (no expiry set)"
		if !stored.ExpiresAt.IsZero() {
			if stored.Expired(time.Now()) {
				tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", stored.ExpiresAt.Format(time.RFC3339))
			} else {
				tokenStatus = fmt.Sprintf("valid (expires %s)", stored.ExpiresAt.Format(time.RFC3339))
			}
		}
		fmt.Printf("  Token:        %s\n", tokenStatus)

		client, err := newClient(cfg)
		if err != nil {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		auth := chatsync.NewAuthClient(client, configPersister{})
		s, err := chatsync.NewSessionManager(auth, chatsync.WithSessionLogger(logger)).Current(ctx)
		if err != nil {
			fmt.Printf("  Error checking session: %v\n", err)
			return nil
		}
		if s == nil {
			fmt.Println("  Session no longer valid. Run 'chatsync login <email>'.")
			return nil
		}
		fmt.Printf("  Display Name: %s\n", s.DisplayName)

		store, closeStore, err := newStore(cfg, client)
		if err != nil {
			fmt.Printf("  Error opening store: %v\n", err)
			return nil
		}
		defer closeStore()

		adapter := chatsync.NewStoreAdapter(store, logger)
		adapter.Bind(s)
		msgs, err := adapter.FetchAll(ctx)
		if err != nil {
			fmt.Printf("  Error reading history: %v\n", err)
			return nil
		}
		fmt.Printf("  Messages:     %d\n", len(msgs))
		return nil
	},
}
