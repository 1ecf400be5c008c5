package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(signupCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

// ============================================================================
// signup
// ============================================================================

var signupCmd = &cobra.Command{
	Use:   "signup <email>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		auth, err := newAuth(cfg)
		if err != nil {
			return err
		}

		password, err := promptPassword("Password: ")
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		if password == "" {
			return fmt.Errorf("password must not be empty")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		res, err := auth.SignUp(ctx, email, password)
		if errors.Is(err, chatsync.ErrUserExists) {
			return fmt.Errorf("an account for %s already exists; run 'chatsync login %s'", email, email)
		}
		if err != nil {
			return fmt.Errorf("sign-up failed: %w", err)
		}

		fmt.Println("Sign-up successful!")
		fmt.Printf("  User ID:  %s\n", res.UserID)
		fmt.Printf("  Username: %s\n", chatsync.DisplayNameFromEmail(email))
		if res.ConfirmationSent {
			fmt.Println("  Check your email to confirm the account, then run 'chatsync login'.")
		} else {
			fmt.Println("  Signed in.")
		}
		return nil
	},
}

// ============================================================================
// login
// ============================================================================

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store the session locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		auth, err := newAuth(cfg)
		if err != nil {
			return err
		}

		password, err := promptPassword("Password: ")
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		s, err := auth.SignInWithPassword(ctx, email, password)
		if err != nil {
			var apiErr *chatsync.APIError
			if errors.As(err, &apiErr) {
				return fmt.Errorf("login failed: %s", apiErr.Message)
			}
			return fmt.Errorf("login failed: %w", err)
		}

		fmt.Printf("Signed in as %s (%s)\n", s.DisplayName, s.UserID)
		return nil
	},
}

// ============================================================================
// logout
// ============================================================================

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		auth, err := newAuth(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		if err := chatsync.NewSessionManager(auth, chatsync.WithSessionLogger(logger)).SignOut(ctx); err != nil {
			return err
		}
		fmt.Println("Signed out.")
		return nil
	},
}
