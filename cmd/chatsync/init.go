package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var initRealtimeURL string

func init() {
	initCmd.Flags().StringVar(&initRealtimeURL, "realtime-url", "", "Websocket URL of the realtime server")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <api-key>",
	Short: "Store backend URL and API key in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing the backend URL and its public API key in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, apiKey := strings.TrimRight(args[0], "/"), args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = baseURL
		cfg.Default.APIKey = apiKey
		if initRealtimeURL != "" {
			cfg.Default.RealtimeURL = initRealtimeURL
		}
		if cfg.Default.Store == "" {
			cfg.Default.Store = "rest"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		if cfg.Default.RealtimeURL == "" {
			fmt.Println("Set the realtime server with 'chatsync config set default.realtime_url <url>' before chatting.")
		}
		return nil
	},
}
