package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	historyJSON  bool
	historyLimit int
)

func init() {
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show only the last N messages")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the persisted chat history",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		auth := chatsync.NewAuthClient(client, configPersister{})
		s, err := chatsync.NewSessionManager(auth, chatsync.WithSessionLogger(logger)).Current(ctx)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("not signed in; run 'chatsync login <email>' first")
		}

		store, closeStore, err := newStore(cfg, client)
		if err != nil {
			return err
		}
		defer closeStore()

		adapter := chatsync.NewStoreAdapter(store, logger)
		adapter.Bind(s)
		msgs, err := adapter.FetchAll(ctx)
		if err != nil {
			return err
		}
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}

		if historyJSON {
			records := make([]chatsync.MessageRecord, len(msgs))
			for i, m := range msgs {
				records[i] = chatsync.NewMessageRecord(m)
			}
			b, _ := json.MarshalIndent(records, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m))
		}
		return nil
	},
}
