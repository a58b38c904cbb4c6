package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and fetch a live summary of your conversations.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}
		if cfg.Auth.UserID != 0 {
			fmt.Printf("  User ID:  %d\n", cfg.Auth.UserID)
		}

		if cfg.Auth.Token == "" {
			return nil
		}

		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")

		unread, err := client.UnreadCount(ctx)
		if err != nil {
			fmt.Printf("  Error fetching unread count: %v\n", err)
			return nil
		}
		fmt.Printf("  Unread messages: %d\n", unread)

		page, err := client.Conversations(ctx, 0, 20)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		fmt.Printf("  Conversations:   %d\n", page.TotalItems)
		return nil
	},
}
