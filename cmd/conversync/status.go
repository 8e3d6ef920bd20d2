package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lharris/conversync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, conversync.DefaultBaseURL))
		fmt.Printf("  Token:    %s\n", maskKey(cfg.Auth.Token))
		fmt.Printf("  User ID:  %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))

		if cfg.Auth.Token == "" {
			return nil
		}

		var opts []conversync.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, conversync.WithBaseURL(cfg.Default.BaseURL))
		}
		client := conversync.NewClient(cfg.Auth.Token, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		convs, err := client.ListConversations(ctx)
		if err != nil {
			var authErr *conversync.AuthError
			if errors.As(err, &authErr) {
				fmt.Println("Backend: sign in required (token rejected)")
				return nil
			}
			fmt.Printf("Backend: unreachable (%v)\n", err)
			return nil
		}
		fmt.Printf("Backend: reachable (%d conversations)\n", len(convs))
		return nil
	},
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
