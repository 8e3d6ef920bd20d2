package main

import (
	"fmt"
	"os"

	"github.com/lharris/conversync"
)

// getClient creates an API client from the stored configuration.
func getClient() (*conversync.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No access token. Run 'conversync init <token>' first.")
		os.Exit(1)
	}

	var opts []conversync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, conversync.WithBaseURL(cfg.Default.BaseURL))
	}
	return conversync.NewClient(cfg.Auth.Token, opts...), cfg
}

// maskKey shows the first 8 and last 4 characters of a credential.
func maskKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 12 {
		return key[:2] + "..."
	}
	return key[:8] + "..." + key[len(key)-4:]
}
