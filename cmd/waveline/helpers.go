package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	waveline "github.com/waveline-app/waveline-go"
)

// getClient creates a Waveline client from the stored configuration.
func getClient() (*waveline.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'waveline init <token>' first.")
		os.Exit(1)
	}

	var opts []waveline.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, waveline.WithBaseURL(cfg.Default.BaseURL))
	}
	return waveline.NewClient(cfg.Auth.Token, opts...), cfg
}

func parseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// waitConnected blocks until the channel reports connected, or gives up.
func waitConnected(ch *waveline.Channel, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ch.State() == waveline.StateConnected {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("realtime channel not connected after %s", timeout)
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
