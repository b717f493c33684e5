package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"lexreport/api/internal/collab"
	"lexreport/api/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "livectl",
	Short:   "Live collaboration client for the LexReport API",
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

// Execute runs the root command; main calls it once.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().String("server", envOr("LEXREPORT_SERVER", "http://localhost:8787"), "API base URL")
	rootCmd.PersistentFlags().String("token", os.Getenv("LEXREPORT_TOKEN"), "bearer token from /api/session/login")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger(cmd *cobra.Command) zerolog.Logger {
	level := "info"
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	return logging.New(os.Stderr, level, "console")
}

// realtimeURL maps the API base URL onto its websocket endpoint.
func realtimeURL(server, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/api/realtime"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// fetchIdentity asks the API who the token belongs to.
func fetchIdentity(ctx context.Context, server, token string) (collab.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+"/api/session", nil)
	if err != nil {
		return collab.Identity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return collab.Identity{}, fmt.Errorf("fetch session: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Authenticated bool   `json:"authenticated"`
		UserID        string `json:"userId"`
		UserName      string `json:"userName"`
		UserEmail     string `json:"userEmail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return collab.Identity{}, fmt.Errorf("decode session: %w", err)
	}
	if !body.Authenticated {
		return collab.Identity{}, fmt.Errorf("token is not valid")
	}
	return collab.Identity{UserID: body.UserID, UserName: body.UserName, UserEmail: body.UserEmail}, nil
}
