// Package config holds the server's runtime configuration.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds the server's runtime configuration.
type Config struct {
	Addr       string        // Listen address (e.g. ":4500")
	DataDir    string        // Data directory for the SQLite database
	UserToken  string        // Bearer token for user clients
	RelayToken string        // Bearer token for relays
	Retention  time.Duration // Event retention window; 0 disables pruning

	// Permission review. Empty API key disables the judge.
	JudgeAPIKey string
	JudgeModel  string
}

// DefineFlags registers command-line flags on the given FlagSet.
// Call fs.Parse separately after defining all flags.
func DefineFlags(fs *flag.FlagSet) *Config {
	c := &Config{}
	fs.StringVar(&c.Addr, "addr", ":4500", "listen address")
	fs.StringVar(&c.DataDir, "data-dir", defaultDataDir(), "data directory")
	fs.StringVar(&c.UserToken, "user-token", os.Getenv("TODOKI_USER_TOKEN"), "bearer token for user clients")
	fs.StringVar(&c.RelayToken, "relay-token", os.Getenv("TODOKI_RELAY_TOKEN"), "bearer token for relays")
	fs.DurationVar(&c.Retention, "retention", 30*24*time.Hour, "event retention window (0 disables pruning)")
	fs.StringVar(&c.JudgeAPIKey, "judge-api-key", os.Getenv("ANTHROPIC_API_KEY"), "API key for the permission judge (empty disables auto-review)")
	fs.StringVar(&c.JudgeModel, "judge-model", "claude-sonnet-4-5", "model used by the permission judge")
	return c
}

// Validate checks the configuration values and ensures required
// directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.UserToken == "" && c.RelayToken == "" {
		return fmt.Errorf("at least one of -user-token or -relay-token is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "todoki", "server")
	}
	return filepath.Join(home, ".config", "todoki", "server")
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "todoki.db")
}
