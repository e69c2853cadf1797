// Package config loads the relay's configuration from a TOML file and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Roles a relay may advertise. A "general" relay matches any required
// role.
var ValidRoles = []string{"general", "business", "coding", "qa"}

// Config holds the relay's runtime configuration.
type Config struct {
	ServerURL   string   // Server URL (e.g. "http://localhost:4500")
	Token       string   // Relay bearer token
	Name        string   // Human-readable relay name
	Role        string   // One of ValidRoles
	SafePaths   []string // Directories agent workdirs must live under; empty disables the check
	Labels      []string
	Projects    []string
	SetupScript string // Shell script run in the workdir before each spawn
	AgentCmd    string // Default agent command when a spawn omits one
}

// envKeys maps recognized environment variables to config keys.
// Environment overrides the file.
var envKeys = map[string]string{
	"SERVER_URL":  "server_url",
	"RELAY_TOKEN": "relay_token",
	"RELAY_NAME":  "relay_name",
	"RELAY_ROLE":  "relay_role",
	"SAFE_PATHS":  "safe_paths",
}

// Load reads the TOML file at path (optional) and applies environment
// overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	c := &Config{
		ServerURL:   k.String("server_url"),
		Token:       k.String("relay_token"),
		Name:        k.String("relay_name"),
		Role:        k.String("relay_role"),
		SafePaths:   stringList(k, "safe_paths"),
		Labels:      stringList(k, "labels"),
		Projects:    stringList(k, "projects"),
		SetupScript: k.String("setup_script"),
		AgentCmd:    k.String("agent_cmd"),
	}
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Name = host
		}
	}
	if c.Role == "" {
		c.Role = "general"
	}
}

// Validate checks required fields and the role value.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required (config file or SERVER_URL)")
	}
	if c.Token == "" {
		return fmt.Errorf("relay_token is required (config file or RELAY_TOKEN)")
	}
	for _, r := range ValidRoles {
		if c.Role == r {
			return nil
		}
	}
	return fmt.Errorf("invalid relay_role %q (want one of %s)", c.Role, strings.Join(ValidRoles, ", "))
}

// stringList reads a key that may be a TOML array or a comma-separated
// string (the environment form).
func stringList(k *koanf.Koanf, key string) []string {
	if vals := k.Strings(key); len(vals) > 0 {
		return vals
	}
	raw := k.String(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
