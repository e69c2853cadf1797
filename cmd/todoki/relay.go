package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/todoki/todoki/internal/logging"
	"github.com/todoki/todoki/internal/relay/config"
	"github.com/todoki/todoki/internal/relay/identity"
	"github.com/todoki/todoki/relay"
)

func runRelay(args []string) error {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	configPath := fs.String("config", defaultRelayConfigPath(), "relay config file (TOML)")
	showVersion := fs.Bool("version", false, "print version and exit")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}
	if err := setLogLevel(*logLevel); err != nil {
		return err
	}

	// A missing default config file is fine; the environment may carry
	// everything. An explicitly passed path must exist.
	path := *configPath
	if !isFlagSet(fs, "config") {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	relayID := identity.RelayID()
	logging.PrintBanner("relay", version, cfg.ServerURL)
	slog.Info("starting relay",
		"relay_id", relayID,
		"name", cfg.Name,
		"role", cfg.Role,
		"server", cfg.ServerURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return relay.Run(ctx, relay.RunConfig{Config: cfg, RelayID: relayID})
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func defaultRelayConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "todoki", "relay.toml")
	}
	return filepath.Join(home, ".config", "todoki", "relay.toml")
}
