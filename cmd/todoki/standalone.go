package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/todoki/todoki/internal/id"
	"github.com/todoki/todoki/internal/logging"
	relayconfig "github.com/todoki/todoki/internal/relay/config"
	serverconfig "github.com/todoki/todoki/internal/server/config"
	"github.com/todoki/todoki/relay"
	"github.com/todoki/todoki/server"
)

// standaloneState persists the auto-generated tokens so restarts keep
// existing clients working.
type standaloneState struct {
	UserToken  string `json:"user_token"`
	RelayToken string `json:"relay_token"`
}

func runStandalone(args []string) error {
	fs := flag.NewFlagSet("todoki", flag.ExitOnError)
	addr := fs.String("addr", ":4500", "TCP listen address")
	dataDir := fs.String("data-dir", defaultStandaloneDataDir(), "data directory")
	agentCmd := fs.String("agent-cmd", "", "default agent command for the local relay")
	safePaths := fs.String("safe-paths", "", "comma-separated safe workdir roots for the local relay")
	retention := fs.Duration("retention", 30*24*time.Hour, "event retention window (0 disables pruning)")
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

	logging.PrintBanner("standalone", version, *addr)

	if err := os.MkdirAll(*dataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	state, err := loadOrCreateState(filepath.Join(*dataDir, "state.json"))
	if err != nil {
		return fmt.Errorf("standalone tokens: %w", err)
	}

	srv, err := server.New(&serverconfig.Config{
		Addr:        *addr,
		DataDir:     filepath.Join(*dataDir, "server"),
		UserToken:   state.UserToken,
		RelayToken:  state.RelayToken,
		Retention:   *retention,
		JudgeAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		JudgeModel:  "claude-sonnet-4-5",
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hostname, _ := os.Hostname()
	relayCfg := &relayconfig.Config{
		ServerURL: localURL(*addr),
		Token:     state.RelayToken,
		Name:      hostname + " (local)",
		Role:      "general",
		SafePaths: splitList(*safePaths),
		AgentCmd:  *agentCmd,
	}
	if err := relayCfg.Validate(); err != nil {
		return fmt.Errorf("local relay config: %w", err)
	}

	slog.Info("todoki standalone listening",
		"addr", *addr, "user_token", state.UserToken)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	g.Go(func() error {
		// The relay keeps retrying until the server is listening, so no
		// startup synchronization is needed.
		if err := relay.Run(gctx, relay.RunConfig{Config: relayCfg}); err != nil {
			return fmt.Errorf("local relay: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// loadOrCreateState loads saved tokens or generates and persists fresh
// ones.
func loadOrCreateState(path string) (*standaloneState, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var s standaloneState
		if json.Unmarshal(data, &s) == nil && s.UserToken != "" && s.RelayToken != "" {
			return &s, nil
		}
		slog.Warn("standalone state unreadable, regenerating tokens", "path", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read state: %w", err)
	}

	s := &standaloneState{
		UserToken:  id.Generate(),
		RelayToken: id.Generate(),
	}
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, fmt.Errorf("write state: %w", err)
	}
	return s, nil
}

// localURL turns a listen address into a URL the local relay can dial.
func localURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func splitList(raw string) []string {
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

func defaultStandaloneDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "todoki")
	}
	return filepath.Join(home, ".config", "todoki")
}
