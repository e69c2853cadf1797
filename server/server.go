// Package server provides a reusable todoki server that can be embedded
// in other binaries (e.g. the standalone all-in-one binary).
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/todoki/todoki/internal/event"
	"github.com/todoki/todoki/internal/logging"
	"github.com/todoki/todoki/internal/metrics"
	"github.com/todoki/todoki/internal/server/auth"
	"github.com/todoki/todoki/internal/server/config"
	"github.com/todoki/todoki/internal/server/db"
	"github.com/todoki/todoki/internal/server/eventbus"
	"github.com/todoki/todoki/internal/server/eventstore"
	"github.com/todoki/todoki/internal/server/gateway"
	"github.com/todoki/todoki/internal/server/orchestrator"
	"github.com/todoki/todoki/internal/server/relaymgr"
	"github.com/todoki/todoki/internal/server/review"
	"github.com/todoki/todoki/internal/server/state"
	"github.com/todoki/todoki/internal/server/stream"
)

// pruneInterval is how often the event store is checked against the
// retention window.
const pruneInterval = time.Hour

// Server is a reusable todoki server instance.
type Server struct {
	cfg    *config.Config
	sqlDB  *sql.DB
	events *eventstore.Store
	bus    *eventbus.Bus
	state  *state.Store
	orch   *orchestrator.Orchestrator
	server *http.Server
}

// New creates a server from the given configuration. It opens the
// database, runs migrations, and wires every component. Call Serve to
// start listening.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	events := eventstore.New(sqlDB)
	bus := eventbus.New(events)
	st := state.NewStore(sqlDB)
	relays := relaymgr.New()
	commands := relaymgr.NewPendingCommands()
	permissions := relaymgr.NewPendingPermissions()
	streams := stream.NewStore(sqlDB)
	streamHub := stream.NewHub()
	checker := auth.New(cfg.UserToken, cfg.RelayToken)

	reviewer := &review.Reviewer{
		Bus:     bus,
		State:   st,
		Pending: permissions,
		Relays:  relays,
	}
	if cfg.JudgeAPIKey != "" {
		judge, err := review.NewJudgeFromAPIKey(cfg.JudgeAPIKey, cfg.JudgeModel)
		if err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("create permission judge: %w", err)
		}
		reviewer.Judge = judge
		slog.Info("permission judge enabled", "model", cfg.JudgeModel)
	} else {
		slog.Info("permission judge disabled, requests wait for human review")
	}

	s := &Server{
		cfg:    cfg,
		sqlDB:  sqlDB,
		events: events,
		bus:    bus,
		state:  st,
		orch:   &orchestrator.Orchestrator{Bus: bus, State: st},
	}

	gw := &gateway.Gateway{
		Bus:         bus,
		State:       st,
		Relays:      relays,
		Commands:    commands,
		Permissions: permissions,
		Streams:     streams,
		StreamHub:   streamHub,
		Reviewer:    reviewer,
		Auth:        checker,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/events", gw)
	mux.Handle("/ws/agent-stream/", &stream.Handler{
		Store:     streams,
		Hub:       streamHub,
		Auth:      checker,
		SendInput: s.sendInput,
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	s.server = &http.Server{
		Handler:           logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// State returns the server's state store for direct access (e.g. for
// standalone agent provisioning).
func (s *Server) State() *state.Store {
	return s.state
}

// Bus returns the server's event bus.
func (s *Server) Bus() *eventbus.Bus {
	return s.bus
}

// sendInput routes a user-submitted prompt to the relay driving the
// agent's running session. The gateway delivers the command over the
// relay's event connection via the relay_id stamp.
func (s *Server) sendInput(ctx context.Context, agentID, input string) error {
	sess, err := s.state.ActiveSessionForAgent(ctx, agentID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(map[string]any{
		"relay_id":   sess.RelayID,
		"session_id": sess.ID,
		"agent_id":   agentID,
		"input":      input,
	})
	if err != nil {
		return fmt.Errorf("marshal input request: %w", err)
	}
	_, err = s.bus.Emit(ctx, &event.Event{
		Kind:      event.RelayInputRequested,
		AgentID:   agentID,
		SessionID: sess.ID,
		TaskID:    sess.TaskID,
		Data:      data,
	})
	return err
}

// Serve starts the server on its TCP listener and blocks until ctx is
// cancelled, then performs graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.orch.Run(runCtx)
	if s.cfg.Retention > 0 {
		go eventstore.RunPruner(runCtx, s.events, pruneInterval, s.cfg.Retention)
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	slog.Info("server listening", "addr", s.cfg.Addr)
	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}
	<-shutdownDone

	s.bus.Close()
	if err := s.sqlDB.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
