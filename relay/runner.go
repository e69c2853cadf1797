// Package relay provides an exported entry point for running the
// todoki relay as a library (e.g. from the standalone binary).
package relay

import (
	"context"
	"errors"

	"github.com/todoki/todoki/internal/relay/client"
	"github.com/todoki/todoki/internal/relay/config"
	"github.com/todoki/todoki/internal/relay/identity"
	"github.com/todoki/todoki/internal/relay/session"
)

// RunConfig holds configuration for running the relay as a library.
type RunConfig struct {
	Config  *config.Config // validated relay configuration
	RelayID string         // identity override; derived from the machine when empty
}

// Run starts the relay and blocks until ctx is cancelled. The relay
// keeps reconnecting to the server for as long as the context lives.
func Run(ctx context.Context, rc RunConfig) error {
	relayID := rc.RelayID
	if relayID == "" {
		relayID = identity.RelayID()
	}

	c := client.New(rc.Config, relayID)
	c.Commands = session.New(rc.Config, c)
	if err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
