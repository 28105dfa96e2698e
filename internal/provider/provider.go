// Package provider fetches the current state of a capsule from wherever
// the deployment publishes it.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalnine/capsulewatch/internal/config"
	"github.com/signalnine/capsulewatch/internal/protocol"
)

// ErrUnknownCapsule is returned when the source has no state for a capsule.
var ErrUnknownCapsule = errors.New("provider: unknown capsule")

// Provider supplies capsule snapshots on demand.
type Provider interface {
	Snapshot(ctx context.Context, capsuleID string) (protocol.Snapshot, error)
}

// Lister is implemented by providers that can enumerate their capsules.
type Lister interface {
	Capsules(ctx context.Context) ([]string, error)
}

// Build returns the provider selected by cfg.
func Build(cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "dir", "":
		return NewDir(cfg.Dir), nil
	case "http":
		return NewHTTP(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
