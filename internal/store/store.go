// Package store persists bounded per-capsule histories.
//
// A Store holds one JSON-encodable record list per capsule and always
// replaces the whole list on Put, which is how the history ledgers write
// through after each append. Three backends satisfy the same interface:
// Memory, File (one JSON file per capsule) and SQLite (one row per capsule).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalnine/capsulewatch/internal/config"
	"github.com/signalnine/capsulewatch/internal/protocol"
)

// ErrNotFound is returned by Get when no history exists for a capsule.
var ErrNotFound = errors.New("store: history not found")

// History kinds. They name the file suffix and the sqlite kind column.
const (
	KindMutations = "mutations"
	KindOverrides = "overrides"
)

// Store is a durable sink for per-capsule record lists.
type Store[R any] interface {
	// Get returns the persisted history in append order.
	Get(ctx context.Context, capsuleID string) ([]R, error)
	// Put replaces the persisted history of capsuleID.
	Put(ctx context.Context, capsuleID string, records []R) error
	// List returns the ids of every capsule with a persisted history.
	List(ctx context.Context) ([]string, error)
}

// Backend bundles the two history stores of one storage configuration.
type Backend struct {
	Mutations Store[protocol.MutationRecord]
	Overrides Store[protocol.OverrideRecord]

	close func() error
}

// Close releases resources held by the backend.
func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

// Open builds the backend selected by cfg. When persistence is disabled it
// returns nil and the ledgers keep history in memory only.
func Open(cfg *config.Config) (*Backend, error) {
	if !cfg.PersistenceEnabled {
		return nil, nil
	}

	switch cfg.StorageBackend {
	case "memory":
		return &Backend{
			Mutations: NewMemory[protocol.MutationRecord](),
			Overrides: NewMemory[protocol.OverrideRecord](),
		}, nil
	case "sqlite":
		db, err := OpenDB(cfg.SQLitePath())
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return &Backend{
			Mutations: NewSQLite[protocol.MutationRecord](db, KindMutations),
			Overrides: NewSQLite[protocol.OverrideRecord](db, KindOverrides),
			close:     db.Close,
		}, nil
	case "file", "":
		return &Backend{
			Mutations: NewFile[protocol.MutationRecord](cfg.MutationsDir(), KindMutations),
			Overrides: NewFile[protocol.OverrideRecord](cfg.OverridesDir(), KindOverrides),
		}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
