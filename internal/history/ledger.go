// Package history keeps the bounded per-capsule mutation and override
// logs and writes them through to a store after every change.
package history

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/signalnine/capsulewatch/internal/store"
)

// DefaultMaxLength bounds each capsule's history.
const DefaultMaxLength = 100

// ledger is a FIFO-bounded record list per capsule. Appends and clears
// for one capsule are serialized by that capsule's lock, persistence
// included, so the stored list always matches some in-memory state.
type ledger[R any] struct {
	kind   string
	max    int
	store  store.Store[R]
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry[R]
}

type entry[R any] struct {
	mu      sync.Mutex
	records []R
}

func newLedger[R any](kind string, max int, st store.Store[R], logger *slog.Logger) *ledger[R] {
	if max <= 0 {
		max = DefaultMaxLength
	}
	return &ledger[R]{
		kind:    kind,
		max:     max,
		store:   st,
		logger:  logger,
		entries: make(map[string]*entry[R]),
	}
}

func (l *ledger[R]) entry(capsuleID string) *entry[R] {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[capsuleID]
	if !ok {
		e = &entry[R]{}
		l.entries[capsuleID] = e
	}
	return e
}

func (l *ledger[R]) lookup(capsuleID string) (*entry[R], bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[capsuleID]
	return e, ok
}

// load reads every persisted history. A capsule that fails to load is
// logged and skipped.
func (l *ledger[R]) load(ctx context.Context) {
	if l.store == nil {
		return
	}
	ids, err := l.store.List(ctx)
	if err != nil {
		l.logger.Warn("history list failed", "kind", l.kind, "error", err)
		return
	}

	loaded := 0
	for _, id := range ids {
		records, err := l.store.Get(ctx, id)
		if err != nil {
			l.logger.Warn("history load failed", "kind", l.kind, "capsule_id", id, "error", err)
			continue
		}
		if len(records) > l.max {
			records = records[len(records)-l.max:]
		}
		e := l.entry(id)
		e.mu.Lock()
		e.records = append([]R(nil), records...)
		e.mu.Unlock()
		loaded++
	}
	l.logger.Debug("history loaded", "kind", l.kind, "capsules", loaded)
}

// append builds a record from the current history, appends it, truncates
// to the bound and persists. A failed write is logged; the append stands.
func (l *ledger[R]) append(ctx context.Context, capsuleID string, build func(existing []R) R) R {
	e := l.entry(capsuleID)
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := build(e.records)
	e.records = append(e.records, rec)
	if len(e.records) > l.max {
		e.records = append([]R(nil), e.records[len(e.records)-l.max:]...)
	}

	if err := l.persist(ctx, capsuleID, e.records); err != nil {
		l.logger.Warn("history write failed", "kind", l.kind, "capsule_id", capsuleID, "error", err)
	}
	return rec
}

func (l *ledger[R]) persist(ctx context.Context, capsuleID string, records []R) error {
	if l.store == nil {
		return nil
	}
	return l.store.Put(ctx, capsuleID, records)
}

// all returns a copy of the history of capsuleID.
func (l *ledger[R]) all(capsuleID string) []R {
	e, ok := l.lookup(capsuleID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]R(nil), e.records...)
}

// filter returns the records of capsuleID matching keep, in order.
func (l *ledger[R]) filter(capsuleID string, keep func(R) bool) []R {
	var out []R
	for _, r := range l.all(capsuleID) {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// clear empties the history and persists the empty list. The in-memory
// clear stands even when the write fails.
func (l *ledger[R]) clear(ctx context.Context, capsuleID string) error {
	e := l.entry(capsuleID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = nil
	return l.persist(ctx, capsuleID, []R{})
}

// capsules returns the sorted ids with a non-empty history.
func (l *ledger[R]) capsules() []string {
	l.mu.Lock()
	entries := make(map[string]*entry[R], len(l.entries))
	for id, e := range l.entries {
		entries[id] = e
	}
	l.mu.Unlock()

	var ids []string
	for id, e := range entries {
		e.mu.Lock()
		if len(e.records) > 0 {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}
