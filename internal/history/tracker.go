package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/signalnine/capsulewatch/internal/clock"
	"github.com/signalnine/capsulewatch/internal/logging"
	"github.com/signalnine/capsulewatch/internal/protocol"
	"github.com/signalnine/capsulewatch/internal/store"
)

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	MaxLength int
	// Store is nil when persistence is disabled.
	Store  store.Store[protocol.MutationRecord]
	Clock  clock.Clock
	Logger *slog.Logger
}

// Tracker records every detected change of a capsule as a mutation.
type Tracker struct {
	log   *ledger[protocol.MutationRecord]
	clock clock.Clock
}

// NewTracker creates a Tracker and loads any persisted histories.
func NewTracker(ctx context.Context, opts TrackerOptions) *Tracker {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	t := &Tracker{
		log:   newLedger(store.KindMutations, opts.MaxLength, opts.Store, logging.OrDefault(opts.Logger)),
		clock: opts.Clock,
	}
	t.log.load(ctx)
	return t
}

// TrackMutation appends a mutation record for the change from previous to
// current. Source and reason default to "unknown", authorized to false.
func (t *Tracker) TrackMutation(ctx context.Context, capsuleID string, previous, current protocol.Snapshot, changes protocol.ChangeSet) protocol.MutationRecord {
	now := t.clock.Now()
	return t.log.append(ctx, capsuleID, func(existing []protocol.MutationRecord) protocol.MutationRecord {
		ts := now
		if n := len(existing); n > 0 {
			ts = after(ts, existing[n-1].Timestamp)
		}
		return protocol.MutationRecord{
			MutationID:      recordID(capsuleID, ts),
			CapsuleID:       capsuleID,
			Timestamp:       ts,
			Changes:         changes,
			PreviousVersion: previous.Version,
			CurrentVersion:  current.Version,
			Metadata: protocol.MutationMetadata{
				Source:     protocol.OrUnknown(changes.Attribution.Source),
				Reason:     protocol.OrUnknown(changes.Attribution.Reason),
				Authorized: changes.Attribution.Authorized,
			},
		}
	})
}

// GetMutationHistory returns the mutations of capsuleID, oldest first.
func (t *Tracker) GetMutationHistory(capsuleID string) []protocol.MutationRecord {
	return t.log.all(capsuleID)
}

// GetMutation looks up one mutation by id.
func (t *Tracker) GetMutation(capsuleID, mutationID string) (protocol.MutationRecord, bool) {
	for _, r := range t.log.all(capsuleID) {
		if r.MutationID == mutationID {
			return r, true
		}
	}
	return protocol.MutationRecord{}, false
}

// GetMutationsByTimerange returns the mutations with start <= timestamp <= end.
func (t *Tracker) GetMutationsByTimerange(capsuleID string, start, end time.Time) []protocol.MutationRecord {
	return t.log.filter(capsuleID, func(r protocol.MutationRecord) bool {
		return inRange(r.Timestamp, start, end)
	})
}

// ClearHistory empties the mutation history of capsuleID. The in-memory
// history is cleared even when persisting the empty list fails.
func (t *Tracker) ClearHistory(ctx context.Context, capsuleID string) error {
	if err := t.log.clear(ctx, capsuleID); err != nil {
		return fmt.Errorf("persist cleared mutations of %s: %w", capsuleID, err)
	}
	return nil
}

// Capsules returns the ids that have at least one mutation.
func (t *Tracker) Capsules() []string {
	return t.log.capsules()
}

// after keeps record timestamps strictly increasing within a history, so
// ids derived from them stay unique when the clock stalls or steps back.
func after(ts, last time.Time) time.Time {
	if !ts.After(last) {
		return last.Add(time.Nanosecond)
	}
	return ts
}

func recordID(capsuleID string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", capsuleID, ts.UnixNano())
}

func inRange(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && ts.After(end) {
		return false
	}
	return true
}
