package history

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/signalnine/capsulewatch/internal/alert"
	"github.com/signalnine/capsulewatch/internal/clock"
	"github.com/signalnine/capsulewatch/internal/logging"
	"github.com/signalnine/capsulewatch/internal/protocol"
	"github.com/signalnine/capsulewatch/internal/store"
)

// OverrideOptions configures an OverrideLogger.
type OverrideOptions struct {
	MaxLength int
	Store     store.Store[protocol.OverrideRecord]
	// Sink receives an alert per logged override when AlertOnOverride is set.
	Sink            alert.Sink
	AlertOnOverride bool
	Clock           clock.Clock
	Logger          *slog.Logger
}

// OverrideLogger records changes made outside the normal update path.
// Its history is separate from the Tracker's.
type OverrideLogger struct {
	log     *ledger[protocol.OverrideRecord]
	sink    alert.Sink
	alertOn bool
	clock   clock.Clock
	logger  *slog.Logger
}

// NewOverrideLogger creates an OverrideLogger and loads any persisted
// histories.
func NewOverrideLogger(ctx context.Context, opts OverrideOptions) *OverrideLogger {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := logging.OrDefault(opts.Logger)
	o := &OverrideLogger{
		log:     newLedger(store.KindOverrides, opts.MaxLength, opts.Store, logger),
		sink:    opts.Sink,
		alertOn: opts.AlertOnOverride,
		clock:   opts.Clock,
		logger:  logger,
	}
	o.log.load(ctx)
	return o
}

// LogOverride appends an override record and, when enabled, raises an
// override alert. Alert failures are logged and do not undo the record.
func (o *OverrideLogger) LogOverride(ctx context.Context, capsuleID string, previous, current protocol.Snapshot, changes protocol.ChangeSet, source string) protocol.OverrideRecord {
	now := o.clock.Now()
	attr := changes.Attribution
	rec := o.log.append(ctx, capsuleID, func(existing []protocol.OverrideRecord) protocol.OverrideRecord {
		ts := now
		if n := len(existing); n > 0 {
			ts = after(ts, existing[n-1].Timestamp)
		}
		return protocol.OverrideRecord{
			OverrideID:      recordID(capsuleID, ts),
			CapsuleID:       capsuleID,
			Timestamp:       ts,
			Changes:         changes,
			PreviousVersion: previous.Version,
			CurrentVersion:  current.Version,
			OverrideSource:  protocol.OrUnknown(source),
			Metadata: protocol.OverrideMetadata{
				Source:          protocol.OrUnknown(cmp.Or(attr.Source, source)),
				Reason:          protocol.OrUnknown(attr.Reason),
				Authorized:      attr.Authorized,
				AuthorizationID: attr.AuthorizationID,
				UserID:          attr.UserID,
				SystemID:        attr.SystemID,
			},
		}
	})

	o.logger.Info("override logged",
		"capsule_id", capsuleID, "override_id", rec.OverrideID,
		"override_source", rec.OverrideSource, "authorized", rec.Metadata.Authorized)

	if o.alertOn && o.sink != nil {
		if err := o.sink.Send(ctx, alert.Override(rec, now)); err != nil {
			o.logger.Warn("override alert delivery failed", "capsule_id", capsuleID, "override_id", rec.OverrideID, "error", err)
		}
	}
	return rec
}

// GetOverrideHistory returns the overrides of capsuleID, oldest first.
func (o *OverrideLogger) GetOverrideHistory(capsuleID string) []protocol.OverrideRecord {
	return o.log.all(capsuleID)
}

// GetOverridesBySource returns the overrides made by source.
func (o *OverrideLogger) GetOverridesBySource(capsuleID, source string) []protocol.OverrideRecord {
	return o.log.filter(capsuleID, func(r protocol.OverrideRecord) bool {
		return r.OverrideSource == source
	})
}

// GetOverridesByTimerange returns the overrides with start <= timestamp <= end.
func (o *OverrideLogger) GetOverridesByTimerange(capsuleID string, start, end time.Time) []protocol.OverrideRecord {
	return o.log.filter(capsuleID, func(r protocol.OverrideRecord) bool {
		return inRange(r.Timestamp, start, end)
	})
}

// ClearHistory empties the override history of capsuleID.
func (o *OverrideLogger) ClearHistory(ctx context.Context, capsuleID string) error {
	if err := o.log.clear(ctx, capsuleID); err != nil {
		return fmt.Errorf("persist cleared overrides of %s: %w", capsuleID, err)
	}
	return nil
}

// Capsules returns the ids that have at least one override.
func (o *OverrideLogger) Capsules() []string {
	return o.log.capsules()
}
