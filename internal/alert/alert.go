// Package alert delivers drift-threshold and override alerts to external
// sinks. Delivery failures are returned to the caller, which logs them;
// no sink failure is ever fatal to monitoring.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/signalnine/capsulewatch/internal/protocol"
)

// Sink receives alert envelopes.
type Sink interface {
	Send(ctx context.Context, a protocol.Alert) error
}

// Func adapts a function to a Sink.
type Func func(ctx context.Context, a protocol.Alert) error

func (f Func) Send(ctx context.Context, a protocol.Alert) error { return f(ctx, a) }

// Drift builds the envelope for a category whose drift ratio crossed its
// threshold.
func Drift(category string, ratio float64, assessment protocol.DriftAssessment, now time.Time) protocol.Alert {
	a := assessment
	return protocol.Alert{
		ID:        uuid.NewString(),
		Kind:      protocol.AlertDrift,
		CapsuleID: assessment.CapsuleID,
		Category:  category,
		Ratio:     ratio,
		Timestamp: now,
		Drift:     &a,
	}
}

// Override builds the envelope for a logged override.
func Override(rec protocol.OverrideRecord, now time.Time) protocol.Alert {
	r := rec
	return protocol.Alert{
		ID:        uuid.NewString(),
		Kind:      protocol.AlertOverride,
		CapsuleID: rec.CapsuleID,
		Category:  rec.OverrideSource,
		Timestamp: now,
		Override:  &r,
	}
}

// Multi fans an alert out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, a protocol.Alert) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes alerts to a slog logger at Warn level.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Send(_ context.Context, a protocol.Alert) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"alert_id", a.ID, "kind", a.Kind, "capsule_id", a.CapsuleID}
	switch a.Kind {
	case protocol.AlertDrift:
		attrs = append(attrs, "category", a.Category, "ratio", a.Ratio)
		if a.Drift != nil {
			attrs = append(attrs, "drift_percentage", a.Drift.DriftPercentage)
		}
	case protocol.AlertOverride:
		attrs = append(attrs, "override_source", a.Category)
		if a.Override != nil {
			attrs = append(attrs, "override_id", a.Override.OverrideID, "authorized", a.Override.Metadata.Authorized)
		}
	}
	logger.Warn("capsule alert", attrs...)
	return nil
}
