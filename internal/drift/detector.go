// Package drift compares capsule snapshots and scores how far a capsule
// has moved from a previous or baseline state.
//
// Compare is the pure comparison. Detector wraps it with the side effects
// a running monitor needs: a bounded per-capsule drift log, per-category
// threshold alerts, and baselines that can be persisted to a state file.
package drift

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/signalnine/capsulewatch/internal/alert"
	"github.com/signalnine/capsulewatch/internal/clock"
	"github.com/signalnine/capsulewatch/internal/logging"
	"github.com/signalnine/capsulewatch/internal/protocol"
)

// ErrNoBaseline is returned by DetectBaselineDrift for a capsule that has
// no baseline.
var ErrNoBaseline = errors.New("no baseline for capsule")

// Categories scored by Compare, in report order.
var Categories = []string{
	protocol.FieldConfiguration,
	protocol.FieldResources,
	protocol.FieldStatus,
	protocol.FieldMetadata,
}

// Volatile fields never count as changes.
var volatileFields = map[string]bool{
	protocol.FieldTimestamp:   true,
	protocol.FieldLastUpdated: true,
}

// DefaultThresholds are the per-category alert thresholds.
func DefaultThresholds() map[string]float64 {
	return map[string]float64{
		protocol.FieldConfiguration: 0.10,
		protocol.FieldResources:     0.20,
		"performance":               0.15,
	}
}

// DefaultMaxHistory bounds each capsule's drift log.
const DefaultMaxHistory = 100

// Options configures a Detector.
type Options struct {
	Thresholds   map[string]float64
	MaxHistory   int
	Sink         alert.Sink
	Clock        clock.Clock
	Logger       *slog.Logger
	BaselineFile string
}

// Detector runs comparisons and keeps the drift log and baselines.
// It is safe for concurrent use.
type Detector struct {
	thresholds   map[string]float64
	maxHistory   int
	sink         alert.Sink
	clock        clock.Clock
	logger       *slog.Logger
	baselineFile string

	mu        sync.Mutex
	history   map[string][]protocol.DriftEvent
	baselines map[string]protocol.Snapshot
}

// New creates a Detector. When opts.BaselineFile is set, baselines saved
// there by a previous run are loaded.
func New(opts Options) *Detector {
	if opts.Thresholds == nil {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	d := &Detector{
		thresholds:   opts.Thresholds,
		maxHistory:   opts.MaxHistory,
		sink:         opts.Sink,
		clock:        opts.Clock,
		logger:       logging.OrDefault(opts.Logger),
		baselineFile: opts.BaselineFile,
		history:      make(map[string][]protocol.DriftEvent),
		baselines:    make(map[string]protocol.Snapshot),
	}

	if d.baselineFile != "" {
		baselines, err := ReadBaselines(d.baselineFile)
		if err != nil {
			d.logger.Warn("baseline file unreadable, starting without baselines", "path", d.baselineFile, "error", err)
		}
		for id, snap := range baselines {
			d.baselines[id] = snap
		}
	}
	return d
}

// Compare diffs two snapshots of the same capsule. It has no side effects.
func Compare(previous, current protocol.Snapshot) protocol.DriftAssessment {
	prevFields := previous.Fields()
	curFields := current.Fields()

	changes := protocol.ChangeSet{Fields: make(map[string]protocol.ChangeEntry)}
	for _, name := range unionKeys(prevFields, curFields) {
		if volatileFields[name] {
			continue
		}
		prev, inPrev := prevFields[name]
		cur, inCur := curFields[name]
		if inPrev && inCur && prev.Equal(cur) {
			continue
		}
		changes.Fields[name] = protocol.ChangeEntry{Previous: prev, Current: cur}
	}

	if !previous.Configuration.IsNull() && !current.Configuration.IsNull() {
		details, err := DiffConfiguration(previous.Configuration, current.Configuration)
		if err == nil {
			changes.ConfigurationDetails = details
		}
	}

	changes.Attribution = attribution(current)

	a := protocol.DriftAssessment{
		CapsuleID:       cmp.Or(current.CapsuleID, previous.CapsuleID),
		HasChanges:      !changes.Empty(),
		Changes:         changes,
		PreviousVersion: previous.Version,
		CurrentVersion:  current.Version,
	}

	if entry, ok := changes.Fields[protocol.FieldOverrideSource]; ok && !entry.Current.IsNull() {
		a.IsOverride = true
		a.OverrideSource = entry.Current.String()
		if a.Changes.Attribution.Source == "" {
			a.Changes.Attribution.Source = a.OverrideSource
		}
	}

	a.DriftPercentage, a.DriftDetails = score(previous, current, changes)
	return a
}

// score computes the per-category changed-leaf ratios and the overall
// ratio across every category that has leaves.
func score(previous, current protocol.Snapshot, changes protocol.ChangeSet) (float64, map[string]float64) {
	details := make(map[string]float64, len(Categories))
	var totalChanged, totalFields int

	for _, category := range Categories {
		details[category] = 0

		var changed, fields int
		if category == protocol.FieldConfiguration {
			prevLeaves := previous.Configuration.Leaves()
			fields = current.Configuration.Leaves()
			if prevLeaves == 0 || fields == 0 {
				continue
			}
			changed = len(changes.ConfigurationDetails)
		} else {
			fields = current.Category(category).Leaves()
			if fields == 0 {
				continue
			}
			for _, key := range changes.Keys() {
				if key == category || strings.HasPrefix(key, category+"_") {
					changed++
				}
			}
		}

		changed = min(changed, fields)
		details[category] = float64(changed) / float64(fields)
		totalChanged += changed
		totalFields += fields
	}

	if totalFields == 0 {
		return 0, details
	}
	return float64(totalChanged) / float64(totalFields), details
}

// attribution reads who made the change from the current snapshot's
// metadata section.
func attribution(s protocol.Snapshot) protocol.Attribution {
	var a protocol.Attribution
	str := func(key string) string {
		v, ok := s.Metadata.Get(key)
		if !ok || v.IsNull() {
			return ""
		}
		return v.String()
	}
	a.Source = str("source")
	a.Reason = str("reason")
	a.AuthorizationID = str("authorization_id")
	a.UserID = str("user_id")
	a.SystemID = str("system_id")
	if v, ok := s.Metadata.Get("authorized"); ok {
		b, isBool := v.AsBool()
		a.Authorized = isBool && b
	}
	return a
}

// Detect compares previous with current and raises an alert for every
// category over its threshold. Only assessments with changes are appended
// to the drift log; an unchanged comparison is returned but not recorded.
func (d *Detector) Detect(ctx context.Context, previous, current protocol.Snapshot) protocol.DriftAssessment {
	a := Compare(previous.Clone(), current.Clone())
	a.DetectedAt = d.clock.Now()

	if a.HasChanges {
		d.record(a)
	}
	d.checkThresholds(ctx, a)
	return a
}

func (d *Detector) record(a protocol.DriftAssessment) {
	event := protocol.DriftEvent{
		CapsuleID:       a.CapsuleID,
		Timestamp:       a.DetectedAt,
		PreviousVersion: a.PreviousVersion,
		CurrentVersion:  a.CurrentVersion,
		DriftPercentage: a.DriftPercentage,
		DriftDetails:    a.DriftDetails,
		IsOverride:      a.IsOverride,
		Changes:         a.Changes,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	events := append(d.history[a.CapsuleID], event)
	if len(events) > d.maxHistory {
		events = append([]protocol.DriftEvent(nil), events[len(events)-d.maxHistory:]...)
	}
	d.history[a.CapsuleID] = events
}

func (d *Detector) checkThresholds(ctx context.Context, a protocol.DriftAssessment) {
	if d.sink == nil {
		return
	}
	for _, category := range Categories {
		threshold, ok := d.thresholds[category]
		if !ok {
			continue
		}
		ratio := a.DriftDetails[category]
		if ratio <= threshold {
			continue
		}
		d.logger.Info("drift threshold exceeded",
			"capsule_id", a.CapsuleID, "category", category, "ratio", ratio, "threshold", threshold)
		if err := d.sink.Send(ctx, alert.Drift(category, ratio, a, a.DetectedAt)); err != nil {
			d.logger.Warn("drift alert delivery failed", "capsule_id", a.CapsuleID, "category", category, "error", err)
		}
	}
}

// History returns a copy of the drift log of capsuleID, oldest first.
func (d *Detector) History(capsuleID string) []protocol.DriftEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.DriftEvent(nil), d.history[capsuleID]...)
}

// SetBaseline stores a deep copy of state as the reference for
// capsuleID. The in-memory baseline is kept even if the state file
// cannot be written; that error is returned.
func (d *Detector) SetBaseline(capsuleID string, state protocol.Snapshot) error {
	d.mu.Lock()
	d.baselines[capsuleID] = state.Clone()
	var snapshot map[string]protocol.Snapshot
	if d.baselineFile != "" {
		snapshot = make(map[string]protocol.Snapshot, len(d.baselines))
		for id, s := range d.baselines {
			snapshot[id] = s
		}
	}
	d.mu.Unlock()

	if snapshot == nil {
		return nil
	}
	if err := WriteBaselines(d.baselineFile, snapshot); err != nil {
		return fmt.Errorf("write baselines: %w", err)
	}
	return nil
}

// Baseline returns a copy of the baseline of capsuleID.
func (d *Detector) Baseline(capsuleID string) (protocol.Snapshot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.baselines[capsuleID]
	if !ok {
		return protocol.Snapshot{}, false
	}
	return s.Clone(), true
}

// DetectBaselineDrift compares current against the stored baseline.
func (d *Detector) DetectBaselineDrift(ctx context.Context, capsuleID string, current protocol.Snapshot) (protocol.DriftAssessment, error) {
	baseline, ok := d.Baseline(capsuleID)
	if !ok {
		return protocol.DriftAssessment{}, fmt.Errorf("%w: %s", ErrNoBaseline, capsuleID)
	}
	return d.Detect(ctx, baseline, current), nil
}

func unionKeys(a, b map[string]protocol.Value) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var keys []string
	for _, m := range []map[string]protocol.Value{a, b} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	slices.Sort(keys)
	return keys
}
