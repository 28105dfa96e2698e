// Package monitor drives the periodic drift check of every tracked capsule
// and routes what it finds to the history ledgers and the analyzer.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/signalnine/capsulewatch/internal/clock"
	"github.com/signalnine/capsulewatch/internal/drift"
	"github.com/signalnine/capsulewatch/internal/evolution"
	"github.com/signalnine/capsulewatch/internal/history"
	"github.com/signalnine/capsulewatch/internal/logging"
	"github.com/signalnine/capsulewatch/internal/metrics"
	"github.com/signalnine/capsulewatch/internal/protocol"
	"github.com/signalnine/capsulewatch/internal/provider"
)

var (
	// ErrNotMonitored is returned for a capsule never passed to Start.
	ErrNotMonitored = errors.New("capsule not monitored")
	// ErrAlreadyRunning is returned by Start on a running monitor.
	ErrAlreadyRunning = errors.New("monitor already running")
	// ErrNotRunning is returned by Run before Start.
	ErrNotRunning = errors.New("monitor not running")
	// ErrNoSnapshot is returned when a capsule has not been observed yet.
	ErrNoSnapshot = errors.New("no snapshot observed yet")
)

// DefaultInterval is the pause between cycles.
const DefaultInterval = 300 * time.Second

// Options wires a Monitor to its collaborators. Provider, Detector,
// Tracker, Overrides and Analyzer are required.
type Options struct {
	Provider  provider.Provider
	Detector  *drift.Detector
	Tracker   *history.Tracker
	Overrides *history.OverrideLogger
	Analyzer  *evolution.Analyzer
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Logger    *slog.Logger

	Interval    time.Duration
	Concurrency int
	// HighDrift flags results whose drift percentage exceeds it; 0 disables.
	HighDrift float64
	// OnResult, if set, receives every capsule result of a cycle.
	OnResult func(CapsuleResult)
}

// Monitor owns the Stopped -> Running -> Stopped lifecycle.
type Monitor struct {
	opts   Options
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	running   bool
	stop      chan struct{}
	capsules  map[string]*capsuleState
	lastCycle time.Time
}

// capsuleState is the last observation of one capsule. Its lock
// serializes processing so two checks of a capsule never overlap.
type capsuleState struct {
	mu         sync.Mutex
	last       protocol.Snapshot
	observed   bool
	observedAt time.Time
}

// New creates a stopped Monitor.
func New(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Monitor{
		opts:     opts,
		clock:    opts.Clock,
		logger:   logging.OrDefault(opts.Logger),
		capsules: make(map[string]*capsuleState),
	}
}

// Start captures an initial snapshot of every capsule and marks the
// monitor running. With no ids, a listing provider supplies them. A
// capsule whose first fetch fails is still tracked; its next successful
// fetch becomes the reference state.
func (m *Monitor) Start(ctx context.Context, capsuleIDs []string) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.mu.Unlock()

	if len(capsuleIDs) == 0 {
		if lister, ok := m.opts.Provider.(provider.Lister); ok {
			ids, err := lister.Capsules(ctx)
			if err != nil {
				return fmt.Errorf("list capsules: %w", err)
			}
			capsuleIDs = ids
		}
	}
	if len(capsuleIDs) == 0 {
		return errors.New("no capsules to monitor")
	}

	states := make(map[string]*capsuleState, len(capsuleIDs))
	for _, id := range capsuleIDs {
		st := &capsuleState{}
		snap, err := m.opts.Provider.Snapshot(ctx, id)
		if err != nil {
			m.logger.Warn("initial snapshot failed", "capsule_id", id, "error", err)
		} else {
			st.last, st.observed, st.observedAt = snap, true, m.clock.Now()
		}
		states[id] = st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	for id, st := range states {
		m.capsules[id] = st
	}
	m.running = true
	m.stop = make(chan struct{})
	m.logger.Info("monitoring started", "capsules", len(states), "interval", m.opts.Interval)
	return nil
}

// Stop prevents the next cycle from starting. A cycle in progress
// finishes. Tracked capsules stay queryable.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stop)
	m.logger.Info("monitoring stopped")
}

// Running reports whether the monitor is started.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Status is a point-in-time view of the monitor.
type Status struct {
	Running      bool                 `json:"running"`
	Capsules     []string             `json:"capsules"`
	LastCycle    time.Time            `json:"last_cycle"`
	LastObserved map[string]time.Time `json:"last_observed"`
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	status := Status{Running: m.running, Capsules: m.idsLocked(), LastCycle: m.lastCycle}
	states := make(map[string]*capsuleState, len(m.capsules))
	for id, st := range m.capsules {
		states[id] = st
	}
	m.mu.Unlock()

	status.LastObserved = make(map[string]time.Time, len(states))
	for id, st := range states {
		st.mu.Lock()
		if st.observed {
			status.LastObserved[id] = st.observedAt
		}
		st.mu.Unlock()
	}
	return status
}

func (m *Monitor) idsLocked() []string {
	ids := make([]string, 0, len(m.capsules))
	for id := range m.capsules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Monitor) state(capsuleID string) (*capsuleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.capsules[capsuleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotMonitored, capsuleID)
	}
	return st, nil
}

// CycleResult is the outcome of one pass over every tracked capsule.
type CycleResult struct {
	CycleID    string                   `json:"cycle_id"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Capsules   map[string]CapsuleResult `json:"capsules"`
}

// Failed returns the ids whose processing failed, sorted.
func (c CycleResult) Failed() []string {
	var ids []string
	for id, r := range c.Capsules {
		if r.Error != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// CapsuleResult is what one check found for one capsule.
type CapsuleResult struct {
	CapsuleID     string                      `json:"capsule_id"`
	Drift         *protocol.DriftAssessment   `json:"drift,omitempty"`
	BaselineDrift *protocol.DriftAssessment   `json:"baseline_drift,omitempty"`
	Mutation      *protocol.MutationRecord    `json:"mutation,omitempty"`
	Override      *protocol.OverrideRecord    `json:"override,omitempty"`
	Analysis      *protocol.EvolutionAnalysis `json:"analysis,omitempty"`
	HighDrift     bool                        `json:"high_drift"`
	Error         string                      `json:"error,omitempty"`
}

// RunCycle checks every tracked capsule once. A failing capsule is logged
// and recorded in its result; the others still run. A panic outside
// per-capsule processing is re-raised on the caller once the cycle drains.
func (m *Monitor) RunCycle(ctx context.Context) CycleResult {
	start := m.clock.Now()
	m.mu.Lock()
	ids := m.idsLocked()
	m.mu.Unlock()

	result := CycleResult{
		CycleID:   uuid.NewString(),
		StartedAt: start,
		Capsules:  make(map[string]CapsuleResult, len(ids)),
	}
	var (
		resMu   sync.Mutex
		aborted error
	)

	var g errgroup.Group
	g.SetLimit(m.opts.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			// errgroup does not carry panics back to Wait
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("cycle worker panicked", "cycle_id", result.CycleID, "capsule_id", id,
						"panic", r, "stack", string(debug.Stack()))
					resMu.Lock()
					if aborted == nil {
						aborted = fmt.Errorf("capsule %s: %v", id, r)
					}
					resMu.Unlock()
				}
			}()

			r, err := m.Check(ctx, id)
			if err != nil {
				m.logger.Error("capsule check failed", "cycle_id", result.CycleID, "capsule_id", id, "error", err)
				m.opts.Metrics.CapsuleError(id)
				r = CapsuleResult{CapsuleID: id, Error: err.Error()}
			}
			resMu.Lock()
			result.Capsules[id] = r
			resMu.Unlock()
			if m.opts.OnResult != nil {
				m.opts.OnResult(r)
			}
			return nil
		})
	}
	_ = g.Wait()
	if aborted != nil {
		panic(aborted)
	}

	result.FinishedAt = m.clock.Now()
	m.mu.Lock()
	m.lastCycle = result.FinishedAt
	m.mu.Unlock()
	m.opts.Metrics.ObserveCycle(result.FinishedAt.Sub(start))

	m.logger.Info("cycle complete",
		"cycle_id", result.CycleID, "capsules", len(ids), "failed", len(result.Failed()),
		"duration", result.FinishedAt.Sub(start))
	return result
}

// Run starts a cycle immediately and then one per interval until ctx is
// done or Stop is called. A panic escaping a cycle ends the loop and is
// returned as an error.
func (m *Monitor) Run(ctx context.Context) (err error) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	stop := m.stop
	m.mu.Unlock()

	ticker := m.clock.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitoring loop aborted: %v", r)
			m.logger.Error("monitoring loop aborted", "panic", r, "stack", string(debug.Stack()))
			m.Stop()
		}
	}()

	m.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor shutting down")
			return nil
		case <-stop:
			return nil
		case <-ticker.C:
			if !m.Running() {
				return nil
			}
			m.RunCycle(ctx)
		}
	}
}

// Check fetches the current state of one capsule and processes it.
func (m *Monitor) Check(ctx context.Context, capsuleID string) (CapsuleResult, error) {
	st, err := m.state(capsuleID)
	if err != nil {
		return CapsuleResult{}, err
	}
	return m.process(ctx, capsuleID, st, nil)
}

// Observe processes a snapshot pushed by the capsule's owner instead of
// fetching one.
func (m *Monitor) Observe(ctx context.Context, snap protocol.Snapshot) (CapsuleResult, error) {
	st, err := m.state(snap.CapsuleID)
	if err != nil {
		return CapsuleResult{}, err
	}
	return m.process(ctx, snap.CapsuleID, st, &snap)
}

func (m *Monitor) process(ctx context.Context, capsuleID string, st *capsuleState, pushed *protocol.Snapshot) (res CapsuleResult, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing %s: %v", capsuleID, r)
			m.logger.Error("capsule processing panicked", "capsule_id", capsuleID, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	var current protocol.Snapshot
	if pushed != nil {
		current = pushed.Clone()
	} else {
		current, err = m.opts.Provider.Snapshot(ctx, capsuleID)
		if err != nil {
			return CapsuleResult{}, fmt.Errorf("fetch %s: %w", capsuleID, err)
		}
	}
	if current.CapsuleID != capsuleID {
		if current.CapsuleID != "" {
			m.logger.Warn("snapshot reports another capsule id, filing under the monitored one",
				"capsule_id", capsuleID, "reported_id", current.CapsuleID)
		}
		current.CapsuleID = capsuleID
	}

	res = CapsuleResult{CapsuleID: capsuleID}
	now := m.clock.Now()
	if !st.observed {
		st.last, st.observed, st.observedAt = current, true, now
		m.logger.Info("first snapshot recorded", "capsule_id", capsuleID, "version", current.Version)
		return res, nil
	}

	assessment := m.opts.Detector.Detect(ctx, st.last, current)
	res.Drift = &assessment

	if baseline, ok := m.opts.Detector.Baseline(capsuleID); ok {
		bd := drift.Compare(baseline, current)
		bd.DetectedAt = now
		res.BaselineDrift = &bd
	}

	if assessment.HasChanges {
		mut := m.opts.Tracker.TrackMutation(ctx, capsuleID, st.last, current, assessment.Changes)
		res.Mutation = &mut
		m.opts.Metrics.Mutation(capsuleID)
		m.opts.Metrics.Drift(capsuleID, assessment.DriftPercentage)

		if assessment.IsOverride {
			ov := m.opts.Overrides.LogOverride(ctx, capsuleID, st.last, current, assessment.Changes, assessment.OverrideSource)
			res.Override = &ov
			m.opts.Metrics.Override(capsuleID, ov.OverrideSource)
		}

		analysis := m.opts.Analyzer.AnalyzeEvolution(capsuleID, assessment.Changes, m.opts.Tracker.GetMutationHistory(capsuleID))
		res.Analysis = &analysis
		m.opts.Metrics.Stability(capsuleID, analysis.StabilityScore)

		m.logger.Info("capsule changed",
			"capsule_id", capsuleID,
			"previous_version", assessment.PreviousVersion,
			"current_version", assessment.CurrentVersion,
			"drift_percentage", assessment.DriftPercentage,
			"override", assessment.IsOverride,
			"stability_score", analysis.StabilityScore)
	}

	if m.opts.HighDrift > 0 && assessment.DriftPercentage > m.opts.HighDrift {
		res.HighDrift = true
		m.logger.Warn("high drift", "capsule_id", capsuleID,
			"drift_percentage", assessment.DriftPercentage, "threshold", m.opts.HighDrift)
	}

	st.last, st.observedAt = current, now
	return res, nil
}

// Report generates the evolution report of a monitored capsule.
func (m *Monitor) Report(capsuleID string) (protocol.EvolutionReport, error) {
	if _, err := m.state(capsuleID); err != nil {
		return protocol.EvolutionReport{}, err
	}
	return m.opts.Analyzer.GenerateReport(capsuleID,
		m.opts.Tracker.GetMutationHistory(capsuleID),
		m.opts.Overrides.GetOverrideHistory(capsuleID)), nil
}

// CachedReport returns the last report generated for a monitored capsule,
// generating one when none exists yet.
func (m *Monitor) CachedReport(capsuleID string) (protocol.EvolutionReport, error) {
	if _, err := m.state(capsuleID); err != nil {
		return protocol.EvolutionReport{}, err
	}
	if r, ok := m.opts.Analyzer.Last(capsuleID); ok {
		return r, nil
	}
	return m.Report(capsuleID)
}

// Mutations returns the mutations of a monitored capsule within
// [start, end]; zero bounds are open.
func (m *Monitor) Mutations(capsuleID string, start, end time.Time) ([]protocol.MutationRecord, error) {
	if _, err := m.state(capsuleID); err != nil {
		return nil, err
	}
	return m.opts.Tracker.GetMutationsByTimerange(capsuleID, start, end), nil
}

// Overrides returns the overrides of a monitored capsule, optionally only
// those made by source.
func (m *Monitor) Overrides(capsuleID, source string) ([]protocol.OverrideRecord, error) {
	if _, err := m.state(capsuleID); err != nil {
		return nil, err
	}
	if source != "" {
		return m.opts.Overrides.GetOverridesBySource(capsuleID, source), nil
	}
	return m.opts.Overrides.GetOverrideHistory(capsuleID), nil
}

// DriftHistory returns the detector's drift log of a monitored capsule.
func (m *Monitor) DriftHistory(capsuleID string) ([]protocol.DriftEvent, error) {
	if _, err := m.state(capsuleID); err != nil {
		return nil, err
	}
	return m.opts.Detector.History(capsuleID), nil
}

// ClearMutations empties the mutation history of a monitored capsule.
func (m *Monitor) ClearMutations(ctx context.Context, capsuleID string) error {
	if _, err := m.state(capsuleID); err != nil {
		return err
	}
	return m.opts.Tracker.ClearHistory(ctx, capsuleID)
}

// ClearOverrides empties the override history of a monitored capsule.
func (m *Monitor) ClearOverrides(ctx context.Context, capsuleID string) error {
	if _, err := m.state(capsuleID); err != nil {
		return err
	}
	return m.opts.Overrides.ClearHistory(ctx, capsuleID)
}

// SetBaseline pins the last observed snapshot as the capsule's baseline.
func (m *Monitor) SetBaseline(capsuleID string) (protocol.Snapshot, error) {
	snap, err := m.lastSnapshot(capsuleID)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	if err := m.opts.Detector.SetBaseline(capsuleID, snap); err != nil {
		return snap, err
	}
	m.logger.Info("baseline set", "capsule_id", capsuleID, "version", snap.Version)
	return snap, nil
}

// BaselineDrift compares the last observed snapshot against the baseline.
// The comparison is recorded in the drift log and may raise alerts.
func (m *Monitor) BaselineDrift(ctx context.Context, capsuleID string) (protocol.DriftAssessment, error) {
	snap, err := m.lastSnapshot(capsuleID)
	if err != nil {
		return protocol.DriftAssessment{}, err
	}
	return m.opts.Detector.DetectBaselineDrift(ctx, capsuleID, snap)
}

func (m *Monitor) lastSnapshot(capsuleID string) (protocol.Snapshot, error) {
	st, err := m.state(capsuleID)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.observed {
		return protocol.Snapshot{}, fmt.Errorf("%w: %s", ErrNoSnapshot, capsuleID)
	}
	return st.last.Clone(), nil
}
