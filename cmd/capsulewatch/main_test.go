package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/capsulewatch/internal/clock"
	"github.com/signalnine/capsulewatch/internal/config"
	"github.com/signalnine/capsulewatch/internal/history"
	"github.com/signalnine/capsulewatch/internal/monitor"
	"github.com/signalnine/capsulewatch/internal/protocol"
	"github.com/signalnine/capsulewatch/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeJSON(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestLoadConfigWithoutFileUsesEnv(t *testing.T) {
	t.Setenv("CAPSULEWATCH_API_KEY", "secret")
	t.Setenv("CAPSULEWATCH_STORAGE_PATH", "/srv/capsulewatch")
	t.Setenv("CAPSULEWATCH_PROVIDER_TOKEN", "registry-token")
	saved := configPath
	configPath = ""
	t.Cleanup(func() { configPath = saved })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Server.APIKey)
	assert.Equal(t, "/srv/capsulewatch", cfg.StoragePath)
	assert.Equal(t, "registry-token", cfg.Provider.Token)
}

func TestDiffFiles(t *testing.T) {
	dir := t.TempDir()
	prev := filepath.Join(dir, "prev.json")
	cur := filepath.Join(dir, "cur.json")
	writeJSON(t, prev, `{"capsule_id":"web","version":"1.0.0","configuration":{"replicas":1}}`)
	writeJSON(t, cur, `{"capsule_id":"web","version":"1.0.1","configuration":{"replicas":3}}`)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	a, err := diffFiles(prev, cur, now)
	require.NoError(t, err)
	assert.True(t, a.HasChanges)
	assert.Equal(t, now, a.DetectedAt)
	assert.Equal(t, "1.0.0", a.PreviousVersion)
	assert.Equal(t, "1.0.1", a.CurrentVersion)

	var buf bytes.Buffer
	require.NoError(t, writeAssessment(&buf, a))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, true, decoded["has_changes"])

	_, err = diffFiles(prev, filepath.Join(dir, "missing.json"), now)
	assert.Error(t, err)

	writeJSON(t, cur, `{broken`)
	_, err = diffFiles(prev, cur, now)
	assert.ErrorContains(t, err, "decode")
}

func TestDiffCommandExitCode(t *testing.T) {
	dir := t.TempDir()
	prev := filepath.Join(dir, "prev.json")
	cur := filepath.Join(dir, "cur.json")
	writeJSON(t, prev, `{"version":"1"}`)
	writeJSON(t, cur, `{"version":"2"}`)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"diff", "--exit-code", prev, cur})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		diffExitCode = false
	})

	assert.ErrorIs(t, rootCmd.Execute(), errDrift)
	assert.Contains(t, out.String(), `"has_changes": true`)
}

func TestLoadHistory(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.StoragePath = t.TempDir()

	backend, err := store.Open(cfg)
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	tracker := history.NewTracker(ctx, history.TrackerOptions{Store: backend.Mutations, Clock: clk, Logger: quietLogger()})
	overrides := history.NewOverrideLogger(ctx, history.OverrideOptions{Store: backend.Overrides, Clock: clk, Logger: quietLogger()})

	prev := protocol.Snapshot{CapsuleID: "web", Version: "1"}
	cur := protocol.Snapshot{CapsuleID: "web", Version: "2"}
	tracker.TrackMutation(ctx, "web", prev, cur, protocol.ChangeSet{})
	clk.Advance(time.Hour)
	overrides.LogOverride(ctx, "web", prev, cur, protocol.ChangeSet{}, "console")
	require.NoError(t, backend.Close())

	h, err := loadHistory(ctx, cfg, "web", quietLogger())
	require.NoError(t, err)
	assert.Len(t, h.mutations, 1)
	assert.Len(t, h.overrides, 1)
	assert.Equal(t, clk.Now(), h.lastChange())

	_, err = loadHistory(ctx, cfg, "ghost", quietLogger())
	assert.ErrorContains(t, err, "no history recorded")

	cfg.PersistenceEnabled = false
	_, err = loadHistory(ctx, cfg, "web", quietLogger())
	assert.ErrorContains(t, err, "persistence is disabled")
}

func TestListHistories(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.StorageBackend = "sqlite"
	cfg.StoragePath = t.TempDir()

	backend, err := store.Open(cfg)
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	tracker := history.NewTracker(ctx, history.TrackerOptions{Store: backend.Mutations, Clock: clk, Logger: quietLogger()})
	overrides := history.NewOverrideLogger(ctx, history.OverrideOptions{Store: backend.Overrides, Clock: clk, Logger: quietLogger()})

	prev := protocol.Snapshot{Version: "1"}
	cur := protocol.Snapshot{Version: "2"}
	tracker.TrackMutation(ctx, "web", prev, cur, protocol.ChangeSet{})
	clk.Advance(time.Hour)
	tracker.TrackMutation(ctx, "web", cur, prev, protocol.ChangeSet{})
	overrides.LogOverride(ctx, "api", prev, cur, protocol.ChangeSet{}, "console")
	require.NoError(t, backend.Close())

	summaries, err := listHistories(ctx, cfg, quietLogger())
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, historySummary{CapsuleID: "api", Overrides: 1, LastChange: clk.Now()}, summaries[0])
	assert.Equal(t, "web", summaries[1].CapsuleID)
	assert.Equal(t, 2, summaries[1].Mutations)

	var buf bytes.Buffer
	require.NoError(t, renderSummaries(&buf, summaries, clk.Now().Add(2*time.Hour)))
	assert.Contains(t, buf.String(), "CAPSULE")
	assert.Contains(t, buf.String(), "2 hours ago")

	buf.Reset()
	require.NoError(t, renderSummaries(&buf, nil, clk.Now()))
	assert.Equal(t, "no capsule history recorded\n", buf.String())
}

func TestRenderReport(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	report := protocol.EvolutionReport{
		EvolutionAnalysis: protocol.EvolutionAnalysis{
			CapsuleID:      "web",
			TotalMutations: 1234,
			MutationRate:   6.5,
			StabilityScore: 62.5,
			ChangePatterns: protocol.ChangePatterns{
				TimePatterns: protocol.TimePatterns{PeakHours: []protocol.HourCount{{Hour: 9, Count: 4}, {Hour: 14, Count: 2}}},
			},
			Anomalies: []protocol.AnomalyFinding{{
				Type:        protocol.AnomalyHighMutationRate,
				Severity:    protocol.SeverityMedium,
				Description: "mutation rate 6.50/day exceeds 5.00/day",
			}},
			Recommendations: []string{"Reduce mutation frequency"},
		},
		TotalOverrides:   2,
		OverrideRate:     0.5,
		HealthAssessment: protocol.HealthAssessment{Status: protocol.HealthStable},
		TrendAnalysis: protocol.TrendAnalysis{
			Mutations: protocol.Trend{Direction: protocol.TrendIncreasing},
			Overrides: protocol.Trend{Direction: protocol.TrendInsufficientData},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, renderReport(&buf, report, now.Add(-3*time.Hour), now))
	out := buf.String()

	assert.Contains(t, out, "web")
	assert.Contains(t, out, "stable (stability 62.5)")
	assert.Contains(t, out, "1,234")
	assert.Contains(t, out, "3 hours ago")
	assert.Contains(t, out, "mutations increasing, overrides insufficient_data")
	assert.Contains(t, out, "09:00 (4), 14:00 (2)")
	assert.Contains(t, out, "[medium] high_mutation_rate")
	assert.Contains(t, out, "- Reduce mutation frequency")
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestResultPrinter(t *testing.T) {
	var buf bytes.Buffer
	emit := resultPrinter(&buf)

	emit(monitor.CapsuleResult{CapsuleID: "quiet"})
	emit(monitor.CapsuleResult{CapsuleID: "web", Mutation: &protocol.MutationRecord{CapsuleID: "web", CurrentVersion: "2"}})
	emit(monitor.CapsuleResult{CapsuleID: "api", Error: "fetch api: timeout"})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var first monitor.CapsuleResult
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "web", first.CapsuleID)
	assert.Contains(t, string(lines[1]), `"error":"fetch api: timeout"`)

	assert.Panics(t, func() {
		resultPrinter(brokenWriter{})(monitor.CapsuleResult{CapsuleID: "api", Error: "x"})
	})
}
