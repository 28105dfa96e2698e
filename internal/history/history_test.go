package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/capsulewatch/internal/alert"
	"github.com/signalnine/capsulewatch/internal/clock"
	"github.com/signalnine/capsulewatch/internal/protocol"
	"github.com/signalnine/capsulewatch/internal/store"
)

var t0 = time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func version(v string) protocol.Snapshot {
	return protocol.Snapshot{CapsuleID: "web", Version: v}
}

// flakyStore fails reads of badGet and every write while failPut is set.
type flakyStore[R any] struct {
	*store.Memory[R]
	badGet  string
	failPut bool
}

func (f *flakyStore[R]) Get(ctx context.Context, id string) ([]R, error) {
	if id == f.badGet {
		return nil, errors.New("corrupt history")
	}
	return f.Memory.Get(ctx, id)
}

func (f *flakyStore[R]) Put(ctx context.Context, id string, records []R) error {
	if f.failPut {
		return errors.New("disk full")
	}
	return f.Memory.Put(ctx, id, records)
}

func TestTrackMutation(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := NewTracker(context.Background(), TrackerOptions{Clock: clk})

	changes := protocol.ChangeSet{
		Fields: map[string]protocol.ChangeEntry{
			"version": {Previous: protocol.String("1.0.0"), Current: protocol.String("1.0.1")},
		},
	}
	rec := tr.TrackMutation(context.Background(), "web", version("1.0.0"), version("1.0.1"), changes)

	assert.Equal(t, fmt.Sprintf("web-%d", t0.UnixNano()), rec.MutationID)
	assert.Equal(t, "web", rec.CapsuleID)
	assert.Equal(t, t0, rec.Timestamp)
	assert.Equal(t, "1.0.0", rec.PreviousVersion)
	assert.Equal(t, "1.0.1", rec.CurrentVersion)
	assert.Equal(t, protocol.MutationMetadata{Source: "unknown", Reason: "unknown", Authorized: false}, rec.Metadata)

	got, ok := tr.GetMutation("web", rec.MutationID)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	_, ok = tr.GetMutation("web", "nope")
	assert.False(t, ok)
	assert.Empty(t, tr.GetMutationHistory("unknown-capsule"))
}

func TestTrackMutationAttribution(t *testing.T) {
	tr := NewTracker(context.Background(), TrackerOptions{Clock: clock.NewFake(t0)})
	changes := protocol.ChangeSet{Attribution: protocol.Attribution{Source: "ci", Reason: "release", Authorized: true}}

	rec := tr.TrackMutation(context.Background(), "web", version("1"), version("2"), changes)
	assert.Equal(t, protocol.MutationMetadata{Source: "ci", Reason: "release", Authorized: true}, rec.Metadata)
}

func TestHistoryBound(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := NewTracker(context.Background(), TrackerOptions{MaxLength: 5, Clock: clk})

	for i := 0; i < 12; i++ {
		tr.TrackMutation(context.Background(), "web", version(fmt.Sprint(i)), version(fmt.Sprint(i+1)), protocol.ChangeSet{})
		clk.Advance(time.Second)
	}

	records := tr.GetMutationHistory("web")
	require.Len(t, records, 5)
	for i, r := range records {
		assert.Equal(t, fmt.Sprint(i+8), r.CurrentVersion)
	}
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := NewTracker(context.Background(), TrackerOptions{Clock: clk})

	a := tr.TrackMutation(context.Background(), "web", version("1"), version("2"), protocol.ChangeSet{})
	b := tr.TrackMutation(context.Background(), "web", version("2"), version("3"), protocol.ChangeSet{})
	clk.Set(t0.Add(-time.Hour))
	c := tr.TrackMutation(context.Background(), "web", version("3"), version("4"), protocol.ChangeSet{})

	assert.True(t, b.Timestamp.After(a.Timestamp))
	assert.True(t, c.Timestamp.After(b.Timestamp))
	assert.NotEqual(t, a.MutationID, b.MutationID)
	assert.NotEqual(t, b.MutationID, c.MutationID)
}

func TestMutationsByTimerange(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := NewTracker(context.Background(), TrackerOptions{Clock: clk})
	for i := 0; i < 5; i++ {
		tr.TrackMutation(context.Background(), "web", version(fmt.Sprint(i)), version(fmt.Sprint(i+1)), protocol.ChangeSet{})
		clk.Advance(time.Hour)
	}

	got := tr.GetMutationsByTimerange("web", t0.Add(time.Hour), t0.Add(3*time.Hour))
	require.Len(t, got, 3)
	assert.Equal(t, "2", got[0].CurrentVersion)
	assert.Equal(t, "4", got[2].CurrentVersion)

	assert.Len(t, tr.GetMutationsByTimerange("web", time.Time{}, t0), 1)
	assert.Len(t, tr.GetMutationsByTimerange("web", t0.Add(4*time.Hour), time.Time{}), 1)
}

func TestPersistenceReload(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	st := store.NewFile[protocol.MutationRecord](dir, store.KindMutations)

	tr := NewTracker(ctx, TrackerOptions{Store: st, Clock: clock.NewFake(t0)})
	rec := tr.TrackMutation(ctx, "web", version("1.0.0"), version("1.0.1"), protocol.ChangeSet{})
	tr.TrackMutation(ctx, "api", version("2"), version("3"), protocol.ChangeSet{})

	_, err := os.Stat(filepath.Join(dir, "web_mutations.json"))
	require.NoError(t, err)

	reloaded := NewTracker(ctx, TrackerOptions{Store: st})
	assert.Equal(t, []string{"api", "web"}, reloaded.Capsules())
	got, ok := reloaded.GetMutation("web", rec.MutationID)
	require.True(t, ok)
	assert.Equal(t, "1.0.1", got.CurrentVersion)
	assert.True(t, got.Timestamp.Equal(t0))
}

func TestLoadSkipsBrokenCapsule(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore[protocol.MutationRecord]{Memory: store.NewMemory[protocol.MutationRecord](), badGet: "broken"}
	require.NoError(t, st.Put(ctx, "broken", []protocol.MutationRecord{{MutationID: "x"}}))
	require.NoError(t, st.Put(ctx, "web", []protocol.MutationRecord{{MutationID: "web-1"}, {MutationID: "web-2"}}))

	tr := NewTracker(ctx, TrackerOptions{Store: st, Logger: quietLogger(), MaxLength: 1})

	assert.Empty(t, tr.GetMutationHistory("broken"))
	records := tr.GetMutationHistory("web")
	require.Len(t, records, 1)
	assert.Equal(t, "web-2", records[0].MutationID)
}

func TestWriteFailureKeepsMemory(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore[protocol.MutationRecord]{Memory: store.NewMemory[protocol.MutationRecord](), failPut: true}
	tr := NewTracker(ctx, TrackerOptions{Store: st, Logger: quietLogger()})

	tr.TrackMutation(ctx, "web", version("1"), version("2"), protocol.ChangeSet{})
	assert.Len(t, tr.GetMutationHistory("web"), 1)

	err := tr.ClearHistory(ctx, "web")
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, tr.GetMutationHistory("web"))
}

func TestClearRepersists(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory[protocol.MutationRecord]()
	tr := NewTracker(ctx, TrackerOptions{Store: st})
	tr.TrackMutation(ctx, "web", version("1"), version("2"), protocol.ChangeSet{})

	require.NoError(t, tr.ClearHistory(ctx, "web"))

	persisted, err := st.Get(ctx, "web")
	require.NoError(t, err)
	assert.Empty(t, persisted)
	assert.Empty(t, tr.Capsules())
}

func TestLogOverride(t *testing.T) {
	var alerts []protocol.Alert
	sink := alert.Func(func(_ context.Context, a protocol.Alert) error {
		alerts = append(alerts, a)
		return nil
	})
	ol := NewOverrideLogger(context.Background(), OverrideOptions{
		Sink: sink, AlertOnOverride: true, Clock: clock.NewFake(t0), Logger: quietLogger(),
	})

	changes := protocol.ChangeSet{Attribution: protocol.Attribution{
		Reason: "incident", AuthorizationID: "CHG-7", UserID: "alice", SystemID: "console",
	}}
	rec := ol.LogOverride(context.Background(), "web", version("1"), version("2"), changes, "ops-console")

	assert.Equal(t, "ops-console", rec.OverrideSource)
	assert.Equal(t, protocol.OverrideMetadata{
		Source: "ops-console", Reason: "incident", Authorized: false,
		AuthorizationID: "CHG-7", UserID: "alice", SystemID: "console",
	}, rec.Metadata)

	require.Len(t, alerts, 1)
	assert.Equal(t, protocol.AlertOverride, alerts[0].Kind)
	require.NotNil(t, alerts[0].Override)
	assert.Equal(t, rec.OverrideID, alerts[0].Override.OverrideID)
}

func TestLogOverrideAlertsOptional(t *testing.T) {
	calls := 0
	sink := alert.Func(func(context.Context, protocol.Alert) error { calls++; return errors.New("down") })

	quiet := NewOverrideLogger(context.Background(), OverrideOptions{Sink: sink, Logger: quietLogger()})
	quiet.LogOverride(context.Background(), "web", version("1"), version("2"), protocol.ChangeSet{}, "x")
	assert.Zero(t, calls)

	loud := NewOverrideLogger(context.Background(), OverrideOptions{Sink: sink, AlertOnOverride: true, Logger: quietLogger()})
	rec := loud.LogOverride(context.Background(), "web", version("1"), version("2"), protocol.ChangeSet{}, "x")
	assert.Equal(t, 1, calls)
	assert.Len(t, loud.GetOverrideHistory("web"), 1)
	assert.Equal(t, "x", rec.Metadata.Source)
}

func TestLogOverrideMetadataFallbacks(t *testing.T) {
	ol := NewOverrideLogger(context.Background(), OverrideOptions{Logger: quietLogger()})

	rec := ol.LogOverride(context.Background(), "web", version("1"), version("2"), protocol.ChangeSet{}, "")
	assert.Equal(t, protocol.Unknown, rec.OverrideSource)
	assert.Equal(t, protocol.Unknown, rec.Metadata.Source)
	assert.Equal(t, protocol.Unknown, rec.Metadata.Reason)

	attributed := protocol.ChangeSet{Attribution: protocol.Attribution{Source: "deployer"}}
	rec = ol.LogOverride(context.Background(), "web", version("2"), version("3"), attributed, "console")
	assert.Equal(t, "console", rec.OverrideSource)
	assert.Equal(t, "deployer", rec.Metadata.Source)
}

func TestOverridesBySource(t *testing.T) {
	clk := clock.NewFake(t0)
	ol := NewOverrideLogger(context.Background(), OverrideOptions{Clock: clk, Logger: quietLogger()})
	for _, src := range []string{"console", "script", "console"} {
		ol.LogOverride(context.Background(), "web", version("1"), version("2"), protocol.ChangeSet{}, src)
		clk.Advance(time.Minute)
	}

	assert.Len(t, ol.GetOverridesBySource("web", "console"), 2)
	assert.Len(t, ol.GetOverridesBySource("web", "script"), 1)
	assert.Empty(t, ol.GetOverridesBySource("web", "nobody"))
	assert.Len(t, ol.GetOverridesByTimerange("web", t0.Add(time.Minute), time.Time{}), 2)
}

func TestHistoriesAreDisjoint(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(ctx, TrackerOptions{})
	ol := NewOverrideLogger(ctx, OverrideOptions{Logger: quietLogger()})

	tr.TrackMutation(ctx, "web", version("1"), version("2"), protocol.ChangeSet{})
	ol.LogOverride(ctx, "web", version("2"), version("3"), protocol.ChangeSet{}, "console")

	assert.Len(t, tr.GetMutationHistory("web"), 1)
	assert.Len(t, ol.GetOverrideHistory("web"), 1)

	require.NoError(t, ol.ClearHistory(ctx, "web"))
	assert.Empty(t, ol.GetOverrideHistory("web"))
	assert.Len(t, tr.GetMutationHistory("web"), 1)
}
