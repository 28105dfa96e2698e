package evolution

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/capsulewatch/internal/clock"
	"github.com/signalnine/capsulewatch/internal/protocol"
)

var t0 = time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)

func authorized() protocol.ChangeSet {
	return protocol.ChangeSet{Attribution: protocol.Attribution{Source: "ci", Authorized: true}}
}

func mutation(at time.Time, field, value string) protocol.MutationRecord {
	cs := authorized()
	cs.Fields = map[string]protocol.ChangeEntry{field: {Current: protocol.String(value)}}
	return protocol.MutationRecord{CapsuleID: "web", Timestamp: at, Changes: cs}
}

func TestRate(t *testing.T) {
	assert.Zero(t, Rate(nil))
	assert.Zero(t, Rate([]time.Time{t0}))
	// under a day counts as one day
	assert.Equal(t, 3.0, Rate([]time.Time{t0, t0.Add(time.Hour), t0.Add(2 * time.Hour)}))
	// 4 events over 2.5 days -> floor 2
	assert.Equal(t, 2.0, Rate([]time.Time{t0, t0.Add(24 * time.Hour), t0.Add(48 * time.Hour), t0.Add(60 * time.Hour)}))
}

func TestTimePatternsRegular(t *testing.T) {
	var events []event
	for i := 0; i < 5; i++ {
		events = append(events, event{at: t0.Add(time.Duration(i) * time.Hour)})
	}
	tp := timePatterns(events)

	assert.True(t, tp.Sufficient)
	assert.Equal(t, 3600.0, tp.MeanIntervalSeconds)
	assert.Zero(t, tp.StdDevSeconds)
	assert.Equal(t, 1.0, tp.Regularity)
	require.Len(t, tp.PeakHours, 3)
	assert.Equal(t, protocol.HourCount{Hour: 9, Count: 1}, tp.PeakHours[0])
}

func TestTimePatternsIrregular(t *testing.T) {
	events := []event{{at: t0}, {at: t0.Add(10 * time.Second)}, {at: t0.Add(1010 * time.Second)}}
	tp := timePatterns(events)

	// gaps 10s and 1000s: mean 505, sample sd ~700 -> clamps to 0
	assert.InDelta(t, 505.0, tp.MeanIntervalSeconds, 1e-9)
	assert.Zero(t, tp.Regularity)

	single := timePatterns(events[:1])
	assert.False(t, single.Sufficient)
	assert.Zero(t, single.Regularity)
}

func TestTimePatternsSingleGap(t *testing.T) {
	tp := timePatterns([]event{{at: t0}, {at: t0.Add(3 * time.Hour)}})

	assert.False(t, tp.Sufficient)
	assert.Equal(t, 10800.0, tp.MeanIntervalSeconds)
	assert.Zero(t, tp.StdDevSeconds)
	assert.Zero(t, tp.Regularity)
}

func TestTwoChangesAreNotRegular(t *testing.T) {
	a := New(Options{Clock: clock.NewFake(t0.Add(3 * time.Hour))})
	history := []protocol.MutationRecord{
		mutation(t0, "replicas", "1"),
		mutation(t0.Add(3*time.Hour), "replicas", "2"),
	}

	analysis := a.AnalyzeEvolution("web", authorized(), history)

	assert.Zero(t, analysis.ChangePatterns.TimePatterns.Regularity)
	assert.NotContains(t, analysis.Recommendations, RecAutomate)
	assert.Equal(t, []string{RecContinueMonitoring}, analysis.Recommendations)
}

func TestPeakHours(t *testing.T) {
	var events []event
	for h, n := range map[int]int{3: 1, 7: 4, 12: 2, 22: 2} {
		for i := 0; i < n; i++ {
			events = append(events, event{at: time.Date(2026, 1, 1+i, h, 0, 0, 0, time.UTC)})
		}
	}
	assert.Equal(t, []protocol.HourCount{{Hour: 7, Count: 4}, {Hour: 12, Count: 2}, {Hour: 22, Count: 2}}, peakHours(events, 3))
}

func TestCyclicDetection(t *testing.T) {
	var history []protocol.MutationRecord
	for i, v := range []string{"A", "B", "A", "B", "A", "B"} {
		history = append(history, mutation(t0.Add(time.Duration(i)*time.Hour), "mode", v))
	}

	a := New(Options{Clock: clock.NewFake(t0)})
	analysis := a.AnalyzeEvolution("web", authorized(), history)

	require.Len(t, analysis.ChangePatterns.CyclicChanges, 1)
	c := analysis.ChangePatterns.CyclicChanges[0]
	assert.Equal(t, "mode", c.Field)
	assert.Equal(t, 2, c.PatternLength)
	assert.Equal(t, []string{"A", "B"}, c.Pattern)
	assert.Equal(t, 6, c.SequenceLength)
	assert.Contains(t, analysis.Recommendations, RecOscillation)
}

func TestPeriod(t *testing.T) {
	cases := []struct {
		seq  []string
		want int
	}{
		{[]string{"A", "A", "A", "A"}, 1},
		{[]string{"A", "B", "A", "B", "A"}, 2},
		{[]string{"A", "B", "C", "A", "B", "C"}, 0},
		{[]string{"A", "B", "B", "A"}, 0},
		{[]string{"A"}, 0},
	}
	for _, tc := range cases {
		got, ok := period(tc.seq, 2)
		assert.Equal(t, tc.want != 0, ok, "%v", tc.seq)
		assert.Equal(t, tc.want, got, "%v", tc.seq)
	}
}

func TestCyclicNeedsFourOccurrences(t *testing.T) {
	var events []event
	for i, v := range []string{"A", "B", "A"} {
		events = append(events, event{at: t0.Add(time.Duration(i) * time.Hour), changes: mutation(t0, "mode", v).Changes})
	}
	assert.Empty(t, cyclicChanges(events, fieldFrequency(events)))
}

func TestConfigurationDetailsAreFields(t *testing.T) {
	cs := protocol.ChangeSet{ConfigurationDetails: map[string]protocol.ConfigChange{
		"replicas": {Type: protocol.ChangeAdded, Value: "3"},
		"legacy":   {Type: protocol.ChangeRemoved, Value: "true"},
	}}
	assert.Equal(t, map[string]string{
		"configuration.replicas": "3",
		"configuration.legacy":   "<removed>",
	}, fieldValues(cs))
}

func TestStabilityScoreHighAnomalyCostsFifteen(t *testing.T) {
	base := []protocol.AnomalyFinding{{Severity: protocol.SeverityMedium}}
	withHigh := append(append([]protocol.AnomalyFinding(nil), base...), protocol.AnomalyFinding{Severity: protocol.SeverityHigh})

	for _, rate := range []float64{0, 1, 2.5, 5, 50} {
		before := StabilityScore(rate, 5, base)
		after := StabilityScore(rate, 5, withHigh)
		assert.InDelta(t, 15.0, before-after, 1e-9, "rate %v", rate)
	}

	var many []protocol.AnomalyFinding
	for i := 0; i < 10; i++ {
		many = append(many, protocol.AnomalyFinding{Severity: protocol.SeverityHigh})
	}
	assert.Zero(t, StabilityScore(10, 5, many))
	assert.Equal(t, 100.0, StabilityScore(0, 5, nil))
	assert.Equal(t, 70.0, StabilityScore(2.5, 5, []protocol.AnomalyFinding{{Severity: protocol.SeverityLow}, {Severity: protocol.SeverityMedium}}))
}

func TestHealth(t *testing.T) {
	assert.Equal(t, protocol.HealthHealthy, Health(80))
	assert.Equal(t, protocol.HealthStable, Health(79.9))
	assert.Equal(t, protocol.HealthUnstable, Health(40))
	assert.Equal(t, protocol.HealthCritical, Health(39))
}

func TestDailyTrend(t *testing.T) {
	day := func(d, n int) []time.Time {
		var out []time.Time
		for i := 0; i < n; i++ {
			out = append(out, time.Date(2026, 3, d, 10, i, 0, 0, time.UTC))
		}
		return out
	}
	var times []time.Time
	for d, n := range []int{1, 1, 5, 6} {
		times = append(times, day(d+1, n)...)
	}

	trend := DailyTrend(times)
	assert.Equal(t, protocol.TrendIncreasing, trend.Direction)
	assert.Equal(t, 4, trend.Days)
	assert.Equal(t, 1.0, trend.FirstHalfAverage)
	assert.Equal(t, 5.5, trend.SecondHalfAverage)

	var falling []time.Time
	for d, n := range []int{6, 5, 1} {
		falling = append(falling, day(d+1, n)...)
	}
	assert.Equal(t, protocol.TrendDecreasing, DailyTrend(falling).Direction)

	flat := append(append(day(1, 2), day(2, 2)...), day(3, 2)...)
	assert.Equal(t, protocol.TrendStable, DailyTrend(flat).Direction)

	assert.Equal(t, protocol.TrendInsufficientData, DailyTrend(append(day(1, 3), day(2, 3)...)).Direction)
}

func TestAnalyzeEvolutionAnomalies(t *testing.T) {
	now := t0.Add(time.Hour)
	a := New(Options{Clock: clock.NewFake(now)})

	var history []protocol.MutationRecord
	for i := 0; i < 7; i++ {
		history = append(history, mutation(t0.Add(time.Duration(i)*5*time.Minute), "replicas", fmt.Sprint(i)))
	}
	history = append(history, mutation(t0.Add(30*time.Minute+30*time.Second), "image", "x"))

	analysis := a.AnalyzeEvolution("web", protocol.ChangeSet{}, history)

	types := map[string]protocol.Severity{}
	for _, f := range analysis.Anomalies {
		types[f.Type] = f.Severity
		assert.Equal(t, now, f.Timestamp)
		if f.Type == protocol.AnomalyUnauthorizedChange {
			assert.Equal(t, `change from source "unknown" is not authorized`, f.Description)
		}
	}
	assert.Equal(t, map[string]protocol.Severity{
		protocol.AnomalyHighMutationRate:   protocol.SeverityMedium,
		protocol.AnomalyUnauthorizedChange: protocol.SeverityHigh,
		protocol.AnomalyRapidSuccession:    protocol.SeverityMedium,
	}, types)

	assert.Equal(t, 8, analysis.TotalMutations)
	assert.Equal(t, 8.0, analysis.MutationRate)
	// 100 - 30 - 10 - 15 - 10
	assert.Equal(t, 35.0, analysis.StabilityScore)
	assert.Equal(t, []string{RecReduceFrequency, RecTightenAuth, RecCooldown}, analysis.Recommendations)
}

func TestAnalyzeEvolutionQuiet(t *testing.T) {
	a := New(Options{Clock: clock.NewFake(t0)})
	history := []protocol.MutationRecord{
		mutation(t0, "replicas", "1"),
		mutation(t0.Add(3*time.Hour), "image", "b"),
		mutation(t0.Add(4*time.Hour), "status", "up"),
	}

	analysis := a.AnalyzeEvolution("web", authorized(), history)

	assert.Empty(t, analysis.Anomalies)
	// rate 3/day of 5 -> 18 points
	assert.InDelta(t, 82.0, analysis.StabilityScore, 1e-9)
	assert.Equal(t, []string{RecContinueMonitoring}, analysis.Recommendations)
}

func TestGenerateReport(t *testing.T) {
	now := t0.Add(72 * time.Hour)
	a := New(Options{Clock: clock.NewFake(now)})

	mutations := []protocol.MutationRecord{
		mutation(t0, "replicas", "1"),
		mutation(t0.Add(25*time.Hour), "replicas", "2"),
		mutation(t0.Add(49*time.Hour), "replicas", "3"),
	}
	var overrides []protocol.OverrideRecord
	for i := 0; i < 4; i++ {
		overrides = append(overrides, protocol.OverrideRecord{
			CapsuleID: "web", Timestamp: t0.Add(time.Duration(i) * 2 * time.Hour), OverrideSource: "console",
		})
	}

	_, ok := a.Last("web")
	assert.False(t, ok)

	report := a.GenerateReport("web", mutations, overrides)

	assert.Equal(t, 3, report.TotalMutations)
	assert.Equal(t, 1.5, report.MutationRate)
	assert.Equal(t, 4, report.TotalOverrides)
	assert.Equal(t, 4.0, report.OverrideRate)
	assert.True(t, report.HealthAssessment.OverrideRateExceeded)
	assert.False(t, report.HealthAssessment.MutationRateExceeded)

	var overrideAnomaly bool
	for _, f := range report.Anomalies {
		if f.Type == protocol.AnomalyHighOverrideRate {
			overrideAnomaly = true
		}
	}
	assert.True(t, overrideAnomaly)
	// 100 - 9 - 10
	assert.InDelta(t, 81.0, report.StabilityScore, 1e-9)
	assert.Equal(t, protocol.HealthHealthy, report.HealthAssessment.Status)
	assert.Contains(t, report.Recommendations, RecReduceOverrides)
	assert.Equal(t, protocol.TrendStable, report.TrendAnalysis.Mutations.Direction)
	assert.Equal(t, protocol.TrendInsufficientData, report.TrendAnalysis.Overrides.Direction)

	last, ok := a.Last("web")
	require.True(t, ok)
	assert.Equal(t, report.Timestamp, last.Timestamp)
}

func TestGenerateReportEmpty(t *testing.T) {
	a := New(Options{Clock: clock.NewFake(t0)})
	report := a.GenerateReport("web", nil, nil)

	assert.Zero(t, report.TotalMutations)
	assert.Empty(t, report.Anomalies)
	assert.Equal(t, 100.0, report.StabilityScore)
	assert.Equal(t, protocol.HealthHealthy, report.HealthAssessment.Status)
	assert.Equal(t, []string{RecContinueMonitoring}, report.Recommendations)
}
