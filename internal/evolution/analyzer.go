// Package evolution turns a capsule's mutation and override histories into
// rate, pattern, anomaly, stability and trend statistics.
package evolution

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/signalnine/capsulewatch/internal/clock"
	"github.com/signalnine/capsulewatch/internal/protocol"
)

// Default anomaly thresholds, in events per day.
const (
	DefaultMutationRateThreshold = 5
	DefaultOverrideRateThreshold = 1
)

// rapidWindow is the gap under which the two latest events count as rapid.
const rapidWindow = 60 * time.Second

// regularityThreshold marks a history regular enough to automate.
const regularityThreshold = 0.7

// Recommendation texts.
const (
	RecReduceFrequency    = "Reduce change frequency: mutation rate exceeds the configured threshold."
	RecTightenAuth        = "Tighten authorization controls: unauthorized changes were detected."
	RecCooldown           = "Introduce a cooldown between changes: successive changes landed less than a minute apart."
	RecOscillation        = "Investigate oscillating configuration: some fields cycle between the same values."
	RecAutomate           = "Consider automating regular changes: changes follow a highly regular schedule."
	RecReduceOverrides    = "Reduce manual overrides: override rate exceeds the configured threshold."
	RecContinueMonitoring = "Continue monitoring: no significant issues detected."
)

// Options configures an Analyzer.
type Options struct {
	MutationRateThreshold float64
	OverrideRateThreshold float64
	Clock                 clock.Clock
}

// Analyzer computes evolution analyses and reports. It remembers the last
// report generated per capsule.
type Analyzer struct {
	mutationThreshold float64
	overrideThreshold float64
	clock             clock.Clock

	mu   sync.Mutex
	last map[string]protocol.EvolutionReport
}

// New creates an Analyzer. Zero thresholds take the defaults.
func New(opts Options) *Analyzer {
	if opts.MutationRateThreshold <= 0 {
		opts.MutationRateThreshold = DefaultMutationRateThreshold
	}
	if opts.OverrideRateThreshold <= 0 {
		opts.OverrideRateThreshold = DefaultOverrideRateThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Analyzer{
		mutationThreshold: opts.MutationRateThreshold,
		overrideThreshold: opts.OverrideRateThreshold,
		clock:             opts.Clock,
		last:              make(map[string]protocol.EvolutionReport),
	}
}

// AnalyzeEvolution analyzes one change event against the capsule's
// mutation history.
func (a *Analyzer) AnalyzeEvolution(capsuleID string, changes protocol.ChangeSet, history []protocol.MutationRecord) protocol.EvolutionAnalysis {
	now := a.clock.Now()
	return a.analyze(capsuleID, now, &changes, mutationEvents(history))
}

func (a *Analyzer) analyze(capsuleID string, now time.Time, changes *protocol.ChangeSet, events []event) protocol.EvolutionAnalysis {
	rate := Rate(eventTimes(events))
	patterns := changePatterns(events)

	var anomalies []protocol.AnomalyFinding
	if rate > a.mutationThreshold {
		anomalies = append(anomalies, protocol.AnomalyFinding{
			Type:        protocol.AnomalyHighMutationRate,
			Severity:    protocol.SeverityMedium,
			Description: fmt.Sprintf("mutation rate %.2f/day exceeds threshold %.2f/day", rate, a.mutationThreshold),
			Timestamp:   now,
		})
	}
	if changes != nil && !changes.Attribution.Authorized {
		anomalies = append(anomalies, protocol.AnomalyFinding{
			Type:        protocol.AnomalyUnauthorizedChange,
			Severity:    protocol.SeverityHigh,
			Description: fmt.Sprintf("change from source %q is not authorized", protocol.OrUnknown(changes.Attribution.Source)),
			Timestamp:   now,
		})
	}
	if n := len(events); n >= 2 {
		if gap := events[n-1].at.Sub(events[n-2].at); gap < rapidWindow {
			anomalies = append(anomalies, protocol.AnomalyFinding{
				Type:        protocol.AnomalyRapidSuccession,
				Severity:    protocol.SeverityMedium,
				Description: fmt.Sprintf("last two changes were %s apart", gap),
				Timestamp:   now,
			})
		}
	}

	score := StabilityScore(rate, a.mutationThreshold, anomalies)
	return protocol.EvolutionAnalysis{
		CapsuleID:       capsuleID,
		Timestamp:       now,
		TotalMutations:  len(events),
		MutationRate:    rate,
		ChangePatterns:  patterns,
		Anomalies:       anomalies,
		StabilityScore:  score,
		Recommendations: recommend(rate > a.mutationThreshold, false, anomalies, patterns),
	}
}

// GenerateReport aggregates both histories of a capsule. The latest
// mutation stands in as the current change for the authorization check.
// The report is kept as the capsule's last report.
func (a *Analyzer) GenerateReport(capsuleID string, mutations []protocol.MutationRecord, overrides []protocol.OverrideRecord) protocol.EvolutionReport {
	now := a.clock.Now()
	mEvents := mutationEvents(mutations)
	oEvents := overrideEvents(overrides)

	var latest *protocol.ChangeSet
	if n := len(mEvents); n > 0 {
		latest = &mEvents[n-1].changes
	}
	analysis := a.analyze(capsuleID, now, latest, mEvents)

	overrideRate := Rate(eventTimes(oEvents))
	overrideExceeded := overrideRate > a.overrideThreshold
	if overrideExceeded {
		analysis.Anomalies = append(analysis.Anomalies, protocol.AnomalyFinding{
			Type:        protocol.AnomalyHighOverrideRate,
			Severity:    protocol.SeverityMedium,
			Description: fmt.Sprintf("override rate %.2f/day exceeds threshold %.2f/day", overrideRate, a.overrideThreshold),
			Timestamp:   now,
		})
		analysis.StabilityScore = StabilityScore(analysis.MutationRate, a.mutationThreshold, analysis.Anomalies)
	}
	mutationExceeded := analysis.MutationRate > a.mutationThreshold
	analysis.Recommendations = recommend(mutationExceeded, overrideExceeded, analysis.Anomalies, analysis.ChangePatterns)

	report := protocol.EvolutionReport{
		EvolutionAnalysis: analysis,
		TotalOverrides:    len(oEvents),
		OverrideRate:      overrideRate,
		OverridePatterns:  changePatterns(oEvents),
		HealthAssessment: protocol.HealthAssessment{
			Status:               Health(analysis.StabilityScore),
			StabilityScore:       analysis.StabilityScore,
			MutationRateExceeded: mutationExceeded,
			OverrideRateExceeded: overrideExceeded,
		},
		TrendAnalysis: protocol.TrendAnalysis{
			Mutations: DailyTrend(eventTimes(mEvents)),
			Overrides: DailyTrend(eventTimes(oEvents)),
		},
	}

	a.mu.Lock()
	a.last[capsuleID] = report
	a.mu.Unlock()
	return report
}

// Last returns the most recent report generated for capsuleID.
func (a *Analyzer) Last(capsuleID string) (protocol.EvolutionReport, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.last[capsuleID]
	return r, ok
}

// StabilityScore starts at 100, loses up to 30 points for the mutation
// rate relative to threshold and 15/10/5 points per high/medium/low
// anomaly, and never drops below 0.
func StabilityScore(rate, threshold float64, anomalies []protocol.AnomalyFinding) float64 {
	score := 100.0
	switch {
	case threshold > 0:
		score -= math.Min(rate/threshold, 1) * 30
	case rate > 0:
		score -= 30
	}
	for _, f := range anomalies {
		switch f.Severity {
		case protocol.SeverityHigh:
			score -= 15
		case protocol.SeverityMedium:
			score -= 10
		case protocol.SeverityLow:
			score -= 5
		}
	}
	return math.Max(score, 0)
}

// Health buckets a stability score.
func Health(score float64) protocol.HealthStatus {
	switch {
	case score >= 80:
		return protocol.HealthHealthy
	case score >= 60:
		return protocol.HealthStable
	case score >= 40:
		return protocol.HealthUnstable
	default:
		return protocol.HealthCritical
	}
}

// DailyTrend groups events by UTC calendar day and compares the average
// daily count of the older half of the days with the newer half.
func DailyTrend(times []time.Time) protocol.Trend {
	perDay := make(map[time.Time]int)
	for _, t := range times {
		y, m, d := t.UTC().Date()
		perDay[time.Date(y, m, d, 0, 0, 0, 0, time.UTC)]++
	}
	days := make([]time.Time, 0, len(perDay))
	for day := range perDay {
		days = append(days, day)
	}
	slices.SortFunc(days, func(a, b time.Time) int { return a.Compare(b) })

	trend := protocol.Trend{Direction: protocol.TrendInsufficientData, Days: len(days)}
	if len(days) < 3 {
		return trend
	}

	half := len(days) / 2
	trend.FirstHalfAverage = averageCount(perDay, days[:half])
	trend.SecondHalfAverage = averageCount(perDay, days[half:])
	switch {
	case trend.SecondHalfAverage > trend.FirstHalfAverage*1.2:
		trend.Direction = protocol.TrendIncreasing
	case trend.SecondHalfAverage < trend.FirstHalfAverage*0.8:
		trend.Direction = protocol.TrendDecreasing
	default:
		trend.Direction = protocol.TrendStable
	}
	return trend
}

func averageCount(perDay map[time.Time]int, days []time.Time) float64 {
	var sum int
	for _, d := range days {
		sum += perDay[d]
	}
	return float64(sum) / float64(len(days))
}

func recommend(mutationExceeded, overrideExceeded bool, anomalies []protocol.AnomalyFinding, patterns protocol.ChangePatterns) []string {
	var recs []string
	if mutationExceeded {
		recs = append(recs, RecReduceFrequency)
	}
	if overrideExceeded {
		recs = append(recs, RecReduceOverrides)
	}
	if hasAnomaly(anomalies, protocol.AnomalyUnauthorizedChange) {
		recs = append(recs, RecTightenAuth)
	}
	if hasAnomaly(anomalies, protocol.AnomalyRapidSuccession) {
		recs = append(recs, RecCooldown)
	}
	if len(patterns.CyclicChanges) > 0 {
		recs = append(recs, RecOscillation)
	}
	if patterns.TimePatterns.Sufficient && patterns.TimePatterns.Regularity > regularityThreshold {
		recs = append(recs, RecAutomate)
	}
	if len(recs) == 0 {
		recs = append(recs, RecContinueMonitoring)
	}
	return recs
}

func hasAnomaly(anomalies []protocol.AnomalyFinding, typ string) bool {
	for _, f := range anomalies {
		if f.Type == typ {
			return true
		}
	}
	return false
}
