package protocol

import "time"

// Severity of an anomaly finding.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Anomaly types reported by the evolution analyzer.
const (
	AnomalyHighMutationRate   = "high_mutation_rate"
	AnomalyHighOverrideRate   = "high_override_rate"
	AnomalyUnauthorizedChange = "unauthorized_change"
	AnomalyRapidSuccession    = "rapid_successive_changes"
)

// AnomalyFinding is a single anomaly found during one analysis call.
type AnomalyFinding struct {
	Type        string    `json:"type"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// HourCount is the number of events seen in one hour of the day.
type HourCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// TimePatterns summarizes how events are spread over time.
type TimePatterns struct {
	Sufficient          bool        `json:"sufficient_data"`
	EventCount          int         `json:"event_count"`
	MeanIntervalSeconds float64     `json:"mean_interval_seconds"`
	StdDevSeconds       float64     `json:"stddev_interval_seconds"`
	Regularity          float64     `json:"regularity"`
	PeakHours           []HourCount `json:"peak_hours"`
}

// CyclicPattern is a field whose values repeat with a fixed period.
type CyclicPattern struct {
	Field          string   `json:"field"`
	PatternLength  int      `json:"pattern_length"`
	Pattern        []string `json:"pattern"`
	SequenceLength int      `json:"sequence_length"`
}

// ChangePatterns groups the pattern statistics for one history.
type ChangePatterns struct {
	FieldFrequency map[string]int  `json:"field_frequency"`
	TimePatterns   TimePatterns    `json:"time_patterns"`
	CyclicChanges  []CyclicPattern `json:"cyclic_changes"`
}

// EvolutionAnalysis is the analysis of one change event against history.
type EvolutionAnalysis struct {
	CapsuleID       string           `json:"capsule_id"`
	Timestamp       time.Time        `json:"timestamp"`
	TotalMutations  int              `json:"total_mutations"`
	MutationRate    float64          `json:"mutation_rate"`
	ChangePatterns  ChangePatterns   `json:"change_patterns"`
	Anomalies       []AnomalyFinding `json:"anomalies"`
	StabilityScore  float64          `json:"stability_score"`
	Recommendations []string         `json:"recommendations"`
}

// HealthStatus buckets a stability score.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthStable   HealthStatus = "stable"
	HealthUnstable HealthStatus = "unstable"
	HealthCritical HealthStatus = "critical"
)

// HealthAssessment is the report's verdict on a capsule.
type HealthAssessment struct {
	Status               HealthStatus `json:"status"`
	StabilityScore       float64      `json:"stability_score"`
	MutationRateExceeded bool         `json:"mutation_rate_exceeded"`
	OverrideRateExceeded bool         `json:"override_rate_exceeded"`
}

// TrendDirection classifies how event volume moves over time.
type TrendDirection string

const (
	TrendIncreasing       TrendDirection = "increasing"
	TrendDecreasing       TrendDirection = "decreasing"
	TrendStable           TrendDirection = "stable"
	TrendInsufficientData TrendDirection = "insufficient_data"
)

// Trend compares the average daily event count of the older and the newer
// half of the observed days.
type Trend struct {
	Direction         TrendDirection `json:"direction"`
	Days              int            `json:"days"`
	FirstHalfAverage  float64        `json:"first_half_average"`
	SecondHalfAverage float64        `json:"second_half_average"`
}

// TrendAnalysis holds the trends of both histories.
type TrendAnalysis struct {
	Mutations Trend `json:"mutations"`
	Overrides Trend `json:"overrides"`
}

// EvolutionReport is the aggregated report over a capsule's histories.
type EvolutionReport struct {
	EvolutionAnalysis
	TotalOverrides   int              `json:"total_overrides"`
	OverrideRate     float64          `json:"override_rate"`
	OverridePatterns ChangePatterns   `json:"override_patterns"`
	HealthAssessment HealthAssessment `json:"health_assessment"`
	TrendAnalysis    TrendAnalysis    `json:"trend_analysis"`
}

// AlertKind distinguishes alert envelopes.
type AlertKind string

const (
	AlertDrift    AlertKind = "drift_threshold"
	AlertOverride AlertKind = "override"
)

// Alert is the envelope delivered to alerting sinks.
type Alert struct {
	ID        string           `json:"id"`
	Kind      AlertKind        `json:"kind"`
	CapsuleID string           `json:"capsule_id"`
	Category  string           `json:"category,omitempty"`
	Ratio     float64          `json:"ratio,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Drift     *DriftAssessment `json:"drift,omitempty"`
	Override  *OverrideRecord  `json:"override,omitempty"`
}
