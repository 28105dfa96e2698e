package protocol

import (
	"cmp"
	"sort"
	"time"
)

// ConfigurationDetailsKey is the change-set key under which structural
// configuration changes are reported.
const ConfigurationDetailsKey = "configuration_details"

// ChangeEntry is the before/after pair for one top-level field.
// A field missing on one side has a null value on that side.
type ChangeEntry struct {
	Previous Value `json:"previous"`
	Current  Value `json:"current"`
}

// ChangeType tags a configuration line as added or removed.
type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeRemoved ChangeType = "removed"
)

// ConfigChange is one changed configuration field found by the
// structural diff. Previous is set when the same field was also removed.
type ConfigChange struct {
	Type     ChangeType `json:"type"`
	Value    string     `json:"value"`
	Previous string     `json:"previous,omitempty"`
}

// Attribution says who made a change and whether it was sanctioned.
type Attribution struct {
	Source          string `json:"source,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Authorized      bool   `json:"authorized"`
	AuthorizationID string `json:"authorization_id,omitempty"`
	UserID          string `json:"user_id,omitempty"`
	SystemID        string `json:"system_id,omitempty"`
}

// Unknown stands in for a missing source or reason.
const Unknown = "unknown"

// OrUnknown returns s, or Unknown when s is empty.
func OrUnknown(s string) string {
	return cmp.Or(s, Unknown)
}

// ChangeSet is everything that differs between two snapshots.
type ChangeSet struct {
	Fields               map[string]ChangeEntry  `json:"fields"`
	ConfigurationDetails map[string]ConfigChange `json:"configuration_details,omitempty"`
	Attribution          Attribution             `json:"attribution"`
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool {
	return len(c.Fields) == 0 && len(c.ConfigurationDetails) == 0
}

// Keys returns the sorted change-set keys, including
// ConfigurationDetailsKey when the structural diff found anything.
func (c ChangeSet) Keys() []string {
	keys := make([]string, 0, len(c.Fields)+1)
	for k := range c.Fields {
		keys = append(keys, k)
	}
	if len(c.ConfigurationDetails) > 0 {
		keys = append(keys, ConfigurationDetailsKey)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key is part of the change set.
func (c ChangeSet) Has(key string) bool {
	if key == ConfigurationDetailsKey {
		return len(c.ConfigurationDetails) > 0
	}
	_, ok := c.Fields[key]
	return ok
}

// DriftAssessment is the result of comparing two snapshots.
type DriftAssessment struct {
	CapsuleID       string             `json:"capsule_id"`
	DetectedAt      time.Time          `json:"detected_at"`
	HasChanges      bool               `json:"has_changes"`
	Changes         ChangeSet          `json:"changes"`
	IsOverride      bool               `json:"is_override"`
	OverrideSource  string             `json:"override_source,omitempty"`
	DriftPercentage float64            `json:"drift_percentage"`
	DriftDetails    map[string]float64 `json:"drift_details"`
	PreviousVersion string             `json:"previous_version,omitempty"`
	CurrentVersion  string             `json:"current_version,omitempty"`
}

// DriftEvent is one entry of the detector's own drift log.
type DriftEvent struct {
	CapsuleID       string             `json:"capsule_id"`
	Timestamp       time.Time          `json:"timestamp"`
	PreviousVersion string             `json:"previous_version"`
	CurrentVersion  string             `json:"current_version"`
	DriftPercentage float64            `json:"drift_percentage"`
	DriftDetails    map[string]float64 `json:"drift_details"`
	IsOverride      bool               `json:"is_override"`
	Changes         ChangeSet          `json:"changes"`
}

// MutationMetadata describes the origin of a mutation.
type MutationMetadata struct {
	Source     string `json:"source"`
	Reason     string `json:"reason"`
	Authorized bool   `json:"authorized"`
}

// MutationRecord is an immutable entry of a capsule's mutation history.
type MutationRecord struct {
	MutationID      string           `json:"mutation_id"`
	CapsuleID       string           `json:"capsule_id"`
	Timestamp       time.Time        `json:"timestamp"`
	Changes         ChangeSet        `json:"changes"`
	PreviousVersion string           `json:"previous_version"`
	CurrentVersion  string           `json:"current_version"`
	Metadata        MutationMetadata `json:"metadata"`
}

// OverrideMetadata adds the authorization trail an override carries.
type OverrideMetadata struct {
	Source          string `json:"source"`
	Reason          string `json:"reason"`
	Authorized      bool   `json:"authorized"`
	AuthorizationID string `json:"authorization_id,omitempty"`
	UserID          string `json:"user_id,omitempty"`
	SystemID        string `json:"system_id,omitempty"`
}

// OverrideRecord is an immutable entry of a capsule's override history.
type OverrideRecord struct {
	OverrideID      string           `json:"override_id"`
	CapsuleID       string           `json:"capsule_id"`
	Timestamp       time.Time        `json:"timestamp"`
	Changes         ChangeSet        `json:"changes"`
	PreviousVersion string           `json:"previous_version"`
	CurrentVersion  string           `json:"current_version"`
	OverrideSource  string           `json:"override_source"`
	Metadata        OverrideMetadata `json:"metadata"`
}
