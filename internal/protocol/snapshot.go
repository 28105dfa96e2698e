package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Well-known snapshot attribute names.
const (
	FieldCapsuleID      = "capsule_id"
	FieldVersion        = "version"
	FieldStatus         = "status"
	FieldConfiguration  = "configuration"
	FieldResources      = "resources"
	FieldMetadata       = "metadata"
	FieldOverrideSource = "override_source"
	FieldLastUpdated    = "last_updated"
	FieldTimestamp      = "timestamp"
)

// Snapshot is the observed state of one capsule at one point in time.
// Attributes holds every top-level field without a dedicated struct field.
type Snapshot struct {
	CapsuleID      string
	Version        string
	Status         string
	Configuration  Value
	Resources      Value
	Metadata       Value
	OverrideSource string
	LastUpdated    time.Time
	Attributes     map[string]Value
}

// Fields flattens the snapshot into attribute name -> value. Empty
// attributes are treated as absent.
func (s Snapshot) Fields() map[string]Value {
	fields := make(map[string]Value, len(s.Attributes)+8)
	for k, v := range s.Attributes {
		if !v.IsNull() {
			fields[k] = v
		}
	}
	putString(fields, FieldCapsuleID, s.CapsuleID)
	putString(fields, FieldVersion, s.Version)
	putString(fields, FieldStatus, s.Status)
	putString(fields, FieldOverrideSource, s.OverrideSource)
	putValue(fields, FieldConfiguration, s.Configuration)
	putValue(fields, FieldResources, s.Resources)
	putValue(fields, FieldMetadata, s.Metadata)
	if !s.LastUpdated.IsZero() {
		fields[FieldLastUpdated] = String(s.LastUpdated.UTC().Format(time.RFC3339Nano))
	}
	return fields
}

// FieldNames returns the sorted attribute names present in the snapshot.
func (s Snapshot) FieldNames() []string {
	fields := s.Fields()
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Category returns the value stored under a category name such as
// "resources" or "metadata".
func (s Snapshot) Category(name string) Value {
	switch name {
	case FieldConfiguration:
		return s.Configuration
	case FieldResources:
		return s.Resources
	case FieldMetadata:
		return s.Metadata
	}
	v, ok := s.Fields()[name]
	if !ok {
		return Null()
	}
	return v
}

// Clone returns a deep copy that shares nothing with s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Configuration = s.Configuration.Clone()
	out.Resources = s.Resources.Clone()
	out.Metadata = s.Metadata.Clone()
	if s.Attributes != nil {
		out.Attributes = make(map[string]Value, len(s.Attributes))
		for k, v := range s.Attributes {
			out.Attributes[k] = v.Clone()
		}
	}
	return out
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Fields())
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw map[string]Value
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var snap Snapshot
	for k, v := range raw {
		switch k {
		case FieldCapsuleID:
			snap.CapsuleID = v.String()
		case FieldVersion:
			snap.Version = v.String()
		case FieldStatus:
			snap.Status = v.String()
		case FieldOverrideSource:
			snap.OverrideSource = v.String()
		case FieldConfiguration:
			snap.Configuration = v
		case FieldResources:
			snap.Resources = v
		case FieldMetadata:
			snap.Metadata = v
		case FieldLastUpdated:
			if str, ok := v.AsString(); ok && str != "" {
				ts, err := time.Parse(time.RFC3339Nano, str)
				if err != nil {
					return fmt.Errorf("parse last_updated: %w", err)
				}
				snap.LastUpdated = ts
			}
		default:
			if snap.Attributes == nil {
				snap.Attributes = make(map[string]Value)
			}
			snap.Attributes[k] = v
		}
	}
	*s = snap
	return nil
}

func putString(fields map[string]Value, name, v string) {
	if v != "" {
		fields[name] = String(v)
	}
}

func putValue(fields map[string]Value, name string, v Value) {
	if !v.IsNull() {
		fields[name] = v
	}
}
