package evolution

import (
	"math"
	"sort"
	"time"

	"github.com/signalnine/capsulewatch/internal/protocol"
)

// event is the part of a mutation or override record the statistics use.
type event struct {
	at      time.Time
	changes protocol.ChangeSet
}

func mutationEvents(records []protocol.MutationRecord) []event {
	events := make([]event, len(records))
	for i, r := range records {
		events[i] = event{at: r.Timestamp, changes: r.Changes}
	}
	return sortEvents(events)
}

func overrideEvents(records []protocol.OverrideRecord) []event {
	events := make([]event, len(records))
	for i, r := range records {
		events[i] = event{at: r.Timestamp, changes: r.Changes}
	}
	return sortEvents(events)
}

func sortEvents(events []event) []event {
	sort.SliceStable(events, func(i, j int) bool { return events[i].at.Before(events[j].at) })
	return events
}

// Rate is events per day between the first and last event, with spans
// shorter than a day counted as one day. Fewer than two events give 0.
func Rate(times []time.Time) float64 {
	if len(times) < 2 {
		return 0
	}
	first, last := times[0], times[0]
	for _, t := range times[1:] {
		if t.Before(first) {
			first = t
		}
		if t.After(last) {
			last = t
		}
	}
	days := math.Floor(last.Sub(first).Hours() / 24)
	return float64(len(times)) / math.Max(days, 1)
}

func eventTimes(events []event) []time.Time {
	times := make([]time.Time, len(events))
	for i, e := range events {
		times[i] = e.at
	}
	return times
}

// timePatterns measures the spacing of sorted events. Spread and regularity
// need at least two gaps; with fewer they stay zero and Sufficient is false.
func timePatterns(events []event) protocol.TimePatterns {
	tp := protocol.TimePatterns{EventCount: len(events), PeakHours: peakHours(events, 3)}
	if len(events) < 2 {
		return tp
	}

	gaps := make([]float64, len(events)-1)
	var sum float64
	for i := 1; i < len(events); i++ {
		gaps[i-1] = events[i].at.Sub(events[i-1].at).Seconds()
		sum += gaps[i-1]
	}
	mean := sum / float64(len(gaps))
	tp.MeanIntervalSeconds = mean
	if len(gaps) < 2 {
		return tp
	}
	tp.Sufficient = true

	var sq float64
	for _, g := range gaps {
		sq += (g - mean) * (g - mean)
	}
	sd := math.Sqrt(sq / float64(len(gaps)-1))

	tp.StdDevSeconds = sd
	if mean > 0 {
		tp.Regularity = 1 - math.Min(sd/mean, 1)
	}
	return tp
}

// peakHours returns the n busiest hours of the day (UTC), busiest first,
// ties broken by the earlier hour.
func peakHours(events []event, n int) []protocol.HourCount {
	var counts [24]int
	for _, e := range events {
		counts[e.at.UTC().Hour()]++
	}
	var hours []protocol.HourCount
	for h, c := range counts {
		if c > 0 {
			hours = append(hours, protocol.HourCount{Hour: h, Count: c})
		}
	}
	sort.SliceStable(hours, func(i, j int) bool { return hours[i].Count > hours[j].Count })
	if len(hours) > n {
		hours = hours[:n]
	}
	return hours
}

// fieldValues names every field a change set touched with the value it
// changed to. Configuration details are reported as "configuration.<path>".
func fieldValues(cs protocol.ChangeSet) map[string]string {
	values := make(map[string]string, len(cs.Fields)+len(cs.ConfigurationDetails))
	for name, entry := range cs.Fields {
		values[name] = entry.Current.String()
	}
	for path, change := range cs.ConfigurationDetails {
		v := change.Value
		if change.Type == protocol.ChangeRemoved {
			v = "<removed>"
		}
		values[protocol.FieldConfiguration+"."+path] = v
	}
	return values
}

func fieldFrequency(events []event) map[string]int {
	freq := make(map[string]int)
	for _, e := range events {
		for name := range fieldValues(e.changes) {
			freq[name]++
		}
	}
	return freq
}

// minCyclicOccurrences is how many change sets a field must appear in
// before it is tested for a cycle.
const minCyclicOccurrences = 4

// cyclicChanges finds fields whose successive values repeat with period 1
// or 2, reporting the shortest period per field.
func cyclicChanges(events []event, freq map[string]int) []protocol.CyclicPattern {
	var fields []string
	for name, n := range freq {
		if n >= minCyclicOccurrences {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)

	var patterns []protocol.CyclicPattern
	for _, field := range fields {
		var seq []string
		for _, e := range events {
			if v, ok := fieldValues(e.changes)[field]; ok {
				seq = append(seq, v)
			}
		}
		if p, ok := period(seq, 2); ok {
			patterns = append(patterns, protocol.CyclicPattern{
				Field:          field,
				PatternLength:  p,
				Pattern:        append([]string(nil), seq[:p]...),
				SequenceLength: len(seq),
			})
		}
	}
	return patterns
}

// period returns the smallest p <= maxPeriod (and <= len(seq)/2) such that
// seq is its first p values repeated, the last repetition possibly cut short.
func period(seq []string, maxPeriod int) (int, bool) {
	for p := 1; p <= maxPeriod && p <= len(seq)/2; p++ {
		tiles := true
		for i := p; i < len(seq); i++ {
			if seq[i] != seq[i%p] {
				tiles = false
				break
			}
		}
		if tiles {
			return p, true
		}
	}
	return 0, false
}

func changePatterns(events []event) protocol.ChangePatterns {
	freq := fieldFrequency(events)
	return protocol.ChangePatterns{
		FieldFrequency: freq,
		TimePatterns:   timePatterns(events),
		CyclicChanges:  cyclicChanges(events, freq),
	}
}
