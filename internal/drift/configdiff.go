package drift

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"

	"github.com/signalnine/capsulewatch/internal/protocol"
)

// CanonicalLines renders a configuration tree as sorted "path: value"
// lines, one per leaf. Maps recurse in key order, list elements are
// addressed by index, and empty containers render as a single line so
// emptying a section still shows up in the diff.
func CanonicalLines(cfg protocol.Value) []string {
	var lines []string
	render(&lines, "", cfg)
	return lines
}

func render(lines *[]string, path string, v protocol.Value) {
	switch v.Kind() {
	case protocol.KindMap:
		keys := v.Keys()
		if len(keys) == 0 {
			if path != "" {
				*lines = append(*lines, path+": {}")
			}
			return
		}
		for _, k := range keys {
			item, _ := v.Get(k)
			render(lines, joinPath(path, k), item)
		}
	case protocol.KindList:
		items, _ := v.AsList()
		if len(items) == 0 {
			if path != "" {
				*lines = append(*lines, path+": []")
			}
			return
		}
		for i, item := range items {
			render(lines, path+"["+strconv.Itoa(i)+"]", item)
		}
	default:
		if path == "" {
			path = "value"
		}
		*lines = append(*lines, path+": "+v.JSON())
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// UnifiedDiff returns the unified diff between the canonical renderings of
// two configuration trees, or "" when they are equal.
func UnifiedDiff(previous, current protocol.Value) (string, error) {
	ud := difflib.UnifiedDiff{
		A:        withNewlines(CanonicalLines(previous)),
		B:        withNewlines(CanonicalLines(current)),
		FromFile: "previous",
		ToFile:   "current",
		Context:  1,
	}
	return difflib.GetUnifiedDiffString(ud)
}

func withNewlines(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l + "\n"
	}
	return out
}

// DiffConfiguration classifies every added and removed line of the
// unified diff as a field change. Lines are split on their first colon;
// when a field is both removed and added the entry reports the addition
// and keeps the removed value in Previous.
func DiffConfiguration(previous, current protocol.Value) (map[string]protocol.ConfigChange, error) {
	text, err := UnifiedDiff(previous, current)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}

	fd, err := diff.ParseFileDiff([]byte(text))
	if err != nil {
		return nil, err
	}

	details := make(map[string]protocol.ConfigChange)
	for _, hunk := range fd.Hunks {
		for _, line := range bytes.Split(hunk.Body, []byte("\n")) {
			if len(line) == 0 {
				continue
			}
			var typ protocol.ChangeType
			switch line[0] {
			case '-':
				typ = protocol.ChangeRemoved
			case '+':
				typ = protocol.ChangeAdded
			default:
				continue
			}
			field, value, ok := splitField(string(line[1:]))
			if !ok {
				continue
			}

			prev, seen := details[field]
			switch {
			case typ == protocol.ChangeAdded && seen && prev.Type == protocol.ChangeRemoved:
				details[field] = protocol.ConfigChange{Type: protocol.ChangeAdded, Value: value, Previous: prev.Value}
			case !seen:
				details[field] = protocol.ConfigChange{Type: typ, Value: value}
			}
		}
	}
	if len(details) == 0 {
		return nil, nil
	}
	return details, nil
}

func splitField(line string) (field, value string, ok bool) {
	field, value, ok = strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	field = strings.Trim(strings.TrimSpace(field), `"`)
	value = strings.TrimSuffix(strings.TrimSpace(value), ",")
	if field == "" {
		return "", "", false
	}
	return field, value, true
}
