// Package record defines the alert records submitted for triage and the
// tolerant accessors the pipeline uses to read them. Field absence is never
// an error here: every accessor substitutes a default.
package record

import (
	"encoding/json"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Record is one alert/telemetry entry. Values are strings, numbers, booleans
// or nil. A nil value is treated as absent.
type Record map[string]any

// Batch is an ordered set of records plus the column names seen while
// decoding them, in first-seen order.
type Batch struct {
	Columns []string
	Records []Record
}

// NewBatch builds a Batch from records, deriving Columns from their keys.
func NewBatch(records []Record) Batch {
	seen := make(map[string]struct{})
	var cols []string
	for _, r := range records {
		for _, k := range sortedKeys(r) {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			cols = append(cols, k)
		}
	}
	return Batch{Columns: cols, Records: records}
}

func sortedKeys(r Record) []string {
	return slices.Sorted(maps.Keys(r))
}

// Len returns the number of records in the batch.
func (b Batch) Len() int { return len(b.Records) }

// Subset returns the records at the given indices, in the order given.
func (b Batch) Subset(idx []int) []Record {
	out := make([]Record, 0, len(idx))
	for _, i := range idx {
		out = append(out, b.Records[i])
	}
	return out
}

// synonyms lists fallback field names tried, in order, when the canonical
// field is absent.
var synonyms = map[string][]string{
	"hostname":       {"host_name", "computer_name"},
	"username":       {"user_name"},
	"path":           {"process_path"},
	"process_pid":    {"process_id", "pid"},
	"parent_name":    {"parent_process_name"},
	"alert_severity": {"severity", "feed_rating"},
	"netconn_count":  {"networkconn_count", "crossproc_count"},
}

var canonical = func() map[string]string {
	m := make(map[string]string)
	for name, alts := range synonyms {
		for _, alt := range alts {
			if _, ok := m[alt]; !ok {
				m[alt] = name
			}
		}
	}
	return m
}()

// Synonyms returns the fallback chain for a canonical field name.
func Synonyms(field string) []string {
	return synonyms[field]
}

// Canonical returns the canonical name for a synonym, or field itself.
func Canonical(field string) string {
	if name, ok := canonical[field]; ok {
		return name
	}
	return field
}

// Lookup returns the value of field, falling back through its synonym chain.
func (r Record) Lookup(field string) (any, bool) {
	if v, ok := r[field]; ok && v != nil {
		return v, true
	}
	for _, alt := range synonyms[field] {
		if v, ok := r[alt]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// Float returns field coerced to a finite float64. Absent or non-numeric
// values yield 0.
func (r Record) Float(field string) float64 {
	v, ok := r.Lookup(field)
	if !ok {
		return 0
	}
	return ToFloat(v)
}

// Int returns field coerced to an integer, truncating toward zero.
func (r Record) Int(field string) int64 {
	return int64(r.Float(field))
}

// String returns field rendered as a string, or def when absent.
func (r Record) String(field, def string) string {
	v, ok := r.Lookup(field)
	if !ok {
		return def
	}
	return ToString(v)
}

// ToFloat coerces an arbitrary record value to a finite float64.
func ToFloat(v any) float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		p, err := x.Float64()
		if err != nil {
			return 0
		}
		f = p
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0
		}
		f = p
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// ToString renders a record value as a string.
func ToString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
