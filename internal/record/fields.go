package record

import "strings"

// expectedFields are the Carbon Black EDR export columns the models were
// trained against.
var expectedFields = []string{
	"alert_severity", "childproc_count", "group", "hostname", "process_name",
	"cmdline", "parent_name", "username", "path", "netconn_count",
	"filemod_count", "regmod_count", "crossproc_count", "last_update",
	"start", "sensor_id", "cb_server", "process_pid", "parent_pid",
	"process_md5", "parent_md5",
}

// ExpectedFields returns a copy of the expected EDR column list.
func ExpectedFields() []string {
	out := make([]string, len(expectedFields))
	copy(out, expectedFields)
	return out
}

// MissingFields returns the expected fields not covered by columns, either
// directly or through a synonym. Matching is case-insensitive.
func MissingFields(columns []string) []string {
	have := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		have[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}

	missing := []string{}
	for _, f := range expectedFields {
		if _, ok := have[f]; ok {
			continue
		}
		found := false
		for _, alt := range synonyms[f] {
			if _, ok := have[alt]; ok {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, f)
		}
	}
	return missing
}
