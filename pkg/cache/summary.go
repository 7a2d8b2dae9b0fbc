package cache

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	maxSummaryValue = 50
	maxSummaryLen   = 255
)

// SummarizeParams renders params as a short human-readable "k=v, k=v" line
// for the request_params_summary column. Keys are sorted, long values and
// the whole line are truncated.
func SummarizeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+truncate(summaryValue(params[k]), maxSummaryValue))
	}
	return truncate(strings.Join(parts, ", "), maxSummaryLen)
}

func summaryValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool, int, int32, int64, float32, float64:
		return fmt.Sprint(val)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(out)
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
