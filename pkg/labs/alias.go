package labs

import "strings"

// NormalizeNames rewrites metric names to their canonical forms using a
// case-insensitive alias map keyed by lowercase alias. Each rewrite keeps the
// original name on the metric so the client can toggle it back before
// confirmation. A nil or empty map is a no-op pass-through; the pipeline
// never treats a missing alias table as an error.
func NormalizeNames(metrics []Metric, aliases map[string]string) []Metric {
	if len(aliases) == 0 {
		return metrics
	}
	out := make([]Metric, len(metrics))
	copy(out, metrics)
	for i := range out {
		canon, ok := aliases[strings.ToLower(out[i].Name)]
		if !ok || canon == "" || canon == out[i].Name {
			continue
		}
		out[i].OriginalName = out[i].Name
		out[i].Name = canon
	}
	return out
}
