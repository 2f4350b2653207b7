package labs

import "sort"

// TestValue is one analyte row as reported by the vision model for a page.
type TestValue struct {
	Value   float64  `json:"value"`
	Unit    *string  `json:"unit,omitempty"`
	Flag    *string  `json:"flag,omitempty"`
	RefLow  *float64 `json:"ref_low,omitempty"`
	RefHigh *float64 `json:"ref_high,omitempty"`
}

// PageResult is the strict JSON object the model returns for a single page.
type PageResult struct {
	SampleDate *string              `json:"sample_date"`
	Tests      map[string]TestValue `json:"tests"`
}

// Metric is one flattened, review-ready metric row.
type Metric struct {
	Name string `json:"name"`
	// OriginalName is set when an alias rewrite was applied, so review UIs
	// can offer to undo it.
	OriginalName string   `json:"original_name,omitempty"`
	Value        float64  `json:"value"`
	Unit         *string  `json:"unit,omitempty"`
	RefLow       *float64 `json:"ref_low,omitempty"`
	RefHigh      *float64 `json:"ref_high,omitempty"`
}

// Document is the merged, document-level extraction result stored on the
// pending upload for review.
type Document struct {
	SampleDate string   `json:"sample_date,omitempty"`
	Metrics    []Metric `json:"metrics"`
}

// MergePages folds per-page results into one test dictionary. Tests are keyed
// by extracted name and later pages overwrite earlier same-named entries, so
// callers must pass pages in document order. The sample date comes from the
// first page that reported a non-empty one.
func MergePages(pages []PageResult) (string, map[string]TestValue) {
	merged := make(map[string]TestValue)
	date := ""
	for _, p := range pages {
		for name, tv := range p.Tests {
			merged[name] = tv
		}
		if date == "" && p.SampleDate != nil {
			date = *p.SampleDate
		}
	}
	return date, merged
}

// Flatten orders a merged test dictionary into a stable metric list.
func Flatten(tests map[string]TestValue) []Metric {
	names := make([]string, 0, len(tests))
	for n := range tests {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Metric, 0, len(names))
	for _, n := range names {
		tv := tests[n]
		out = append(out, Metric{Name: n, Value: tv.Value, Unit: tv.Unit, RefLow: tv.RefLow, RefHigh: tv.RefHigh})
	}
	return out
}
