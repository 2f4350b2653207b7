package labs

// ComputeFlag applies the reference-range rule: "H" above the high bound,
// "L" below the low bound, "N" inside a known range, nil when no range is
// known. Values exactly on a bound are in range.
func ComputeFlag(value float64, refLow, refHigh *float64) *string {
	switch {
	case refHigh != nil && value > *refHigh:
		return strPtr("H")
	case refLow != nil && value < *refLow:
		return strPtr("L")
	case refLow != nil || refHigh != nil:
		return strPtr("N")
	}
	return nil
}

func strPtr(s string) *string { return &s }
