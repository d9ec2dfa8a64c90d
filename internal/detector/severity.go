package detector

import (
	"math"

	"PcapSentry/internal/model"
)

// Severity maps how far an observation exceeds its threshold onto the
// alert scale: base at the threshold, one level per doubling above it.
// The result is monotonic in observed and clamped to 1..15.
func Severity(base int, observed, threshold float64) int {
	if threshold <= 0 || observed <= threshold {
		return model.ClampSeverity(base)
	}
	steps := math.Floor(math.Log2(observed / threshold))
	if steps > model.MaxSeverity {
		steps = model.MaxSeverity
	}
	return model.ClampSeverity(base + int(steps))
}
