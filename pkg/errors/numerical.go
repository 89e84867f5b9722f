package errors

import (
	"math"
)

// CheckFinite returns an AnalysisError if any value is NaN or infinite.
func CheckFinite(operation string, values []float64) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return NewAnalysisError(operation, "numerical instability",
				Newf("non-finite value %v at index %d", v, i))
		}
	}
	return nil
}
