// Package encoding holds small encode/validate helpers shared by the
// feature and index layers that don't belong in any one package.
package encoding

import (
	"errors"
	"math"
)

// ErrInvalidVector is returned when a vector fails validation.
var ErrInvalidVector = errors.New("invalid vector")

// ValidateVector rejects nil/empty vectors and any vector containing NaN
// or infinite components, the two failure modes a bad embedder or a
// corrupt feature-store entry could otherwise silently propagate into the
// ANN index and scorer.
func ValidateVector(vector []float32) error {
	if len(vector) == 0 {
		return ErrInvalidVector
	}
	for _, val := range vector {
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return ErrInvalidVector
		}
	}
	return nil
}
