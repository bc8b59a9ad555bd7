package fsrs

import "errors"

// Sentinel errors for the fsrs package.
// Use errors.Is to check: errors.Is(err, fsrs.ErrInvalidGrade)
var (
	ErrInvalidGrade     = errors.New("fsrs: invalid grade")
	ErrInvalidCardState = errors.New("fsrs: invalid card state")
	ErrInvalidExposure  = errors.New("fsrs: invalid exposure kind")
	ErrInvalidWeights   = errors.New("fsrs: weights out of bounds")
	ErrInvalidRetention = errors.New("fsrs: desired retention out of range")
)
