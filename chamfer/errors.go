package chamfer

import "errors"

// Error taxonomy shared by the builder, both evaluators and the aggregator.
// Callers match with errors.Is; returned errors wrap these with detail.
var (
	// ErrInvalidInput reports unusable input such as an empty edge-point set.
	ErrInvalidInput = errors.New("chamfer: invalid input")

	// ErrDimensionMismatch reports an occupancy surface whose size differs
	// from the bound distance and position maps.
	ErrDimensionMismatch = errors.New("chamfer: dimension mismatch")

	// ErrModeMismatch reports a Sum/SquaredSum accessor that does not match
	// the mode of the most recent evaluation.
	ErrModeMismatch = errors.New("chamfer: sum mode mismatch")

	// ErrResourceUnavailable reports a render surface that could not be
	// acquired: not ready, already mapped, or bound to another device.
	ErrResourceUnavailable = errors.New("chamfer: resource unavailable")

	// ErrPrecondition reports a call made out of order, for example
	// evaluating before maps are bound.
	ErrPrecondition = errors.New("chamfer: precondition violation")
)
