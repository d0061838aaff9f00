package registration

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration is returned when a parameter is out of range.
	// Configuration errors are reported before any computation starts.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrDimensionMismatch is returned when index-aligned arrays disagree in length.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrNeighborOutOfRange is returned when a neighbour graph references an unknown point.
	ErrNeighborOutOfRange = errors.New("neighbour index out of range")

	// ErrNegativeAffinity is returned when an affinity entry is negative or NaN.
	ErrNegativeAffinity = errors.New("affinity entries must be non-negative")
)

// ConfigError describes a rejected configuration value.
//
// It matches ErrInvalidConfiguration with errors.Is.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s = %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfiguration }

// DimensionMismatchError indicates an array whose length disagrees with the point count.
//
// It matches ErrDimensionMismatch with errors.Is.
type DimensionMismatchError struct {
	What     string
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: %s: expected %d, got %d", e.What, e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

func checkLen(what string, expected, actual int) error {
	if expected != actual {
		return &DimensionMismatchError{What: what, Expected: expected, Actual: actual}
	}
	return nil
}
