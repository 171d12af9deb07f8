package domain

import "errors"

// Sentinel errors shared across packages. Callers wrap them with context
// and match with errors.Is.
var (
	// ErrInvalidTransaction marks a transaction rejected before scoring.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrInvalidTransition marks an analyst action the alert's state does not allow.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrMissingAlert is returned when an alert identifier is unknown.
	ErrMissingAlert = errors.New("alert not found")

	// ErrMissingTransaction is returned when a transaction identifier is unknown.
	ErrMissingTransaction = errors.New("transaction not found")

	// ErrInvalidInput covers malformed requests outside the transaction boundary.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when an alert changed between read and write.
	ErrConflict = errors.New("alert was modified concurrently")
)
