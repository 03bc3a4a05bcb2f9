package ot

import "errors"

// Common errors.
var (
	// ErrInvalidOperation means an operation sequence is malformed: its
	// retain and delete lengths do not cover the stated base length, or an
	// individual operation carries an illegal field combination.
	ErrInvalidOperation = errors.New("invalid operation sequence")

	// ErrVersionMismatch means two sequences that were supposed to share a
	// base document do not agree on its length. This is a protocol error on
	// the caller's side, never something to guess around.
	ErrVersionMismatch = errors.New("operation base length mismatch")
)
