package types

import "errors"

var (
	// ErrInvalidArgument is returned when a required field is missing.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvariantViolation is returned by CheckInvariants.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrUnknownState is returned when decoding an enum value that is not a
	// member of its set.
	ErrUnknownState = errors.New("unknown state")
)
