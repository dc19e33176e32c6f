package enrollment

import "errors"

var (
	// ErrPreconditionNotMet is returned when a reconciliation has nothing to
	// work with: no registrations in the period or no snapshot rows at the date.
	ErrPreconditionNotMet = errors.New("precondition not met")

	// ErrConcurrencyConflict is returned when another ingestion holds the
	// period or the transaction lost a serialization race. Callers may retry.
	ErrConcurrencyConflict = errors.New("concurrent modification")

	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidInput      = errors.New("invalid input")
)
