package dedup

import (
	"errors"
	"fmt"
)

// ErrConflict matches any ConflictError via errors.Is. A conflict means
// another worker transitioned the fingerprint first; callers treat it as
// "someone else is handling it", not as a failure.
var ErrConflict = errors.New("dedup: conditional transition lost")

// ErrNotFound is returned when a fingerprint has no ledger record.
var ErrNotFound = errors.New("dedup: fingerprint not found")

// ConflictError reports a conditional update that found the record in a
// different status than expected.
type ConflictError struct {
	Fingerprint string
	From        Status
	To          Status
	Actual      Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("dedup: %s: cannot advance %s→%s, status is %s",
		e.Fingerprint, e.From, e.To, e.Actual)
}

// Is makes errors.Is(err, ErrConflict) succeed for ConflictError values.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
