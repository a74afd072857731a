package engine

import (
	"errors"
	"fmt"
)

// TransientError marks a capture failure worth retrying (store contention,
// timeout). Nothing was recorded; the next attempt reuses the same number.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("capture transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a capture failure that retrying cannot fix (missing
// group, schema inconsistency). Capture for the group halts; other groups
// are unaffected.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("capture fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
