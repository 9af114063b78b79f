package permanent

import "errors"

// Error marks delivery failures that retrying cannot fix (bad token, 4xx, bad payload).
type Error struct {
	Err error
}

func (e Error) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e Error) Unwrap() error {
	return e.Err
}

// Permanent reports the non-retryable marker.
func (Error) Permanent() bool {
	return true
}

// Mark wraps err with the permanent marker; nil stays nil.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	return Error{Err: err}
}

// Is reports whether any error in the chain carries the permanent marker.
// Params: candidate error.
// Returns: true when retry should stop.
func Is(err error) bool {
	if err == nil {
		return false
	}
	type marker interface {
		Permanent() bool
	}
	var tagged marker
	if !errors.As(err, &tagged) {
		return false
	}
	return tagged.Permanent()
}
