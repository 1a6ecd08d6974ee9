package driver

import "github.com/pkg/errors"

// ErrPreparedAbsent is reported by Resolve when the participant no longer
// has a prepared transaction under the given identifier. Callers treat it
// as success: the participant already reached a terminal state.
var ErrPreparedAbsent = errors.New("prepared transaction does not exist on participant")

// ErrUnknownDriver is returned by Registry.Get for an unregistered name.
var ErrUnknownDriver = errors.New("no such driver")

type transientError struct{ error }

func (e transientError) Unwrap() error { return e.error }
func (e transientError) Cause() error  { return e.error }

// MarkTransient marks |err| as retryable: the participant is expected to
// recover, and the caller should retry rather than surrender.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err}
}

// IsTransient returns whether any error in the chain carries the
// retryable marker.
func IsTransient(err error) bool {
	for err != nil {
		if _, ok := err.(transientError); ok {
			return true
		}
		var next = errors.Unwrap(err)
		if next == nil {
			if causer, ok := err.(interface{ Cause() error }); ok {
				next = causer.Cause()
				if next == err {
					return false
				}
			}
		}
		err = next
	}
	return false
}
