package settlement

import (
	"errors"
	"fmt"
)

var (
	// ErrBackpressure is returned when the queue is over its high-water
	// mark (Admit) or at hard capacity (Enqueue).
	ErrBackpressure = errors.New("settlement: queue backpressure")
	ErrJobNotFound  = errors.New("settlement: job not found")
	// ErrJobTimedOut is the terminal cause of a job that outlived MaxJobAge.
	ErrJobTimedOut = errors.New("settlement: job timed out")
	// ErrStaleTransition means the job was not in a state the transition
	// accepts, usually because another worker or the reaper got there first.
	ErrStaleTransition = errors.New("settlement: stale job transition")
)

// NetworkError classifies a settlement network failure.
type NetworkError struct {
	Reason    string
	Temporary bool
	Err       error
}

func (e *NetworkError) Error() string {
	kind := "permanent"
	if e.Temporary {
		kind = "temporary"
	}
	if e.Err == nil {
		return fmt.Sprintf("settlement network %s failure: %s", kind, e.Reason)
	}
	return fmt.Sprintf("settlement network %s failure: %s: %v", kind, e.Reason, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Temporary wraps err as a retriable network failure.
func Temporary(reason string, err error) error {
	return &NetworkError{Reason: reason, Temporary: true, Err: err}
}

// Permanent wraps err as a failure that retrying cannot fix.
func Permanent(reason string, err error) error {
	return &NetworkError{Reason: reason, Err: err}
}

// IsPermanent reports whether err must not be retried. Unclassified
// errors are treated as temporary.
func IsPermanent(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) && !ne.Temporary
}
