// Package syncerrors defines the engine's error taxonomy. Transient
// failures are retried with backoff, rejections surface per-operation,
// and fatal local failures abort the current cycle without losing
// queued operations.
package syncerrors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Transport errors.
var (
	// ErrUnavailable marks a transient transport failure (connection
	// refused, 5xx, timeout). Retried via backoff, invisible to the
	// user unless attempts exhaust.
	ErrUnavailable = errors.New("sync server unavailable")

	// ErrCursorExpired is returned when the server no longer holds
	// history for our sync token. Recovery is a full resync from an
	// empty cursor.
	ErrCursorExpired = errors.New("sync cursor expired")
)

// Local store errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyResolved  = errors.New("conflict already resolved")
	ErrOpNotPermanent   = errors.New("operation is not in failed-permanent state")
	ErrStoreUnavailable = errors.New("local store unavailable")
)

// Rejection is a server-side validation failure for a specific
// operation. It is not retried automatically; the user must edit and
// resubmit.
type Rejection struct {
	OpID       string
	StatusCode int
	Reason     string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("operation %s rejected (%d): %s", r.OpID, r.StatusCode, r.Reason)
}

// IsTransient reports whether the error should be retried with backoff.
// Network errors, timeouts, and ErrUnavailable are transient; a
// rejection or a cancelled context is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var rej *Rejection
	if errors.As(err, &rej) {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// IsRejection reports whether the error is a per-operation server
// rejection, returning the rejection details when it is.
func IsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
