package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a booking does not exist.
	ErrNotFound = errors.New("dispatch: booking not found")
	// ErrConflict is returned by stores when a guarded update matched no row.
	ErrConflict = errors.New("dispatch: booking changed concurrently")
)

// ValidationError rejects a malformed request before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dispatch: invalid request: %s %s", e.Field, e.Message)
}

// StaleResponseError means the response targets an assignment that has moved
// on: wrong candidate or terminal booking.
type StaleResponseError struct {
	BookingID   string
	TherapistID string
	State       State
}

func (e *StaleResponseError) Error() string {
	return fmt.Sprintf("dispatch: stale response from %s for booking %s in state %s", e.TherapistID, e.BookingID, e.State)
}

// DirectoryError is returned from Submit when the eligibility query fails.
// The booking has been expired so a retry does not leave a duplicate behind.
type DirectoryError struct {
	BookingID string
	Err       error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("dispatch: therapist directory unavailable for booking %s: %v", e.BookingID, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

// NoCandidatesError is returned from Submit when nobody is eligible.
type NoCandidatesError struct {
	BookingID string
}

func (e *NoCandidatesError) Error() string {
	return fmt.Sprintf("dispatch: booking %s expired: %s", e.BookingID, ReasonNoCandidates)
}

// Reason returns the requester-facing reason.
func (e *NoCandidatesError) Reason() string { return ReasonNoCandidates }

// NoResponseError records a broadcast round that ended with no accept.
type NoResponseError struct {
	BookingID string
}

func (e *NoResponseError) Error() string {
	return fmt.Sprintf("dispatch: booking %s expired: %s", e.BookingID, ReasonNoResponse)
}

// Reason returns the requester-facing reason.
func (e *NoResponseError) Reason() string { return ReasonNoResponse }

// PersistenceError wraps a store failure that survived the retry.
type PersistenceError struct {
	BookingID string
	Op        string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("dispatch: %s booking %s: %v", e.Op, e.BookingID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsStale reports whether err is a StaleResponseError.
func IsStale(err error) bool {
	var stale *StaleResponseError
	return errors.As(err, &stale)
}

func isNoResponse(err error) bool {
	var nr *NoResponseError
	return errors.As(err, &nr)
}

// ErrNotOwner is returned when an actor touches a booking that is not theirs.
var ErrNotOwner = errors.New("dispatch: booking belongs to another requester")
