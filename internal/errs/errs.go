// Package errs holds the reservation error taxonomy. Every deterministic error
// carries the exact offending seat identifiers so callers can reselect.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	CodeValidation = "VALIDATION_ERROR"
	CodeConflict   = "SEAT_CONFLICT"
	CodeLease      = "LEASE_INVALID"
	CodeWindow     = "BOOKING_WINDOW_CLOSED"
	CodeTransient  = "STORE_UNAVAILABLE"
	CodeNotFound   = "NOT_FOUND"
	CodeInternal   = "INTERNAL_ERROR"
)

// Validation reasons
const (
	ReasonEmptyRequest      = "empty_request"
	ReasonDuplicateSeats    = "duplicate_seats"
	ReasonUnknownSeats      = "unknown_seats"
	ReasonHolderCapExceeded = "holder_cap_exceeded"
	ReasonSeatUnavailable   = "seat_unavailable"
	ReasonInvalidRequest    = "invalid_request"
)

// ValidationError reports a malformed request: empty, duplicate or unknown
// seat ids, or a holder exceeding the concurrent seat cap.
type ValidationError struct {
	Reason  string
	Message string
	Seats   []string
}

func (e *ValidationError) Error() string {
	if len(e.Seats) == 0 {
		return fmt.Sprintf("validation failed (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("validation failed (%s): %s [%s]", e.Reason, e.Message, strings.Join(e.Seats, ","))
}

// ConflictError reports seats that are held by someone else or already booked.
type ConflictError struct {
	Seats []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("seats unavailable: %s", strings.Join(e.Seats, ","))
}

// LeaseError reports seats the caller tried to commit without a live lease.
type LeaseError struct {
	Seats []string
}

func (e *LeaseError) Error() string {
	return fmt.Sprintf("no live lease held on seats: %s", strings.Join(e.Seats, ","))
}

// WindowError reports a commit attempted inside the booking cutoff.
type WindowError struct {
	StartsAt time.Time
	Cutoff   time.Duration
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("bookings close %s before the performance starting at %s",
		e.Cutoff, e.StartsAt.UTC().Format(time.RFC3339))
}

// TransientStoreError wraps a retryable infrastructure failure.
type TransientStoreError struct {
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store failure: %v", e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// NotFoundError reports a missing performance or booking.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// Transient wraps err as a TransientStoreError unless it is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientStoreError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientStoreError
	return errors.As(err, &t)
}

// Seats extracts the offending seat ids from a taxonomy error.
func Seats(err error) []string {
	var (
		v *ValidationError
		c *ConflictError
		l *LeaseError
	)
	switch {
	case errors.As(err, &v):
		return v.Seats
	case errors.As(err, &c):
		return c.Seats
	case errors.As(err, &l):
		return l.Seats
	}
	return nil
}

// Code returns the stable wire code for err.
func Code(err error) string {
	var (
		v *ValidationError
		c *ConflictError
		l *LeaseError
		w *WindowError
		t *TransientStoreError
		n *NotFoundError
	)
	switch {
	case errors.As(err, &v):
		return CodeValidation
	case errors.As(err, &c):
		return CodeConflict
	case errors.As(err, &l):
		return CodeLease
	case errors.As(err, &w):
		return CodeWindow
	case errors.As(err, &t):
		return CodeTransient
	case errors.As(err, &n):
		return CodeNotFound
	}
	return CodeInternal
}

// Status maps err to an HTTP status code.
func Status(err error) int {
	switch Code(err) {
	case CodeValidation:
		return http.StatusUnprocessableEntity
	case CodeConflict, CodeLease:
		return http.StatusConflict
	case CodeWindow:
		return http.StatusForbidden
	case CodeTransient:
		return http.StatusServiceUnavailable
	case CodeNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
