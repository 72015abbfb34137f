package errs

import (
	"errors"
	"time"
)

// ErrorResponse is the JSON error body shared by both services.
type ErrorResponse struct {
	Code     string     `json:"code"`
	Message  string     `json:"message"`
	Reason   string     `json:"reason,omitempty"`
	Seats    []string   `json:"seats,omitempty"`
	StartsAt *time.Time `json:"starts_at,omitempty"`
	Cutoff   string     `json:"cutoff,omitempty"`
}

// ToResponse renders err for the wire. Internal errors are not echoed verbatim.
func ToResponse(err error) ErrorResponse {
	resp := ErrorResponse{
		Code:    Code(err),
		Message: err.Error(),
		Seats:   Seats(err),
	}

	var v *ValidationError
	if errors.As(err, &v) {
		resp.Reason = v.Reason
	}

	var w *WindowError
	if errors.As(err, &w) {
		startsAt := w.StartsAt
		resp.StartsAt = &startsAt
		resp.Cutoff = w.Cutoff.String()
	}

	if resp.Code == CodeInternal || resp.Code == CodeTransient {
		resp.Message = "The server encountered a problem and could not process your request"
	}

	return resp
}

// FromResponse rebuilds the typed error from a decoded error body.
func FromResponse(resp ErrorResponse) error {
	switch resp.Code {
	case CodeValidation:
		return &ValidationError{Reason: resp.Reason, Message: resp.Message, Seats: resp.Seats}
	case CodeConflict:
		return &ConflictError{Seats: resp.Seats}
	case CodeLease:
		return &LeaseError{Seats: resp.Seats}
	case CodeWindow:
		w := &WindowError{}
		if resp.StartsAt != nil {
			w.StartsAt = *resp.StartsAt
		}
		if d, err := time.ParseDuration(resp.Cutoff); err == nil {
			w.Cutoff = d
		}
		return w
	case CodeTransient:
		return &TransientStoreError{Err: errors.New(resp.Message)}
	case CodeNotFound:
		return &NotFoundError{Resource: "resource", ID: resp.Message}
	}
	return errors.New(resp.Message)
}
