package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeValidation        ErrorCode = "VALIDATION_ERROR"
	CodeNotEligible       ErrorCode = "NOT_ELIGIBLE"
	CodeAlreadyAccepted   ErrorCode = "ALREADY_ACCEPTED"
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	CodeExpired           ErrorCode = "EXPIRED"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeForbidden         ErrorCode = "FORBIDDEN"
)

// Vehicle Registry failure reasons.
const (
	ReasonVehicleNotAvailable = "VEHICLE_NOT_AVAILABLE"
	ReasonVehicleNotFound     = "VEHICLE_NOT_FOUND"
)

// Error is a recoverable dispatch outcome surfaced to the caller with a stable code.
type Error struct {
	Code    ErrorCode
	Reason  string
	Message string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on code, and on reason when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

var (
	ErrValidation        = &Error{Code: CodeValidation, Message: "invalid request"}
	ErrNotEligible       = &Error{Code: CodeNotEligible, Message: "driver is not eligible for this booking"}
	ErrAlreadyAccepted   = &Error{Code: CodeAlreadyAccepted, Message: "ride already taken"}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition, Message: "transition not allowed"}
	ErrExpired           = &Error{Code: CodeExpired, Message: "booking expired before acceptance"}
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "not found"}
	ErrForbidden         = &Error{Code: CodeForbidden, Message: "not allowed for this caller"}

	ErrBookingNotFound     = &Error{Code: CodeNotFound, Reason: "BOOKING_NOT_FOUND", Message: "booking not found"}
	ErrDriverNotFound      = &Error{Code: CodeNotFound, Reason: "DRIVER_NOT_FOUND", Message: "driver not found"}
	ErrVehicleNotFound     = &Error{Code: CodeNotEligible, Reason: ReasonVehicleNotFound, Message: "vehicle not found"}
	ErrVehicleNotAvailable = &Error{Code: CodeNotEligible, Reason: ReasonVehicleNotAvailable, Message: "vehicle is not available"}
	ErrDriverBusy          = &Error{Code: CodeNotEligible, Reason: "DRIVER_BUSY", Message: "driver already has an active booking"}
	ErrActiveBookingExists = &Error{Code: CodeValidation, Reason: "ACTIVE_BOOKING_EXISTS", Message: "customer already has an active booking"}
)

func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return NewError(CodeValidation, format, args...)
}

func NotEligible(format string, args ...any) *Error {
	return NewError(CodeNotEligible, format, args...)
}

func InvalidTransition(from, to BookingStatus) *Error {
	return NewError(CodeInvalidTransition, "cannot move booking from %s to %s", from, to)
}

// CodeOf extracts the dispatch code, or "" for infrastructure errors.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
