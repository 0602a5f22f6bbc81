package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidOTP        = errors.New("invalid OTP")
	ErrOTPExpired        = errors.New("OTP expired or not issued")
	ErrLocked            = errors.New("too many failed OTP attempts")
	ErrForbidden         = errors.New("forbidden")
	ErrUnauthorized      = errors.New("unauthorized")

	// ErrStorage marks a failed atomic commit. Nothing was applied and the
	// operation may be retried.
	ErrStorage = errors.New("storage error")

	// ErrUnavailable marks exhaustion of a cheap resource (account number draws).
	ErrUnavailable = errors.New("service unavailable")
)

// OTPError is returned for a wrong code that did not yet trigger lockout.
type OTPError struct {
	Attempts int
	Max      int
}

func (e *OTPError) Error() string {
	return fmt.Sprintf("invalid OTP. Attempt %d/%d", e.Attempts, e.Max)
}

func (e *OTPError) Is(target error) bool { return target == ErrInvalidOTP }
