package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrConflict         = errors.New("conflict")
	ErrExpired          = errors.New("expired")
	ErrClientMismatch   = errors.New("client mismatch")
	ErrRedirectMismatch = errors.New("redirect uri mismatch")
	ErrInvalidToken     = errors.New("invalid token")
	ErrAccountLocked    = errors.New("account locked")
)

type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *AccountLockedError) Unwrap() error {
	return ErrAccountLocked
}

// RetryAfter is the remaining lockout in whole seconds, never less than one
func (e *AccountLockedError) RetryAfter(now time.Time) int {
	remaining := int(e.Until.Sub(now).Seconds())
	if remaining < 1 {
		return 1
	}
	return remaining
}

// IsGrantError reports whether err is one of the code or refresh token
// failures that collapse into invalid_grant
func IsGrantError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrClientMismatch) ||
		errors.Is(err, ErrRedirectMismatch) ||
		errors.Is(err, ErrInvalidToken)
}
