package services

import (
	"errors"
	"fmt"
)

var (
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrInvalidCode  = errors.New("invalid or expired code")
	ErrTooSoon      = errors.New("too soon")
	ErrRateLimited  = errors.New("too many requests")
	ErrBadRequest   = errors.New("bad request")
	ErrInvalidToken = fmt.Errorf("%w: invalid token", ErrUnauthorized)
	ErrExpired      = fmt.Errorf("%w: token expired or revoked", ErrUnauthorized)
)

// TooSoonError reports a code request made inside the resend cooldown.
type TooSoonError struct {
	SecondsRemaining int
}

func (e *TooSoonError) Error() string {
	return fmt.Sprintf("please wait %d seconds before requesting a new code", e.SecondsRemaining)
}

func (e *TooSoonError) Is(target error) bool {
	return target == ErrTooSoon
}

// SecondsRemaining extracts the wait time from a TooSoon error, or 0.
func SecondsRemaining(err error) int {
	var tooSoon *TooSoonError
	if errors.As(err, &tooSoon) {
		return tooSoon.SecondsRemaining
	}
	return 0
}
