// Package togi provides a Go client for the Togi deliberation API.
package togi

import (
	"errors"
	"fmt"
)

// Error represents an error from the Togi API with the HTTP status code
// and the server's error code and message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("togi: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsStageMismatch returns true if the server rejected the call because the
// deliberation is not in the stage the operation requires.
func IsStageMismatch(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "STAGE_MISMATCH"
	}
	return false
}

// IsDuplicateSubmission returns true if the caller already submitted for
// this deliberation and round.
func IsDuplicateSubmission(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "DUPLICATE_SUBMISSION"
	}
	return false
}

// IsInvalidRanking returns true if a submitted ranking was not a strict
// permutation of the current round's candidates.
func IsInvalidRanking(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "INVALID_RANKING"
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}
