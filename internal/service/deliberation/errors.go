package deliberation

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/togi/internal/model"
	"github.com/ashita-ai/togi/internal/storage"
)

// Error pairs a code from the API error taxonomy with a participant-facing
// message. Transport handlers switch on Code to pick a status line instead
// of parsing message text.
type Error struct {
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Errf builds a coded error with a formatted message.
func Errf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// wrapCode attaches a taxonomy code and message to an underlying error.
func wrapCode(code string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// invalid marks a validation failure, keeping the validator's message.
func invalid(err error) *Error {
	return &Error{Code: model.ErrCodeValidation, Message: err.Error(), cause: err}
}

// CodeOf extracts the taxonomy code from err. Uncoded errors are INTERNAL.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return model.ErrCodeInternal
}

// submissionError translates the storage sentinels a submission can hit
// into coded errors. The snapshot carries the stage the store actually saw
// under the row lock, which may be newer than what the caller observed.
func submissionError(err error, d model.Deliberation, noun string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return wrapCode(model.ErrCodeNotFound, err, "deliberation not found")
	case errors.Is(err, storage.ErrWrongStage):
		return wrapCode(model.ErrCodeStageMismatch, err,
			"deliberation is in the %s stage and does not accept %s submissions", d.Stage, noun)
	case errors.Is(err, storage.ErrFull):
		return wrapCode(model.ErrCodeStageMismatch, err, "opinion collection is full")
	case errors.Is(err, storage.ErrDuplicate):
		return wrapCode(model.ErrCodeDuplicateSubmission, err, "duplicate %s submission", noun)
	default:
		return wrapCode(model.ErrCodeStoreError, err, "failed to store %s", noun)
	}
}

// lookupError translates read-path storage errors.
func lookupError(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return wrapCode(model.ErrCodeNotFound, err, "%s not found", what)
	}
	return wrapCode(model.ErrCodeStoreError, err, "failed to load %s", what)
}
