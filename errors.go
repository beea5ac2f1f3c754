package chatsync

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyContent         = errors.New("message content is empty")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrMalformedEvent       = errors.New("malformed event payload")
	ErrRecallTooLate        = errors.New("message is too old to recall")
	ErrOperationFailed      = errors.New("operation failed")
)

// CodeRecallTooLate is the server error code returned when the recall window
// for a message has passed.
const CodeRecallTooLate = "RECALL_TIME_EXCEEDED"

// APIError represents an error reported by the REST collaborator.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Is lets errors.Is classify server errors. The recall-window code matches
// ErrRecallTooLate; every other code matches ErrOperationFailed.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrRecallTooLate:
		return e.Code == CodeRecallTooLate
	case ErrOperationFailed:
		return e.Code != CodeRecallTooLate
	}
	return false
}

// UserMessage maps an error from an engine operation to the notice shown to
// the user. Only a rejected recall gets its own wording.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRecallTooLate):
		return "This message can no longer be recalled."
	case errors.Is(err, ErrEmptyContent):
		return "Message is empty."
	}
	return "Operation failed. Please try again."
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}
