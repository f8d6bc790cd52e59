package app

import (
	"errors"
	"fmt"
)

// Validation errors: the request is rejected and no state changes.
var (
	ErrUnknownConversation  = errors.New("unknown conversation")
	ErrConversationClosed   = errors.New("conversation is not in progress")
	ErrEmptyAnswer          = errors.New("answer is empty")
	ErrOutOfOrder           = errors.New("answer out of order")
	ErrIncompleteAnswers    = errors.New("answers incomplete")
	ErrGenerationInProgress = errors.New("generation already running")
)

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrUnknownConversation) ||
		errors.Is(err, ErrConversationClosed) ||
		errors.Is(err, ErrEmptyAnswer) ||
		errors.Is(err, ErrOutOfOrder) ||
		errors.Is(err, ErrIncompleteAnswers) ||
		errors.Is(err, ErrGenerationInProgress)
}

// GenerationError wraps a recommendation generator failure. The cause is
// for logs only.
type GenerationError struct {
	ConversationID int64
	Cause          error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed for conversation %d: %v", e.ConversationID, e.Cause)
}

func (e *GenerationError) Unwrap() error { return e.Cause }

// PersistenceError is a store failure; the operation did not take effect.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}
