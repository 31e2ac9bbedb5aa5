package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies terminal job failures. The UI layer only ever sees the
// kind and message, never raw engine output.
type ErrorKind string

const (
	ErrKindValidation  ErrorKind = "validation"         // rejected at submit, never queued
	ErrKindNotFound    ErrorKind = "engine_not_found"   // engine binary missing, no retry
	ErrKindRecoverable ErrorKind = "recoverable"        // transient, retried with backoff
	ErrKindPermanent   ErrorKind = "permanent"          // unsupported format, auth, gone
	ErrKindCancelled   ErrorKind = "cancelled"          // user request, not an error
	ErrKindResource    ErrorKind = "resource_exhausted" // disk full, permission denied
	ErrKindInternal    ErrorKind = "internal"           // unexpected worker error
)

// ClassifiedError attaches an ErrorKind to an engine diagnostic.
type ClassifiedError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ClassifiedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Retryable reports whether the scheduler may re-attempt the job.
func (e *ClassifiedError) Retryable() bool { return e.Kind == ErrKindRecoverable }

// NewClassified wraps err with a kind and a user-facing message.
func NewClassified(kind ErrorKind, msg string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Message: msg, Err: err}
}

// Classify extracts the ClassifiedError from err, defaulting to internal.
func Classify(err error) *ClassifiedError {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return &ClassifiedError{Kind: ErrKindInternal, Message: err.Error(), Err: err}
}
