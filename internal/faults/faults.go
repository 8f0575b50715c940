// Package faults classifies pipeline errors into the categories the retry
// and progress logic dispatches on. Workers wrap underlying errors with a
// Kind; nothing above them inspects error strings.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the error category of a pipeline failure.
type Kind int

const (
	// KindUnknown is an unclassified error.
	KindUnknown Kind = iota
	// KindTransient covers network errors, 5xx responses and rate-limit
	// signals. Retryable with backoff.
	KindTransient
	// KindAuth covers bad credentials and expired tokens. One refresh
	// attempt, then fatal for the run.
	KindAuth
	// KindValidation covers malformed input or service responses.
	// Not retryable for the affected recording.
	KindValidation
	// KindJobFailed means the transcription service reported a terminal
	// failure for a job. Not retryable.
	KindJobFailed
	// KindTimeout means a job exceeded the configured maximum wait.
	KindTimeout
	// KindLocalIO covers database, filesystem and file-store faults.
	// Retryable per step.
	KindLocalIO
	// KindDeletionFailed means the deletion auditor could not verify
	// removal of the audio file. The recording stays at transcribed.
	KindDeletionFailed
	// KindCancelled is cooperative shutdown, not an error condition.
	KindCancelled
)

// String returns the summary-facing name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient_upstream"
	case KindAuth:
		return "auth_failure"
	case KindValidation:
		return "validation"
	case KindJobFailed:
		return "service_job_failed"
	case KindTimeout:
		return "timeout"
	case KindLocalIO:
		return "local_io"
	case KindDeletionFailed:
		return "deletion_failed"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is an error tagged with a Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a tagged error from a format string.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind. Returns nil if err is nil. If err already
// carries a kind, the existing tag wins.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the kind from err, or KindUnknown if untagged.
// context.Canceled and context.DeadlineExceeded map to KindCancelled
// even without an explicit tag.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnknown
}

// Retryable reports whether the worker retry loops may re-attempt after
// this error.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindLocalIO, KindUnknown:
		return true
	default:
		return false
	}
}
