// Package apperr defines the typed error enum every core operation returns,
// so callers can tell "someone else is editing this" apart from
// "the system is out of API capacity".
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for callers and for the HTTP layer.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindInvalidInput       Kind = "invalid_input"
	KindNotLockOwner       Kind = "not_lock_owner"
	KindLocked             Kind = "locked"
	KindDuplicateJob       Kind = "duplicate_job"
	KindNoKeysAvailable    Kind = "no_keys_available"
	KindInvalidTransition  Kind = "invalid_transition"
	KindUnresolvedSegments Kind = "unresolved_segments"
	KindJobNotCancellable  Kind = "job_not_cancellable"
	KindStaleJob           Kind = "stale_job"
	KindRateLimited        Kind = "rate_limited"
	KindTransient          Kind = "transient"
	KindPermanent          Kind = "permanent"
	KindInternal           Kind = "internal"
)

// Error is a classified failure. Optional fields are only set for the
// kinds they describe.
type Error struct {
	Kind    Kind
	Message string

	// Count is the number of unresolved segments for KindUnresolvedSegments.
	Count int
	// LockedBy and LockedUntil describe the current holder for KindLocked.
	LockedBy    string
	LockedUntil time.Time
	// RetryAfter is the server-suggested wait for KindRateLimited.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping it as the cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// NotFound reports a missing record.
func NotFound(what, id string) *Error {
	return New(KindNotFound, "%s not found: %s", what, id)
}

// Locked reports a live lease held by someone else.
func Locked(chunkID, holder string, until time.Time) *Error {
	return &Error{
		Kind:        KindLocked,
		Message:     fmt.Sprintf("chunk %s is being reviewed by %s", chunkID, holder),
		LockedBy:    holder,
		LockedUntil: until,
	}
}

// Unresolved reports segments lacking a verify/reject decision.
func Unresolved(chunkID string, count int) *Error {
	return &Error{
		Kind:    KindUnresolvedSegments,
		Message: fmt.Sprintf("chunk %s has %d unresolved segments", chunkID, count),
		Count:   count,
	}
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindInternal for unclassified errors and
// "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
