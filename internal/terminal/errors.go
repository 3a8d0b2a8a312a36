package terminal

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an Error for callers and for the transport mapping.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindRateLimited  Kind = "rate_limited"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindSpawnFailure Kind = "spawn_failure"
	KindExternalTool Kind = "external_tool"
	KindInternal     Kind = "internal"
)

// SpawnReason narrows a spawn failure.
type SpawnReason string

const (
	ReasonTimeout     SpawnReason = "timeout"
	ReasonPermission  SpawnReason = "permission"
	ReasonResource    SpawnReason = "resource"
	ReasonUnavailable SpawnReason = "unavailable"
	ReasonOther       SpawnReason = "other"
)

// Error is the structured error returned by every core operation.
type Error struct {
	Kind    Kind
	Message string
	// Subject names the item the error is about (session id, tmux name, field).
	Subject    string
	Reason     SpawnReason
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Subject != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Subject)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ValidationError reports a malformed request.
func ValidationError(subject, message string) *Error {
	return &Error{Kind: KindValidation, Subject: subject, Message: message}
}

// RateLimitedError reports a rejected spawn and when to retry.
func RateLimitedError(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded, retry in %ds", int(retryAfter.Round(time.Second)/time.Second)),
		RetryAfter: retryAfter,
	}
}

// NotFoundError reports a missing session, profile or tmux session.
func NotFoundError(subject string) *Error {
	return &Error{Kind: KindNotFound, Message: "not found", Subject: subject}
}

// ConflictError reports a duplicate or a state mismatch.
func ConflictError(subject, message string) *Error {
	return &Error{Kind: KindConflict, Subject: subject, Message: message}
}

// SpawnFailureError reports a launch that did not produce a session.
func SpawnFailureError(reason SpawnReason, err error) *Error {
	return &Error{Kind: KindSpawnFailure, Message: "spawn failed", Reason: reason, Err: err}
}

// ExternalToolError reports a tmux failure or timeout.
func ExternalToolError(subject string, err error) *Error {
	return &Error{Kind: KindExternalTool, Message: "external tool failed", Subject: subject, Err: err}
}

// KindOf extracts the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ReasonOf returns the short message used in bulk results.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindExternalTool && e.Err != nil {
			return e.Err.Error()
		}
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
