// Package fault defines the stable, integral error codes that livedoc
// surfaces to callers, and the Error type that carries them.
//
// Codes are grouped by category so a caller can decide retry policy from
// the number alone:
//
//	1xxx  policy rejections      never retried
//	2xxx  lookup failures        never retried
//	3xxx  runtime faults         never retried (would break determinism)
//	4xxx  persistence            4001 retried internally, others surfaced
//	5xxx  lifecycle              retry on another instance
package fault

import (
	"errors"
	"fmt"
)

// Code is a stable integral error code. Values never change once published.
type Code int

const (
	RejectedByPolicy Code = 1001
	ConnectRejected  Code = 1002

	NotFound          Code = 2001
	AlreadyExists     Code = 2002
	UnknownSpace      Code = 2003
	UnknownChannel    Code = 2004
	UnknownConnection Code = 2005

	RuntimeFault      Code = 3001
	CreateFailed      Code = 3002
	ReadonlyViolation Code = 3003
	InvalidChoice     Code = 3004
	InvalidCommand    Code = 3005
	DeployFailed      Code = 3006
	Timeout           Code = 3007
	NotFinished       Code = 3008

	SeqMismatch      Code = 4001
	TooManyConflicts Code = 4002
	StorageFailure   Code = 4003

	Draining    Code = 5001
	Unavailable Code = 5002
)

var names = map[Code]string{
	RejectedByPolicy:  "rejected by policy",
	ConnectRejected:   "connect rejected",
	NotFound:          "not found",
	AlreadyExists:     "already exists",
	UnknownSpace:      "unknown space",
	UnknownChannel:    "unknown channel",
	UnknownConnection: "unknown connection",
	RuntimeFault:      "runtime fault",
	CreateFailed:      "created but failed",
	ReadonlyViolation: "readonly violation",
	InvalidChoice:     "invalid choice",
	InvalidCommand:    "invalid command",
	DeployFailed:      "deploy failed",
	Timeout:           "timeout",
	NotFinished:       "not finished",
	SeqMismatch:       "seq mismatch",
	TooManyConflicts:  "too many conflicts",
	StorageFailure:    "storage failure",
	Draining:          "draining",
	Unavailable:       "unavailable",
}

// String returns the human name of the code.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("code %d", int(c))
}

// Error implements error so a bare Code can be used as an errors.Is target:
//
//	if errors.Is(err, fault.NotFound) { ... }
func (c Code) Error() string {
	return c.String()
}

// Error is a coded failure surfaced to callers.
type Error struct {
	// Code identifies the failure category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Key identifies the affected document as "space/key", when known.
	Key string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Key != "" {
		msg = fmt.Sprintf("%s (key=%s)", msg, e.Key)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%d: %s: %v", int(e.Code), msg, e.Cause)
	}
	return fmt.Sprintf("%d: %s", int(e.Code), msg)
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches a bare Code target.
func (e *Error) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.Code
}

// New creates a coded error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around a cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithKey returns a copy of e annotated with the document key.
func (e *Error) WithKey(key string) *Error {
	cp := *e
	cp.Key = key
	return &cp
}

// CodeOf returns the code of the first *Error in err's chain, or 0.
// Uses errors.As so wrapped errors are found.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return 0
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether the failure may succeed if retried later or
// elsewhere. Policy, lookup and runtime faults are never retryable.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case SeqMismatch, StorageFailure, Draining, Unavailable, TooManyConflicts:
		return true
	default:
		return false
	}
}
