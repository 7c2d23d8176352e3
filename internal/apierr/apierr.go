// Package apierr defines the error taxonomy shared by the supervisor,
// adapters, and CLI. Every fallible core operation returns an *Error
// (or wraps one) instead of an ad-hoc string.
package apierr

import (
	"errors"
	"fmt"
)

// Kind identifies a category of failure. Adapters (HTTP, IPC, CLI) map
// Kind to transport-specific status codes / exit codes.
type Kind string

const (
	KindProcessNotFound      Kind = "process-not-found"
	KindProcessExists        Kind = "process-already-exists"
	KindProcessNotRunning    Kind = "process-not-running"
	KindDaemonNotRunning     Kind = "daemon-not-running"
	KindDaemonAlreadyRunning Kind = "daemon-already-running"
	KindConfigValidation     Kind = "config-validation"
	KindIPCConnection        Kind = "ipc-connection"
	KindIPCTimeout           Kind = "ipc-timeout"
	KindSpawnError           Kind = "spawn-error"
	KindMaxRestartsExceeded  Kind = "max-restarts-exceeded"
	KindPersistence          Kind = "persistence-error"
)

// FieldError describes a single invalid configuration field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the typed error every core operation returns on failure.
type Error struct {
	Kind    Kind         `json:"kind"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Validation builds a config-validation error carrying per-field messages.
func Validation(fields ...FieldError) *Error {
	return &Error{Kind: KindConfigValidation, Message: "validation failed", Fields: fields}
}

// AddField appends a field error to an existing validation error, creating
// one if e is nil.
func AddField(e *Error, field, message string) *Error {
	if e == nil {
		e = &Error{Kind: KindConfigValidation, Message: "validation failed"}
	}
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
	return e
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, returning "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
