package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies runtime errors so operators and callers can react to the
// category without string matching.
type Kind string

const (
	KindNotRunning      Kind = "not_running"
	KindUnitNotFound    Kind = "unit_not_found"
	KindMethodNotFound  Kind = "method_not_found"
	KindBusDisabled     Kind = "bus_disabled"
	KindReloadFailed    Kind = "reload_failed"
	KindNoMigrationPath Kind = "no_migration_path"
	KindValidation      Kind = "validation"
	KindConflict        Kind = "conflict"
	KindInternal        Kind = "internal"
)

// Error is a typed runtime error carrying the failure kind, an optional cause
// and free-form context (unit name, method name, topic, ...).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on kind, so errors.Is(err, &Error{Kind: KindUnitNotFound}) and
// the sentinel helpers below both work.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// WithContext attaches a key/value pair to the error and returns it.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func NewNotRunning(message string) *Error {
	return New(KindNotRunning, message, nil)
}

func NewUnitNotFound(unit string) *Error {
	return New(KindUnitNotFound, "unknown unit", nil).WithContext("unit", unit)
}

func NewMethodNotFound(unit, method string) *Error {
	return New(KindMethodNotFound, "unit has no such method", nil).
		WithContext("unit", unit).
		WithContext("method", method)
}

func NewBusDisabled(message string) *Error {
	return New(KindBusDisabled, message, nil)
}

func NewReloadFailed(message string, cause error) *Error {
	return New(KindReloadFailed, message, cause)
}

func NewNoMigrationPath(topic string, from, to int) *Error {
	return New(KindNoMigrationPath, "no registered migration path", nil).
		WithContext("topic", topic).
		WithContext("from_version", from).
		WithContext("to_version", to)
}

func NewValidation(message string, cause error) *Error {
	return New(KindValidation, message, cause)
}

func NewConflict(message string) *Error {
	return New(KindConflict, message, nil)
}

func NewInternal(message string, cause error) *Error {
	return New(KindInternal, message, cause)
}

func kindOf(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func IsNotRunning(err error) bool      { return kindOf(err, KindNotRunning) }
func IsUnitNotFound(err error) bool    { return kindOf(err, KindUnitNotFound) }
func IsMethodNotFound(err error) bool  { return kindOf(err, KindMethodNotFound) }
func IsBusDisabled(err error) bool     { return kindOf(err, KindBusDisabled) }
func IsReloadFailed(err error) bool    { return kindOf(err, KindReloadFailed) }
func IsNoMigrationPath(err error) bool { return kindOf(err, KindNoMigrationPath) }
func IsConflict(err error) bool        { return kindOf(err, KindConflict) }
func IsInternal(err error) bool        { return kindOf(err, KindInternal) }
