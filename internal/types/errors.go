package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrPrecondition = errors.New("precondition failed")
	ErrInvalidKey   = errors.New("invalid config key")

	ErrInvalidBackend = errors.New("invalid backend")
	ErrIOFailure      = errors.New("store read/write error")

	ErrConflict             = errors.New("version conflict")
	ErrValidation           = errors.New("validation failed")
	ErrMigration            = errors.New("migration failed")
	ErrNotificationDelivery = errors.New("notification delivery failed")
)

func Err(typedError error, innerErr error, msgTemplate string, args ...any) error {
	if msgTemplate == "" {
		return errors.Join(typedError, innerErr)
	} else {
		return errors.Join(typedError, innerErr, fmt.Errorf(msgTemplate, args...))
	}
}

// ConflictError is returned when a write carries an expected version that no longer matches
// the stored document.
type ConflictError struct {
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, actual %d", e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// FieldError is a single rejected field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every field of a payload that violates the schema of Version.
type ValidationError struct {
	Version int
	Errors  []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Reason
	}
	return fmt.Sprintf("validation failed (schema v%d): %s", e.Version, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Add records a field failure.
func (e *ValidationError) Add(field, reason string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Reason: reason})
}

// HasErrors reports whether any field failed.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Sort orders the field errors by field name so results are deterministic.
func (e *ValidationError) Sort() {
	sort.SliceStable(e.Errors, func(i, j int) bool { return e.Errors[i].Field < e.Errors[j].Field })
}

// MigrationError reports a migration step From -> To that could not produce Field.
type MigrationError struct {
	From  int
	To    int
	Field string
	Err   error
}

func (e *MigrationError) Error() string {
	msg := fmt.Sprintf("migration v%d -> v%d failed", e.From, e.To)
	if e.Field != "" {
		msg += fmt.Sprintf(": no value for required field %q", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MigrationError) Is(target error) bool { return target == ErrMigration }

func (e *MigrationError) Unwrap() error { return e.Err }

const (
	FailureOverflow  = "overflow"
	FailureExhausted = "retries_exhausted"
	FailureShutdown  = "shutdown"
)

// NotificationDeliveryFailure describes an event the notifier gave up on. It is logged for
// operators and never returned to the writer.
type NotificationDeliveryFailure struct {
	Event    NotificationEvent
	Attempts int
	Reason   string
	Err      error
}

func (e *NotificationDeliveryFailure) Error() string {
	msg := fmt.Sprintf("notification for %s v%d dropped (%s) after %d attempt(s)",
		e.Event.Key, e.Event.NewVersion, e.Reason, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NotificationDeliveryFailure) Is(target error) bool {
	return target == ErrNotificationDelivery
}

func (e *NotificationDeliveryFailure) Unwrap() error { return e.Err }
