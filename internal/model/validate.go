package model

import (
	"fmt"
	"strings"
)

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string
	Message string
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) err() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// ValidateRawEvent checks a RawEvent before it is recorded.
// It returns a *ValidationError if any rules fail, or nil if the event is valid.
func ValidateRawEvent(ev *RawEvent) error {
	var ve ValidationError
	if strings.TrimSpace(ev.SubjectID) == "" {
		ve.add("subject_id", "is required")
	}
	if ev.UpstreamID <= 0 {
		ve.add("upstream_id", "must be positive, got %d", ev.UpstreamID)
	}
	if strings.TrimSpace(ev.Type) == "" {
		ve.add("event_type", "is required")
	}
	if ev.OccurredAt.IsZero() {
		ve.add("occurred_at", "is required")
	}
	if len(ev.Payload) == 0 {
		ve.add("payload", "is required")
	}
	if !ev.Status.IsValid() {
		ve.add("processing_status", "invalid value %q", ev.Status)
	}
	return ve.err()
}

// ValidateStateAdvance checks a state advance before it is applied.
func ValidateStateAdvance(a StateAdvance) error {
	var ve ValidationError
	if strings.TrimSpace(a.SubjectID) == "" {
		ve.add("subject_id", "is required")
	}
	if a.Cursor < a.PrevCursor {
		ve.add("cursor", "must not move backwards (%d < %d)", a.Cursor, a.PrevCursor)
	}
	if a.Interval <= 0 {
		ve.add("interval", "must be positive, got %s", a.Interval)
	}
	if a.Now.IsZero() {
		ve.add("now", "is required")
	}
	return ve.err()
}
