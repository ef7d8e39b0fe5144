package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is matched by every ValidationError via errors.Is
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is matched by every TransitionError via errors.Is
	ErrInvalidTransition = errors.New("invalid transition")
)

// FieldError describes one rejected field of a configuration record.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError is returned when a rule, condition, policy or provider is
// malformed. Records that fail validation never reach the evaluator.
type ValidationError struct {
	Kind   string       `json:"kind"`
	ID     string       `json:"id,omitempty"`
	Fields []FieldError `json:"fields"`
}

// Error implements error.
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Reason))
	}
	subject := e.Kind
	if e.ID != "" {
		subject = fmt.Sprintf("%s %q", e.Kind, e.ID)
	}
	return fmt.Sprintf("invalid %s: %s", subject, strings.Join(parts, "; "))
}

// Is lets errors.Is(err, ErrValidation) succeed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Add appends a field error.
func (e *ValidationError) Add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

// Addf appends a formatted field error.
func (e *ValidationError) Addf(field, format string, args ...interface{}) {
	e.Add(field, fmt.Sprintf(format, args...))
}

// Merge copies field errors from other, prefixing each field name.
func (e *ValidationError) Merge(prefix string, other error) {
	if other == nil {
		return
	}
	var ve *ValidationError
	if errors.As(other, &ve) {
		for _, f := range ve.Fields {
			name := f.Field
			if prefix != "" {
				name = prefix + "." + f.Field
			}
			e.Add(name, f.Reason)
		}
		return
	}
	e.Add(prefix, other.Error())
}

// ErrOrNil returns nil when no field errors were collected.
func (e *ValidationError) ErrOrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NewValidationError creates an empty ValidationError for a record kind.
func NewValidationError(kind, id string) *ValidationError {
	return &ValidationError{Kind: kind, ID: id}
}

// TransitionError is returned by the lifecycle manager when a requested
// status change is not allowed from the alert's current status.
type TransitionError struct {
	AlertID string
	From    AlertStatus
	To      AlertStatus
}

// Error implements error.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for alert %s: %s → %s", e.AlertID, e.From, e.To)
}

// Is lets errors.Is(err, ErrInvalidTransition) succeed.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
