package storage

import "errors"

// Storage error constants
var (
	// ErrNotFound is a generic "not found" error. Every specific not-found
	// error below wraps it, so errors.Is(err, ErrNotFound) matches all of them.
	ErrNotFound = errors.New("not found")

	// ErrRuleNotFound is returned when a rule is not found
	ErrRuleNotFound = notFound("rule not found")

	// ErrPolicyNotFound is returned when a policy is not found
	ErrPolicyNotFound = notFound("policy not found")

	// ErrProviderNotFound is returned when a provider is not found
	ErrProviderNotFound = notFound("provider not found")

	// ErrAlertNotFound is returned when an alert is not found
	ErrAlertNotFound = notFound("alert not found")

	// ErrAlreadyExists is returned when creating a record whose id is taken
	ErrAlreadyExists = errors.New("already exists")

	// ErrDatabaseClosed is returned when attempting to use a closed database connection
	ErrDatabaseClosed = errors.New("database is closed")
)

type notFoundError struct{ msg string }

func (e *notFoundError) Error() string        { return e.msg }
func (e *notFoundError) Is(target error) bool { return target == ErrNotFound }

func notFound(msg string) error {
	return &notFoundError{msg: msg}
}
