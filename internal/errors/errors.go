// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when a newsletter or subscriber does not exist
// or its id is not a well-formed identifier.
type NotFoundError struct {
	Resource string
	ID       string
	Message  string
}

func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s with ID %s not found", e.Resource, e.ID)
}

// Helper constructors
func NewNewsletterNotFound(id string) error {
	return &NotFoundError{Resource: "newsletter", ID: id}
}

// NewNoSubscribers is returned when a send selects nobody.
func NewNoSubscribers() error {
	return &NotFoundError{Resource: "subscriber", Message: "No subscribers found"}
}

// ValidationError rejects a request before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConfigurationError means the mail transport cannot be used at all.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("SMTP configuration error: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func NewConfiguration(err error) error {
	return &ConfigurationError{Err: err}
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}
