// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrAuthRequired       = errors.New("broker authentication required")
	ErrNotFound           = errors.New("not found")
	ErrCatalogUnavailable = errors.New("instrument catalog unavailable")
	ErrInputValidation    = errors.New("input validation failed")
	ErrPersistence        = errors.New("persistence failure")
	ErrUpstream           = errors.New("upstream failure")
	ErrTimeout            = errors.New("operation timed out")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("not authenticated")
	ErrConflict           = errors.New("already exists")
	ErrConfigInvalid      = errors.New("invalid configuration")
)

// Kind classifies an error for transport-level mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthRequired
	KindUnauthenticated
	KindNotFound
	KindConflict
	KindUpstream
	KindTimeout
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthRequired:
		return "auth_required"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	case KindTimeout:
		return "timeout"
	case KindPersistence:
		return "persistence"
	default:
		return "internal"
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInputValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// AuthRequiredError means the user's broker session is missing, expired or
// was rejected by the broker.
type AuthRequiredError struct {
	UserID string
	Reason string
	Err    error
}

func (e *AuthRequiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker authentication required: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("broker authentication required: %s", e.Reason)
}

// Is lets errors.Is match ErrAuthRequired while Unwrap keeps the cause reachable.
func (e *AuthRequiredError) Is(target error) bool {
	return target == ErrAuthRequired
}

func (e *AuthRequiredError) Unwrap() error {
	return e.Err
}

// NewAuthRequiredError creates a new AuthRequiredError.
func NewAuthRequiredError(userID, reason string, err error) *AuthRequiredError {
	return &AuthRequiredError{
		UserID: userID,
		Reason: reason,
		Err:    err,
	}
}

// NotFoundError is an expected business outcome, not a failure.
type NotFoundError struct {
	Resource string
	Key      string
	Message  string
}

func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resource, key, message string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		Key:      key,
		Message:  message,
	}
}

// UpstreamError represents a broker failure unrelated to authentication.
type UpstreamError struct {
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("upstream error [%s]", e.Operation)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s status %d", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = msg + ": " + e.Message
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NewUpstreamError creates a new UpstreamError.
func NewUpstreamError(operation string, statusCode int, message string, err error) *UpstreamError {
	return &UpstreamError{
		Operation:  operation,
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

// PersistenceError represents a store read/write failure.
type PersistenceError struct {
	Collection string
	Operation  string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error [%s] %s: %v", e.Collection, e.Operation, e.Err)
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError creates a new PersistenceError. A nil err yields nil.
func NewPersistenceError(collection, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{
		Collection: collection,
		Operation:  operation,
		Err:        err,
	}
}

// Classify returns the Kind for err. Order matters: an auth failure wrapped in
// an upstream error is still an auth failure.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInputValidation):
		return KindValidation
	case errors.Is(err, ErrAuthRequired):
		return KindAuthRequired
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrInvalidCredentials):
		return KindUnauthenticated
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrUpstream), errors.Is(err, ErrCatalogUnavailable):
		return KindUpstream
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	default:
		return KindInternal
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New is errors.New, re-exported so callers need only this package.
func New(text string) error {
	return errors.New(text)
}
