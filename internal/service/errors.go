// Package service provides business logic for the application.
package service

import (
	"errors"
	"fmt"

	"github.com/quill/quill/internal/auth"
)

// Service errors.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUpstream           = errors.New("completion provider failed")
	ErrPersistence        = errors.New("failed to save completion")
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrSessionInvalid wraps auth.ErrInvalidSession so callers outside the
	// service layer can tell a dead session from a session store outage.
	ErrSessionInvalid = fmt.Errorf("session is invalid or expired: %w", auth.ErrInvalidSession)
)

// ValidationError reports a problem with one input field. Message is safe
// to show to the user next to the field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// UpstreamError wraps a completion provider failure.
// errors.Is(err, ErrUpstream) holds for every UpstreamError.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", ErrUpstream, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrUpstream.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}
