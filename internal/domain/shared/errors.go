// Package shared contains the error taxonomy used across the ingestion pipeline.
// This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base error kinds that can be used for error checking with errors.Is().
var (
	// ErrTransport covers non-2xx responses and network failures.
	ErrTransport = errors.New("transport error")

	// ErrShape covers expected fields that are absent or malformed.
	ErrShape = errors.New("shape error")

	// ErrStorage covers constraint violations and operational database errors.
	ErrStorage = errors.New("storage error")

	// ErrPrecondition covers conditions that must abort a run before dependent stages.
	ErrPrecondition = errors.New("precondition failed")

	// ErrUnauthenticated means the upstream rejected (or was never given) credentials.
	ErrUnauthenticated = fmt.Errorf("%w: could not authenticate with the forum API", ErrPrecondition)

	// ErrNoRootData means the upstream accepted the credentials but returned nothing.
	ErrNoRootData = fmt.Errorf("%w: authenticated but upstream returned no root data", ErrPrecondition)

	// ErrRootUnavailable means every root collection request failed.
	ErrRootUnavailable = fmt.Errorf("%w: every root collection failed to fetch", ErrPrecondition)
)

// DomainError represents an ingestion error with context.
type DomainError struct {
	Domain  string // e.g., "forum", "loader", "pipeline"
	Op      string // Operation that failed, e.g., "Fetch", "Load"
	Kind    error  // Base error kind for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// IsTransport checks if the error is a transport error.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// IsShape checks if the error is a shape error.
func IsShape(err error) bool {
	return errors.Is(err, ErrShape)
}

// IsStorage checks if the error is a storage error.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsPrecondition checks if the error must abort the run before dependent stages.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrPrecondition)
}
