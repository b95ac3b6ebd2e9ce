// Package util provides logging, error types and small helpers shared by
// every flowagent package.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// branch with errors.Is.
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrRouterCommunication = errors.New("router communication error")
	ErrUnsupportedVendor   = errors.New("unsupported vendor")
	ErrAPICommunication    = errors.New("api communication error")
	ErrFormatting          = errors.New("formatting error")
	ErrOwnershipViolation  = errors.New("rule is not owned by this agent")
	ErrPartialFailure      = errors.New("partial failure")
	ErrNotSupported        = errors.New("operation not supported")
	ErrLockBusy            = errors.New("lock is held by another process")
	ErrValidationFailed    = errors.New("validation failed")
)

// RouterError is a failure talking to the router: transport, auth, or
// command execution.
type RouterError struct {
	Vendor string
	Op     string
	Err    error
}

func (e *RouterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: router communication failed", e.Vendor, e.Op)
	}
	return fmt.Sprintf("%s %s: %v", e.Vendor, e.Op, e.Err)
}

// Is reports ErrRouterCommunication so the wrapped transport error stays
// reachable through Unwrap.
func (e *RouterError) Is(target error) bool {
	return target == ErrRouterCommunication
}

func (e *RouterError) Unwrap() error {
	return e.Err
}

// NewRouterError creates a router error
func NewRouterError(vendor, op string, err error) *RouterError {
	return &RouterError{Vendor: vendor, Op: op, Err: err}
}

// APIError is a failed backend call. Status is 0 when no response arrived.
type APIError struct {
	Op     string
	Status int
	Err    error
}

func (e *APIError) Error() string {
	msg := "api " + e.Op
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Is(target error) bool {
	return target == ErrAPICommunication
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates an API error
func NewAPIError(op string, status int, err error) *APIError {
	return &APIError{Op: op, Status: status, Err: err}
}

// PartialFailureError reports a batch where some items failed and the rest
// were still attempted.
type PartialFailureError struct {
	Op        string
	Attempted int
	Failed    int
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s: %d of %d failed", e.Op, e.Failed, e.Attempted)
}

func (e *PartialFailureError) Unwrap() error {
	return ErrPartialFailure
}

// NewPartialFailureError creates a partial failure error
func NewPartialFailureError(op string, attempted, failed int) *PartialFailureError {
	return &PartialFailureError{Op: op, Attempted: attempted, Failed: failed}
}

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}
