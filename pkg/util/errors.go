// Package util provides logging and the error taxonomy shared by the planner
// and the runtime.
package util

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// test with errors.Is.
var (
	ErrUnsatisfiable    = errors.New("specification unsatisfiable")
	ErrPlanInfeasible   = errors.New("plan infeasible")
	ErrTimeout          = errors.New("timeout")
	ErrDriver           = errors.New("driver error")
	ErrPlanAborted      = errors.New("plan aborted")
	ErrNoConvergence    = errors.New("network did not converge")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrNotFound         = errors.New("resource not found")
	ErrValidationFailed = errors.New("validation failed")
)

// UnsatisfiableError reports why no reconfiguration can realize the
// specification.
type UnsatisfiableError struct {
	Reasons []string
}

func (e *UnsatisfiableError) Error() string {
	if len(e.Reasons) == 1 {
		return "specification unsatisfiable: " + e.Reasons[0]
	}
	return fmt.Sprintf("specification unsatisfiable:\n  - %s", strings.Join(e.Reasons, "\n  - "))
}

func (e *UnsatisfiableError) Unwrap() error {
	return ErrUnsatisfiable
}

// NewUnsatisfiableError creates an unsatisfiable error from reasons
func NewUnsatisfiableError(reasons ...string) *UnsatisfiableError {
	return &UnsatisfiableError{Reasons: reasons}
}

// InfeasibleError carries the best-known reason no valid round assignment
// exists.
type InfeasibleError struct {
	Prefix string
	Reason string
}

func (e *InfeasibleError) Error() string {
	if e.Prefix == "" {
		return "plan infeasible: " + e.Reason
	}
	return fmt.Sprintf("plan infeasible for %s: %s", e.Prefix, e.Reason)
}

func (e *InfeasibleError) Unwrap() error {
	return ErrPlanInfeasible
}

// NewInfeasibleError creates an infeasible error
func NewInfeasibleError(prefix, format string, args ...any) *InfeasibleError {
	return &InfeasibleError{Prefix: prefix, Reason: fmt.Sprintf(format, args...)}
}

// TimeoutError is returned when solving or executing exceeds its budget.
type TimeoutError struct {
	Operation string
	Limit     time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("%s timed out after %s", e.Operation, e.Limit)
	}
	return e.Operation + " timed out"
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(operation string, limit time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, Limit: limit}
}

// DriverError is a failure reported by a network driver for one command.
// It unwraps to both ErrDriver and the underlying cause.
type DriverError struct {
	Command   string
	Operation string
	Err       error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver: %s %s: %v", e.Operation, e.Command, e.Err)
}

func (e *DriverError) Unwrap() []error {
	return []error{ErrDriver, e.Err}
}

// NewDriverError creates a driver error
func NewDriverError(command, operation string, err error) *DriverError {
	return &DriverError{Command: command, Operation: operation, Err: err}
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

// ValidationBuilder accumulates validation messages
type ValidationBuilder struct {
	errors []string
}

// Add adds message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddErrorf adds a formatted message unconditionally
func (v *ValidationBuilder) AddErrorf(format string, args ...any) *ValidationBuilder {
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
