// Package util provides logging and the error taxonomy shared by every
// p4ctl package.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Error classes. Every error produced by p4ctl unwraps to exactly one of
// these, so callers classify with errors.Is.
var (
	ErrConfig      = errors.New("invalid configuration")
	ErrConnection  = errors.New("device unreachable")
	ErrArbitration = errors.New("mastership denied")
	ErrPipeline    = errors.New("forwarding pipeline rejected")
	ErrWrite       = errors.New("table entry rejected")
	ErrChannel     = errors.New("control channel fault")
)

// Sentinels for local checks that never reach a device.
var (
	ErrPreconditionFailed = errors.New("precondition not met")
	ErrValidationFailed   = errors.New("validation failed")
	ErrSessionClosed      = errors.New("session closed")
)

// ConfigError reports a missing or malformed input file. It is the only
// error class that aborts a run before any device is touched.
type ConfigError struct {
	Kind string // "p4info", "bmv2-json", "fleet", ...
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Path, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrConfig, e.Err}
}

// NewConfigError wraps err as a configuration error for the given input.
func NewConfigError(kind, path string, err error) *ConfigError {
	return &ConfigError{Kind: kind, Path: path, Err: err}
}

// DeviceError is a per-device failure in one bootstrap stage. Class is one
// of ErrConnection, ErrArbitration, ErrPipeline or ErrChannel.
type DeviceError struct {
	Class  error
	Op     string // "connect", "arbitrate", "pipeline", "stream", ...
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Device, e.Err)
}

func (e *DeviceError) Unwrap() []error {
	return []error{e.Class, e.Err}
}

// NewConnectionError creates a connect-stage device error
func NewConnectionError(device string, err error) *DeviceError {
	return &DeviceError{Class: ErrConnection, Op: "connect", Device: device, Err: err}
}

// NewArbitrationError creates an arbitrate-stage device error
func NewArbitrationError(device string, err error) *DeviceError {
	return &DeviceError{Class: ErrArbitration, Op: "arbitrate", Device: device, Err: err}
}

// NewPipelineError creates a pipeline-stage device error
func NewPipelineError(device string, err error) *DeviceError {
	return &DeviceError{Class: ErrPipeline, Op: "pipeline", Device: device, Err: err}
}

// NewChannelError reports a stream fault. The session is unusable afterwards.
func NewChannelError(device string, err error) *DeviceError {
	return &DeviceError{Class: ErrChannel, Op: "stream", Device: device, Err: err}
}

// WriteError is a rejected table entry, either refused by the switch or
// refused locally while building it.
type WriteError struct {
	Device string
	Table  string
	Match  string
	Code   string // gRPC canonical code name, "" for local failures
	Reason string
	Err    error
}

func (e *WriteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "write %s %s", e.Device, e.Table)
	if e.Match != "" {
		fmt.Fprintf(&b, "[%s]", e.Match)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": %s", e.Code)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

func (e *WriteError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrWrite, e.Err}
	}
	return []error{ErrWrite}
}

// PreconditionError represents a failed precondition check with context
type PreconditionError struct {
	Operation    string
	Resource     string
	Precondition string
	Details      string
}

func (e *PreconditionError) Error() string {
	msg := fmt.Sprintf("precondition failed for %s on %s: %s", e.Operation, e.Resource, e.Precondition)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

func (e *PreconditionError) Unwrap() error {
	return ErrPreconditionFailed
}

// NewPreconditionError creates a new precondition error
func NewPreconditionError(operation, resource, precondition, details string) *PreconditionError {
	return &PreconditionError{
		Operation:    operation,
		Resource:     resource,
		Precondition: precondition,
		Details:      details,
	}
}

// ValidationError collects every problem found in one pass over an input.
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

// ValidationBuilder accumulates validation messages.
type ValidationBuilder struct {
	errors []string
}

// Add records message when condition is false.
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

// Class returns the error class sentinel err unwraps to, or nil.
func Class(err error) error {
	for _, c := range []error{ErrConfig, ErrConnection, ErrArbitration, ErrPipeline, ErrWrite, ErrChannel} {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}
