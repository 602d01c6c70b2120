// Package merrors implements the error taxonomy described in spec.md §7.
//
// It is adapted from the teacher's pkg/errors.AppError: a single struct
// carrying a kind, component/operation context, severity, and an
// optional wrapped cause, rather than a zoo of sentinel error values.
// Fast-path hook/tracker code (internal/hook, internal/tracker/*) never
// returns *Error to its caller — failures there only ever increment a
// types.Diagnostics counter. *Error is returned by config loading, the
// codec writer and parser, and cmd/memscope's export path; the
// dispatcher only logs one.
package merrors

import (
	"fmt"
	"runtime"
	"time"
)

// Kind is the closed set of error categories from spec.md §7.
type Kind string

const (
	KindInitialization  Kind = "initialization_error"
	KindClassification  Kind = "classification_miss"
	KindInconsistent    Kind = "inconsistent_state"
	KindExport          Kind = "export_error"
	KindParse           Kind = "parse_error"
	KindSamplingDrop    Kind = "sampling_drop"
)

// Severity mirrors the teacher's severity ladder.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Error is the standardized error type surfaced by this module's public
// entry points.
type Error struct {
	Kind       Kind
	Component  string
	Operation  string
	Message    string
	Cause      error
	Severity   Severity
	StackTrace string
	Metadata   map[string]interface{}
	Timestamp  time.Time
}

// New creates an Error at medium severity, capturing the caller's file:line
// the way the teacher's pkg/errors.New does.
func New(kind Kind, component, operation, message string) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		Kind:       kind,
		Component:  component,
		Operation:  operation,
		Message:    message,
		Severity:   SeverityMedium,
		StackTrace: fmt.Sprintf("%s:%d", file, line),
		Metadata:   make(map[string]interface{}),
		Timestamp:  time.Now(),
	}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap sets the wrapped cause and returns the receiver for chaining.
func (e *Error) Wrap(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSeverity overrides the default medium severity.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// WithMetadata attaches a structured-logging field.
func (e *Error) WithMetadata(key string, value interface{}) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// Export builds an ExportError (spec.md §7): propagated to the caller of
// Export, with the write left non-finalized on disk.
func Export(operation, message string) *Error {
	return New(KindExport, "codec", operation, message)
}

// Parse builds a ParseError.
func Parse(operation, message string) *Error {
	return New(KindParse, "codec", operation, message)
}

// Initialization builds an InitializationError (dispatcher strategy setup).
func Initialization(operation, message string) *Error {
	return New(KindInitialization, "dispatcher", operation, message).WithSeverity(SeverityHigh)
}

// As reports whether err is (or wraps) a *Error and returns it.
func As(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
