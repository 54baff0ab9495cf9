// Package errors provides standardized error handling for cerebro components.
// It classifies errors along the boundaries that drive the dispatch engine's
// behavior: connection errors trigger producer reconnects, transient errors
// are counted against a failure threshold, write errors drive the sink retry
// path, not-found and protocol errors surface to control clients, and fatal
// errors abort startup.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class represents the classification of errors for handling purposes.
type Class int

const (
	// ClassTransient represents a single failed read or poll; the
	// underlying session is presumed alive and the operation may be retried.
	ClassTransient Class = iota
	// ClassConnection represents a lost or unreachable producer session,
	// recoverable via the backoff-and-reconnect path.
	ClassConnection
	// ClassWrite represents a failed or rejected sink backend write,
	// recoverable via the sink's buffer-and-retry path.
	ClassWrite
	// ClassNotFound represents a control operation referencing an unknown
	// name; reported to the caller, never fatal to the dispatcher.
	ClassNotFound
	// ClassProtocol represents a malformed control request; reported and
	// the connection closed.
	ClassProtocol
	// ClassFatal represents construction-time defects that should abort
	// startup rather than be retried.
	ClassFatal
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassConnection:
		return "connection"
	case ClassWrite:
		return "write"
	case ClassNotFound:
		return "not_found"
	case ClassProtocol:
		return "protocol"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions.
var (
	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Connection and session errors
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")

	// Data errors
	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")
	ErrEmptyBatch    = errors.New("empty batch")

	// Control protocol errors
	ErrNotFound         = errors.New("not found")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrMalformedRequest = errors.New("malformed request")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
	ErrDuplicateName = errors.New("duplicate name")
	ErrUnknownKind   = errors.New("unknown kind")
)

// ClassifiedError wraps an error with its classification and the component
// and operation it came from.
type ClassifiedError struct {
	Class     Class
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is a single recoverable failure that should
// be counted rather than trigger a reconnect.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassTransient
	}

	if errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrParsingFailed) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// A timed-out network operation on a live socket is a transient miss,
	// not a lost session.
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}

	return false
}

// IsConnection checks if an error means the producer's session is gone and
// the backoff-and-reconnect path should run.
func IsConnection(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassConnection
	}

	return errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrConnectionTimeout)
}

// IsWrite checks if an error came from a sink backend write.
func IsWrite(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassWrite
	}

	return false
}

// IsNotFound checks if an error reports an unknown name.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassNotFound
	}

	return errors.Is(err, ErrNotFound)
}

// IsProtocol checks if an error reports a malformed control request.
func IsProtocol(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassProtocol
	}

	return errors.Is(err, ErrUnknownCommand) || errors.Is(err, ErrMalformedRequest)
}

// IsFatal checks if an error is a construction-time defect that should abort
// startup.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassFatal
	}

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrDuplicateName) ||
		errors.Is(err, ErrUnknownKind)
}

// Classify returns the error class for an error. Unclassified errors default
// to transient so unknown failures are retried rather than escalated.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	switch {
	case IsConnection(err):
		return ClassConnection
	case IsWrite(err):
		return ClassWrite
	case IsNotFound(err):
		return ClassNotFound
	case IsProtocol(err):
		return ClassProtocol
	case IsFatal(err):
		return ClassFatal
	default:
		return ClassTransient
	}
}

// newClassified creates a new classified error.
// Internal helper - use the Wrap* constructors instead.
func newClassified(class Class, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ClassTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapConnection wraps an error as a connection failure with context.
func WrapConnection(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ClassConnection, wrappedErr, component, method, wrappedErr.Error())
}

// WrapWrite wraps an error as a sink write failure with context.
func WrapWrite(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ClassWrite, wrappedErr, component, method, wrappedErr.Error())
}

// WrapProtocol wraps an error as a control protocol violation with context.
func WrapProtocol(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ClassProtocol, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ClassFatal, wrappedErr, component, method, wrappedErr.Error())
}

// NotFound reports an unknown name for a control operation.
func NotFound(component, kind, name string) error {
	return newClassified(
		ClassNotFound,
		ErrNotFound,
		component,
		"lookup",
		fmt.Sprintf("%s: %s %q not found", component, kind, name),
	)
}
