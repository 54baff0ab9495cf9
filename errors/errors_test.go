package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClass_String(t *testing.T) {
	tests := []struct {
		class    Class
		expected string
	}{
		{ClassTransient, "transient"},
		{ClassConnection, "connection"},
		{ClassWrite, "write"},
		{ClassNotFound, "not_found"},
		{ClassProtocol, "protocol"},
		{ClassFatal, "fatal"},
		{Class(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid data", ErrInvalidData, true},
		{"parsing failed", ErrParsingFailed, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"connection lost", ErrConnectionLost, false},
		{"not found", ErrNotFound, false},
		{"classified transient", &ClassifiedError{Class: ClassTransient, Err: fmt.Errorf("test")}, true},
		{"classified connection", &ClassifiedError{Class: ClassConnection, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsTransient(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsConnection(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection lost", ErrConnectionLost, true},
		{"no connection", ErrNoConnection, true},
		{"connection timeout", ErrConnectionTimeout, true},
		{"invalid data", ErrInvalidData, false},
		{"classified connection", &ClassifiedError{Class: ClassConnection, Err: fmt.Errorf("test")}, true},
		{"classified transient", &ClassifiedError{Class: ClassTransient, Err: fmt.Errorf("test")}, false},
		{"wrapped connection lost", fmt.Errorf("read: %w", ErrConnectionLost), true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsConnection(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"not found sentinel", ErrNotFound, true},
		{"NotFound constructor", NotFound("hub", "producer", "tron"), true},
		{"connection lost", ErrConnectionLost, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsNotFound(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsProtocol(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"unknown command", ErrUnknownCommand, true},
		{"malformed request", ErrMalformedRequest, true},
		{"not found", ErrNotFound, false},
		{"classified protocol", &ClassifiedError{Class: ClassProtocol, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsProtocol(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"duplicate name", ErrDuplicateName, true},
		{"unknown kind", ErrUnknownKind, true},
		{"connection lost", ErrConnectionLost, false},
		{"classified fatal", &ClassifiedError{Class: ClassFatal, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsFatal(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Class
	}{
		{"nil error", nil, ClassTransient},
		{"connection lost", ErrConnectionLost, ClassConnection},
		{"invalid config", ErrInvalidConfig, ClassFatal},
		{"not found", ErrNotFound, ClassNotFound},
		{"unknown command", ErrUnknownCommand, ClassProtocol},
		{"unknown error", fmt.Errorf("unknown error"), ClassTransient},
		{"classified write", &ClassifiedError{Class: ClassWrite, Err: fmt.Errorf("test")}, ClassWrite},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := Classify(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassifiedError(t *testing.T) {
	baseErr := fmt.Errorf("base error")
	ce := newClassified(ClassWrite, baseErr, "influx", "Write", "custom message")

	if ce.Class != ClassWrite {
		t.Errorf("expected ClassWrite, got %v", ce.Class)
	}

	if ce.Component != "influx" {
		t.Errorf("expected influx, got %s", ce.Component)
	}

	if ce.Error() != "custom message" {
		t.Errorf("expected 'custom message', got %s", ce.Error())
	}

	if !errors.Is(ce, baseErr) {
		t.Error("classified error should unwrap to base error")
	}
}

func TestClassifiedError_NoMessage(t *testing.T) {
	baseErr := fmt.Errorf("base error")
	ce := newClassified(ClassTransient, baseErr, "source", "poll", "")

	if ce.Error() != "base error" {
		t.Errorf("expected 'base error', got %s", ce.Error())
	}
}

func TestWrap(t *testing.T) {
	err := Wrap(fmt.Errorf("dial tcp: refused"), "tcptext", "Connect", "dial")
	expected := "tcptext.Connect: dial failed: dial tcp: refused"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}

	if Wrap(nil, "c", "m", "a") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrapConstructors_PreserveClass(t *testing.T) {
	base := fmt.Errorf("boom")

	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"WrapTransient", WrapTransient(base, "c", "m", "a"), IsTransient},
		{"WrapConnection", WrapConnection(base, "c", "m", "a"), IsConnection},
		{"WrapWrite", WrapWrite(base, "c", "m", "a"), IsWrite},
		{"WrapProtocol", WrapProtocol(base, "c", "m", "a"), IsProtocol},
		{"WrapFatal", WrapFatal(base, "c", "m", "a"), IsFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if !test.check(test.err) {
				t.Errorf("%s lost its classification: %v", test.name, test.err)
			}
			if !errors.Is(test.err, base) {
				t.Errorf("%s should unwrap to the base error", test.name)
			}
		})
	}
}

func TestNotFound_Message(t *testing.T) {
	err := NotFound("hub", "producer", "tron")
	expected := `hub: producer "tron" not found`
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
	if !errors.Is(err, ErrNotFound) {
		t.Error("NotFound should match ErrNotFound")
	}
}
