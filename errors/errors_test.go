package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
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
		{"connect", ErrConnect, true},
		{"transport", ErrTransport, true},
		{"peer close", ErrPeerClose, true},
		{"joined connect", Join(ErrConnect, fmt.Errorf("dial tcp: refused")), true},
		{"deadline", context.DeadlineExceeded, true},
		{"decode", ErrDecode, false},
		{"shutdown", ErrShutdownRequested, false},
		{"connection reset text", fmt.Errorf("read: connection reset by peer"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, false},
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

func TestIsFatalAndTerminal(t *testing.T) {
	limit := WrapFatal(ErrReconnectLimitExceeded, "Supervisor", "run", "reconnect")

	if !IsFatal(limit) {
		t.Errorf("expected limit error to be fatal")
	}
	if !IsTerminal(limit) {
		t.Errorf("expected limit error to be terminal")
	}
	if !IsTerminal(ErrShutdownRequested) {
		t.Errorf("expected shutdown to be terminal")
	}
	if IsTerminal(ErrPeerClose) {
		t.Errorf("peer close must not be terminal")
	}
	if IsFatal(nil) {
		t.Errorf("nil must not be fatal")
	}
}

func TestIsInvalid(t *testing.T) {
	decode := WrapInvalid(Join(ErrDecode, fmt.Errorf("unexpected end of JSON input")), "codec", "Decode", "parse json")

	if !IsInvalid(decode) {
		t.Errorf("expected decode error to be invalid")
	}
	if !errors.Is(decode, ErrDecode) {
		t.Errorf("expected errors.Is to find ErrDecode through the wrap chain")
	}
	if IsInvalid(ErrTransport) {
		t.Errorf("transport error must not be invalid")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil", nil, ErrorTransient},
		{"peer close", ErrPeerClose, ErrorTransient},
		{"decode", ErrDecode, ErrorInvalid},
		{"limit", ErrReconnectLimitExceeded, ErrorFatal},
		{"unknown", fmt.Errorf("something odd"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %s, got %s", test.expected, got)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	base := fmt.Errorf("boom")

	wrapped := Wrap(base, "Supervisor", "dial", "connect")
	if wrapped.Error() != "Supervisor.dial: connect failed: boom" {
		t.Errorf("unexpected message: %s", wrapped.Error())
	}
	if !errors.Is(wrapped, base) {
		t.Errorf("expected wrapped error to unwrap to base")
	}
	if Wrap(nil, "a", "b", "c") != nil {
		t.Errorf("expected nil for nil input")
	}

	var ce *ClassifiedError
	if !errors.As(WrapTransient(base, "Supervisor", "dial", "connect"), &ce) {
		t.Fatalf("expected ClassifiedError")
	}
	if ce.Component != "Supervisor" || ce.Operation != "dial" {
		t.Errorf("unexpected context: %s.%s", ce.Component, ce.Operation)
	}
}

func TestJoin(t *testing.T) {
	cause := fmt.Errorf("i/o timeout")
	joined := Join(ErrTransport, cause)

	if !errors.Is(joined, ErrTransport) || !errors.Is(joined, cause) {
		t.Errorf("expected joined error to match both kind and cause")
	}
	if Join(ErrPeerClose, nil) != ErrPeerClose {
		t.Errorf("expected bare kind when cause is nil")
	}
}
