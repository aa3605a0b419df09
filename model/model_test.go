package model

import (
	"errors"
	"io"
	"testing"
)

func TestOutcomeString(t *testing.T) {
	t.Run("for known outcomes", func(t *testing.T) {
		if OutcomeSyscall.String() != "ssl_error_syscall" {
			t.Fatal("unexpected name")
		}
		if OutcomeCleanShutdown.String() != "ssl_error_zero_return" {
			t.Fatal("unexpected name")
		}
	})
	t.Run("for unknown outcomes", func(t *testing.T) {
		if Outcome(1234).String() != "ssl_error_unknown" {
			t.Fatal("unexpected name")
		}
	})
}

func TestErrWrapper(t *testing.T) {
	err := &ErrWrapper{
		Failure:    "ssl_error_zero_return",
		Operation:  "tls_handshake",
		Outcome:    OutcomeCleanShutdown,
		WrappedErr: io.EOF,
	}
	if err.Error() != "tls_handshake: ssl_error_zero_return" {
		t.Fatal("unexpected error string")
	}
	if !errors.Is(err, io.EOF) {
		t.Fatal("cannot unwrap the error")
	}
}
