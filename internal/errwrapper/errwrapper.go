// Package errwrapper contains our error wrapper and the classifier that
// maps the result of a TLS operation into a model.Outcome.
package errwrapper

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/ooni/tlsproxy/model"
)

// ErrCertificatePending is returned by certificate callbacks that want
// to be invoked again later.
var ErrCertificatePending = errors.New("certificate callback pending")

// SafeErrWrapperBuilder contains a builder for model.ErrWrapper that
// is safe, i.e., behaves correctly when the error is nil.
type SafeErrWrapperBuilder struct {
	// Error is the error, if any
	Error error

	// Operation is the lifecycle step that failed
	Operation string
}

// MaybeBuild builds a new model.ErrWrapper, if b.Error is not nil, and
// returns a nil error value, instead, if b.Error is nil. An error that
// is already wrapped is returned unchanged.
func (b SafeErrWrapperBuilder) MaybeBuild() (err error) {
	if b.Error != nil {
		var wrapper *model.ErrWrapper
		if errors.As(b.Error, &wrapper) {
			return b.Error
		}
		outcome := Classify(b.Error)
		err = &model.ErrWrapper{
			Failure:    toFailureString(outcome, b.Error),
			Operation:  b.Operation,
			Outcome:    outcome,
			WrappedErr: b.Error,
		}
	}
	return
}

// Classify maps err into the corresponding outcome.
func Classify(err error) model.Outcome {
	if err == nil {
		return model.OutcomeSuccess
	}
	var wrapper *model.ErrWrapper
	if errors.As(err, &wrapper) {
		return wrapper.Outcome
	}
	if errors.Is(err, ErrCertificatePending) {
		return model.OutcomeX509Lookup
	}
	if errors.Is(err, io.EOF) {
		return model.OutcomeCleanShutdown
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return model.OutcomeWantReadWrite
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EAGAIN, syscall.EINTR:
			return model.OutcomeWantReadWrite
		case syscall.ENOTCONN, syscall.EINPROGRESS, syscall.EALREADY:
			return model.OutcomeWantConnectAccept
		}
		return model.OutcomeSyscall
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.OutcomeWantReadWrite
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return model.OutcomeSyscall
	}
	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		return model.OutcomeSyscall
	}
	return model.OutcomeLibrary
}

// Retryable returns whether the caller should invoke the same
// operation again later.
func Retryable(outcome model.Outcome) bool {
	switch outcome {
	case model.OutcomeWantReadWrite, model.OutcomeWantConnectAccept,
		model.OutcomeX509Lookup:
		return true
	}
	return false
}

// Describe returns a human readable explanation of outcome.
func Describe(outcome model.Outcome) string {
	switch outcome {
	case model.OutcomeSuccess:
		return "The TLS I/O operation completed."
	case model.OutcomeCleanShutdown:
		return "The TLS connection has been closed. A closure alert " +
			"has been received or the transport has been closed " +
			"cleanly by the peer."
	case model.OutcomeWantReadWrite:
		return "The operation did not complete; the same TLS I/O " +
			"function should be called again later."
	case model.OutcomeWantConnectAccept:
		return "The operation did not complete; the underlying " +
			"transport was not connected to the peer yet. Call the " +
			"same TLS function again once the connection is established."
	case model.OutcomeX509Lookup:
		return "The operation did not complete because a certificate " +
			"callback asked to be called again."
	case model.OutcomeSyscall:
		return "Some I/O error occurred. Consult the system error " +
			"code for details. An EOF that violates the protocol " +
			"also falls into this category."
	case model.OutcomeLibrary:
		return "A failure in the TLS library occurred."
	}
	return "Unknown TLS operation result."
}

// toFailureString returns the failure string for err. The string
// starts with the outcome name and is followed by a short detail
// derived from the underlying error, when we can find one.
func toFailureString(outcome model.Outcome, err error) string {
	detail := toFailureDetail(err)
	if detail == "" {
		return outcome.String()
	}
	return fmt.Sprintf("%s: %s", outcome.String(), detail)
}

func toFailureDetail(err error) string {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET:
			return "connection_reset"
		case syscall.ECONNREFUSED:
			return "connection_refused"
		case syscall.EPIPE:
			return "broken_pipe"
		case syscall.ENOENT:
			return "no_such_file"
		case syscall.EACCES, syscall.EPERM:
			return "permission_denied"
		}
		return errno.Error()
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return "unexpected_eof"
	}
	if errors.Is(err, io.EOF) {
		return "eof_error"
	}
	if errors.Is(err, net.ErrClosed) {
		return "use_of_closed_connection"
	}
	var alert tls.AlertError
	if errors.As(err, &alert) {
		return "alert: " + alert.Error()
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return "ssl_record_header_error"
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return "ssl_invalid_hostname"
	}
	var authorityErr x509.UnknownAuthorityError
	if errors.As(err, &authorityErr) {
		return "ssl_unknown_authority"
	}
	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &invalidErr) {
		return "ssl_invalid_certificate"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "generic_timeout_error"
	}
	return err.Error()
}
