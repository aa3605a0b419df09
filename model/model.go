// Package model contains the data model. Every step of a proxied
// connection's lifecycle emits a Measurement: setup steps, the TLS
// handshake, the spawn of the child, the reads and writes performed
// by the relay loop, the exit of the child and the end of the relay.
//
// All events have a Time. This is always the time in which an event
// has been emitted, relative to the beginning of the instance. We use
// a monotonic clock.
//
// Duration, where present, indicates for how long the code has been
// waiting for an event to happen. For example, ReadEvent.Duration
// indicates for how long the code has been blocked inside Read().
//
// When an operation may fail, we also include the Error.
package model

import (
	"time"
)

// CloseEvent is emitted when conn.Close returns.
type CloseEvent struct {
	Duration time.Duration
	Error    error
	Time     time.Duration
}

// ReadEvent is emitted when conn.Read returns.
type ReadEvent struct {
	Duration time.Duration
	Error    error
	NumBytes int64
	Time     time.Duration
}

// WriteEvent is emitted when conn.Write returns.
type WriteEvent struct {
	Duration time.Duration
	Error    error
	NumBytes int64
	Time     time.Duration
}

// SetupStepEvent is emitted when a session setup step returns.
type SetupStepEvent struct {
	Duration  time.Duration
	Error     error
	Operation string
	Time      time.Duration
}

// X509Certificate is an x.509 certificate.
type X509Certificate struct {
	// Data contains the certificate bytes in DER format.
	Data []byte
}

// TLSConnectionState contains the TLS connection state.
type TLSConnectionState struct {
	CipherSuite        uint16
	NegotiatedProtocol string
	PeerCertificates   []X509Certificate
	ServerName         string
	Version            uint16
}

// TLSHandshakeEvent is emitted when the server handshake returns.
type TLSHandshakeEvent struct {
	ConnectionState TLSConnectionState
	Duration        time.Duration
	Error           error
	Outcome         Outcome
	Time            time.Duration
}

// SpawnEvent is emitted when we have tried to start the child.
type SpawnEvent struct {
	Argv     []string
	Duration time.Duration
	Error    error
	PID      int
	Time     time.Duration
}

// RelayReadEvent is emitted when the relay has read from one of its
// sources. Source is either "session" or "child".
type RelayReadEvent struct {
	Error    error
	NumBytes int64
	Source   string
	Time     time.Duration
}

// RelayWriteEvent is emitted when the relay has written to one of its
// sinks. Sink is either "session" or "child". Pending is the number of
// bytes still queued for the sink after the write.
type RelayWriteEvent struct {
	Error    error
	NumBytes int64
	Pending  int64
	Sink     string
	Time     time.Duration
}

// ChildExitEvent is emitted when we observe that the child exited.
type ChildExitEvent struct {
	ExitCode int
	PID      int
	Signaled bool
	Time     time.Duration
}

// RelayDoneEvent is emitted when the relay loop terminates.
type RelayDoneEvent struct {
	BytesFromChild   int64
	BytesFromSession int64
	Reason           string
	Time             time.Duration
}

// Measurement contains zero or more events. Do not assume that at any
// time a Measurement will only contain a single event. When a Measurement
// contains an event, the corresponding pointer is non nil.
type Measurement struct {
	ChildExit    *ChildExitEvent    `json:",omitempty"`
	Close        *CloseEvent        `json:",omitempty"`
	Read         *ReadEvent         `json:",omitempty"`
	RelayDone    *RelayDoneEvent    `json:",omitempty"`
	RelayRead    *RelayReadEvent    `json:",omitempty"`
	RelayWrite   *RelayWriteEvent   `json:",omitempty"`
	SetupStep    *SetupStepEvent    `json:",omitempty"`
	Spawn        *SpawnEvent        `json:",omitempty"`
	TLSHandshake *TLSHandshakeEvent `json:",omitempty"`
	Write        *WriteEvent        `json:",omitempty"`
}

// Handler handles measurement events.
type Handler interface {
	// OnMeasurement is called when an event occurs. The relay loop is
	// single threaded, so calls never happen concurrently for the same
	// connection, but a Handler shared by several connections must be
	// safe for concurrent use.
	OnMeasurement(Measurement)
}

// Outcome is the category a TLS operation result falls into.
type Outcome int

const (
	// OutcomeSuccess means the operation completed.
	OutcomeSuccess = Outcome(iota)

	// OutcomeCleanShutdown means the peer closed the session cleanly.
	OutcomeCleanShutdown

	// OutcomeWantReadWrite means the operation did not complete and
	// should be invoked again when the transport is ready.
	OutcomeWantReadWrite

	// OutcomeWantConnectAccept means the underlying transport was not
	// connected yet. The operation should be invoked again later.
	OutcomeWantConnectAccept

	// OutcomeX509Lookup means a certificate callback asked to be
	// called again.
	OutcomeX509Lookup

	// OutcomeSyscall means an I/O error occurred. The wrapped error
	// carries the system error code.
	OutcomeSyscall

	// OutcomeLibrary means the TLS library itself failed.
	OutcomeLibrary
)

var outcomeNames = map[Outcome]string{
	OutcomeSuccess:           "ssl_error_none",
	OutcomeCleanShutdown:     "ssl_error_zero_return",
	OutcomeWantReadWrite:     "ssl_error_want_read_write",
	OutcomeWantConnectAccept: "ssl_error_want_connect_accept",
	OutcomeX509Lookup:        "ssl_error_want_x509_lookup",
	OutcomeSyscall:           "ssl_error_syscall",
	OutcomeLibrary:           "ssl_error_ssl",
}

// String returns the stable name of the outcome.
func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "ssl_error_unknown"
}

// ErrWrapper is our error wrapper for lifecycle failures. We use it
// so that callers know which setup step failed and how the classifier
// explained the failure.
type ErrWrapper struct {
	// Failure is the OONI-style failure string.
	Failure string

	// Operation is the lifecycle step that failed, e.g.
	// "certificate_load" or "tls_handshake".
	Operation string

	// Outcome is the classifier's category for WrappedErr.
	Outcome Outcome

	// WrappedErr is the error that we're wrapping.
	WrappedErr error
}

// Error returns a description of the error that occurred.
func (e *ErrWrapper) Error() string {
	return e.Operation + ": " + e.Failure
}

// Unwrap allows to access the underlying error
func (e *ErrWrapper) Unwrap() error {
	return e.WrappedErr
}
