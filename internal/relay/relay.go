// Package relay contains the loop moving bytes between the TLS session
// and the child process.
//
// The loop is single threaded. It waits with poll(2) on the descriptor
// of the session, on the pipe feeding the child's stdin and on the pipe
// draining the child's stdout. The wait is bounded by PollTimeout so
// that we notice the exit of a quiet child. Past the wait, every
// operation is non-blocking: the pipes are non-blocking and the session
// is read with a short or already expired read deadline.
//
// Bytes read from the session are queued and written to the child as
// the pipe accepts them. We never drop a partial write: the remainder
// stays queued and we ask poll for POLLOUT. While the queue is full we
// stop reading from the session, which pushes back on the client.
package relay

import (
	"bytes"
	"context"
	"time"

	"github.com/ooni/tlsproxy/internal/errwrapper"
	"github.com/ooni/tlsproxy/internal/tracing"
	"github.com/ooni/tlsproxy/model"
	"golang.org/x/sys/unix"
)

// Reason explains why the loop terminated.
type Reason string

const (
	// ReasonSessionHangup means poll reported a hang-up or an error
	// on the session descriptor.
	ReasonSessionHangup = Reason("session_hangup")

	// ReasonSessionClosed means the session returned EOF or an
	// unrecoverable error.
	ReasonSessionClosed = Reason("session_closed")

	// ReasonStdinHangup means the child closed its standard input.
	ReasonStdinHangup = Reason("child_stdin_hangup")

	// ReasonStdoutHangup means the child closed its standard output.
	ReasonStdoutHangup = Reason("child_stdout_hangup")

	// ReasonChildExit means we observed the exit of the child.
	ReasonChildExit = Reason("child_exit")
)

const (
	// DefaultPollTimeout is the default PollTimeout.
	DefaultPollTimeout = 500 * time.Millisecond

	// DefaultChunkSize is the default ChunkSize.
	DefaultChunkSize = 1024

	// DefaultMaxPending is the default MaxPending.
	DefaultMaxPending = 64 << 10

	// DefaultReadSlack is the default ReadSlack.
	DefaultReadSlack = 20 * time.Millisecond
)

// aLongTimeAgo is an expired deadline: reading with it only returns
// bytes the TLS layer already buffered.
var aLongTimeAgo = time.Unix(1, 0)

const hangup = unix.POLLHUP | unix.POLLERR | unix.POLLNVAL

// reapInterval is how often we check for the exit of a child whose
// pipes hung up.
const reapInterval = 5 * time.Millisecond

// Session is the established TLS session.
type Session interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
}

// Child is the running child process.
type Child interface {
	PID() int
	Stdin() int
	Stdout() int
	TryWait() (bool, error)
	ExitStatus() (code int, signaled bool, exited bool)
}

// Config contains the loop settings. Zero values are replaced with
// the corresponding defaults.
type Config struct {
	// PollTimeout bounds each wait and hence controls how often we
	// check whether the child exited.
	PollTimeout time.Duration

	// ChunkSize is the size of each read.
	ChunkSize int

	// MaxPending is the maximum number of bytes read from the session
	// and not yet written to the child.
	MaxPending int

	// ReadSlack is how long a session read may wait for the rest of
	// a TLS record once poll said the descriptor is readable.
	ReadSlack time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxPending < c.ChunkSize {
		c.MaxPending = DefaultMaxPending
		if c.MaxPending < c.ChunkSize {
			c.MaxPending = c.ChunkSize
		}
	}
	if c.ReadSlack <= 0 {
		c.ReadSlack = DefaultReadSlack
	}
	return c
}

// Result is the result of Run.
type Result struct {
	// Reason is why the loop terminated.
	Reason Reason

	// BytesFromSession is the number of bytes read from the session.
	BytesFromSession int64

	// BytesToChild is the number of bytes written to the child.
	BytesToChild int64

	// BytesFromChild is the number of bytes read from the child.
	BytesFromChild int64

	// SessionError is the session error causing ReasonSessionClosed.
	SessionError error
}

type relay struct {
	buf             []byte
	child           Child
	config          Config
	info            *tracing.Info
	pending         bytes.Buffer
	result          Result
	session         Session
	sessionBuffered bool
	sessionFd       int
}

// Run runs the loop until the session or the child goes away. The
// sessionFd is the descriptor underlying session. Run does not close
// anything: descriptors belong to the session and to the child.
func Run(ctx context.Context, session Session, sessionFd int, child Child, config Config) *Result {
	r := &relay{
		child:     child,
		config:    config.withDefaults(),
		info:      tracing.ContextInfoOrDefault(ctx),
		session:   session,
		sessionFd: sessionFd,
	}
	r.buf = make([]byte, r.config.ChunkSize)
	// The handshake may have read records past the client's Finished,
	// and poll cannot see them.
	r.sessionBuffered = true
	for {
		if reason := r.step(); reason != "" {
			r.result.Reason = reason
			break
		}
	}
	r.info.Handler.OnMeasurement(model.Measurement{
		RelayDone: &model.RelayDoneEvent{
			BytesFromChild:   r.result.BytesFromChild,
			BytesFromSession: r.result.BytesFromSession,
			Reason:           string(r.result.Reason),
			Time:             r.info.Elapsed(),
		},
	})
	return &r.result
}

func (r *relay) step() Reason {
	room := r.pending.Len() < r.config.MaxPending
	fds := []unix.PollFd{
		{Fd: int32(r.sessionFd)},
		{Fd: int32(r.child.Stdin())},
		{Fd: int32(r.child.Stdout()), Events: unix.POLLIN},
	}
	if room {
		fds[0].Events = unix.POLLIN
	}
	if r.pending.Len() > 0 {
		fds[1].Events = unix.POLLOUT
	}
	timeout := int(r.config.PollTimeout / time.Millisecond)
	if room && r.sessionBuffered {
		timeout = 0
	}
	if _, err := unix.Poll(fds, timeout); err != nil {
		// EINTR and friends: nothing is ready, just check the child.
		return r.checkChild()
	}

	// Child to session first, so that we forward what a departing
	// child wrote before noticing its hang-up.
	if fds[2].Revents&(unix.POLLIN|hangup) != 0 {
		if reason := r.drainChild(); reason != "" {
			return r.resolveChildHangup(reason)
		}
	}

	if fds[0].Revents&hangup != 0 {
		return ReasonSessionHangup
	}
	if fds[1].Revents&hangup != 0 {
		return r.resolveChildHangup(ReasonStdinHangup)
	}
	if fds[2].Revents&hangup != 0 {
		return r.resolveChildHangup(ReasonStdoutHangup)
	}

	if room && (fds[0].Revents&unix.POLLIN != 0 || r.sessionBuffered) {
		if reason := r.readSession(fds[0].Revents&unix.POLLIN != 0); reason != "" {
			return reason
		}
	}
	if r.pending.Len() > 0 {
		r.flushChild()
	}
	return r.checkChild()
}

// readSession reads chunks from the session into the queue. When the
// descriptor was not readable we only consume what the TLS layer has
// already buffered.
func (r *relay) readSession(readable bool) Reason {
	deadline := aLongTimeAgo
	if readable {
		deadline = time.Now().Add(r.config.ReadSlack)
	}
	r.sessionBuffered = false
	for {
		if r.pending.Len() >= r.config.MaxPending {
			r.sessionBuffered = true
			return ""
		}
		r.session.SetReadDeadline(deadline)
		n, err := r.session.Read(r.buf)
		if n > 0 {
			r.pending.Write(r.buf[:n])
			r.result.BytesFromSession += int64(n)
		}
		outcome := errwrapper.Classify(err)
		if n > 0 || !errwrapper.Retryable(outcome) {
			r.emitRead("session", n, err)
		}
		if err != nil {
			if errwrapper.Retryable(outcome) {
				return ""
			}
			// What we got before the close still belongs to the child.
			r.flushChild()
			r.result.SessionError = err
			return ReasonSessionClosed
		}
		if n == 0 {
			return ""
		}
		deadline = aLongTimeAgo
	}
}

// flushChild writes as much of the queue as the pipe accepts.
func (r *relay) flushChild() {
	for r.pending.Len() > 0 {
		n, err := unix.Write(r.child.Stdin(), r.pending.Bytes())
		if err == unix.EINTR {
			continue
		}
		if n > 0 {
			r.pending.Next(n)
			r.result.BytesToChild += int64(n)
		}
		r.emitWrite("child", n, err)
		if err != nil || n <= 0 {
			// EAGAIN: wait for POLLOUT. EPIPE: poll reports the
			// hang-up on the next iteration.
			return
		}
	}
}

// drainChild reads from the child's stdout until it would block and
// writes every chunk to the session.
func (r *relay) drainChild() Reason {
	for {
		n, err := unix.Read(r.child.Stdout(), r.buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return ""
		}
		if n == 0 {
			return ReasonStdoutHangup
		}
		r.result.BytesFromChild += int64(n)
		r.emitRead("child", n, nil)
		written, err := r.session.Write(r.buf[:n])
		r.emitWrite("session", written, err)
		if err != nil && !errwrapper.Retryable(errwrapper.Classify(err)) {
			r.result.SessionError = err
			return ReasonSessionClosed
		}
	}
}

// resolveChildHangup reports a child exit rather than a pipe hang-up
// when the child is gone. The pipes hang up slightly before the child
// becomes waitable, so we keep checking for up to PollTimeout.
func (r *relay) resolveChildHangup(reason Reason) Reason {
	if reason == ReasonSessionClosed {
		return reason
	}
	deadline := time.Now().Add(r.config.PollTimeout)
	for {
		if exit := r.checkChild(); exit != "" {
			return exit
		}
		if !time.Now().Before(deadline) {
			return reason
		}
		time.Sleep(reapInterval)
	}
}

func (r *relay) checkChild() Reason {
	exited, err := r.child.TryWait()
	if err != nil || !exited {
		return ""
	}
	code, signaled, _ := r.child.ExitStatus()
	r.info.Handler.OnMeasurement(model.Measurement{
		ChildExit: &model.ChildExitEvent{
			ExitCode: code,
			PID:      r.child.PID(),
			Signaled: signaled,
			Time:     r.info.Elapsed(),
		},
	})
	return ReasonChildExit
}

func (r *relay) emitRead(source string, n int, err error) {
	r.info.Handler.OnMeasurement(model.Measurement{
		RelayRead: &model.RelayReadEvent{
			Error:    err,
			NumBytes: int64(n),
			Source:   source,
			Time:     r.info.Elapsed(),
		},
	})
}

func (r *relay) emitWrite(sink string, n int, err error) {
	pending := 0
	if sink == "child" {
		pending = r.pending.Len()
	}
	if n < 0 {
		n = 0
	}
	r.info.Handler.OnMeasurement(model.Measurement{
		RelayWrite: &model.RelayWriteEvent{
			Error:    err,
			NumBytes: int64(n),
			Pending:  int64(pending),
			Sink:     sink,
			Time:     r.info.Elapsed(),
		},
	})
}
