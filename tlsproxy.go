// Package tlsproxy terminates TLS on an already accepted connection and
// bridges the decrypted stream to the standard input and output of a
// command, which becomes the protocol handler of the connection.
//
// One Serve call handles exactly one connection. Running many of them
// is up to an external supervisor, e.g. systemd socket activation or
// inetd, which owns listening and accepting.
//
// The lifecycle is strictly sequential: we first establish the TLS
// session, then spawn the command, then relay bytes until the client
// or the command goes away. A setup or handshake failure returns before
// any command is spawned. A spawn failure returns before relaying.
package tlsproxy

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/ooni/tlsproxy/handlers"
	"github.com/ooni/tlsproxy/internal/child"
	"github.com/ooni/tlsproxy/internal/relay"
	"github.com/ooni/tlsproxy/internal/session"
	"github.com/ooni/tlsproxy/internal/tlsconf"
	"github.com/ooni/tlsproxy/internal/tracing"
	"github.com/ooni/tlsproxy/model"
)

// Config contains the proxy configuration.
type Config struct {
	// CertFile is the PEM encoded certificate chain.
	CertFile string

	// KeyFile is the PEM encoded private key.
	KeyFile string

	// Command is the shell command line to execute.
	Command string

	// ChildStderr receives the command's standard error. When nil, the
	// command inherits our standard error, which under inetd-style
	// dispatch may be the client socket.
	ChildStderr *os.File

	// Handler receives the measurements. When nil, we discard them.
	Handler model.Handler

	// Relay contains the relay loop settings.
	Relay relay.Config
}

// Result contains the result of Serve.
type Result struct {
	// Relay is the result of the relay loop.
	Relay *relay.Result

	// ExitCode is the exit code of the command, or -1 when it has
	// not been observed or the command has been killed by a signal.
	ExitCode int

	// Exited indicates whether we observed the command's exit.
	Exited bool
}

// Init performs the process-wide TLS initialization. Serve calls it
// as well, so calling it explicitly is only useful to make it happen
// at startup. It is safe to call Init more than once.
func Init() {
	tlsconf.Init()
}

// Serve handles conn. It takes ownership of conn, which is closed
// when Serve returns. Setup and handshake errors, as well as spawn
// errors, are *model.ErrWrapper errors. The context only bounds the
// handshake: the relay loop runs until the session or the command
// goes away.
func Serve(ctx context.Context, conn net.Conn, config Config) (*Result, error) {
	handler := config.Handler
	if handler == nil {
		handler = handlers.NoHandler
	}
	ctx = tracing.WithInfo(ctx, &tracing.Info{
		Beginning: time.Now(),
		Handler:   handler,
	})
	Init()
	sess, err := session.New(ctx, conn, session.Config{
		CertFile: config.CertFile,
		KeyFile:  config.KeyFile,
	})
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	stderr := config.ChildStderr
	if stderr == nil {
		stderr = os.Stderr
	}
	proc, err := child.Spawn(ctx, config.Command, stderr)
	if err != nil {
		return nil, err
	}
	defer proc.Close()
	result := &Result{
		Relay:    relay.Run(ctx, sess, sess.Fd(), proc, config.Relay),
		ExitCode: -1,
	}
	result.Exited, _ = proc.TryWait()
	if result.Exited {
		result.ExitCode, _, _ = proc.ExitStatus()
	}
	return result, nil
}
