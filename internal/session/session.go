// Package session establishes the server side TLS session over an
// already accepted connection.
package session

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/ooni/tlsproxy/internal/connx"
	"github.com/ooni/tlsproxy/internal/errwrapper"
	"github.com/ooni/tlsproxy/internal/tlsconf"
	"github.com/ooni/tlsproxy/internal/tlshandshaker"
	"github.com/ooni/tlsproxy/internal/tlshandshaker/emittingtlshandshaker"
	"github.com/ooni/tlsproxy/internal/tlshandshaker/ootlshandshaker"
	"github.com/ooni/tlsproxy/internal/tracing"
)

// Names of the setup steps, in the order in which they run.
const (
	OpContextCreate   = "context_create"
	OpCertificateLoad = "certificate_load"
	OpPrivateKeyLoad  = "private_key_load"
	OpSessionAlloc    = "session_alloc"
	OpBind            = "bind"
	OpHandshake       = "tls_handshake"
)

// Config contains the session configuration.
type Config struct {
	// CertFile is the path of the PEM encoded certificate chain.
	CertFile string

	// KeyFile is the path of the PEM encoded private key.
	KeyFile string

	// Passphrase decrypts an encrypted PKCS#8 key. When nil, we use
	// the value of tlsconf.PassphraseEnv, if any.
	Passphrase []byte

	// Handshaker overrides the default TLS handshaker.
	Handshaker tlshandshaker.Model
}

// Session is an established TLS session.
type Session struct {
	*tls.Conn
	fd int
}

// Fd returns the descriptor underlying the session, to be used for
// polling. It remains owned by the session.
func (s *Session) Fd() int {
	return s.fd
}

// New runs the setup steps in a fixed order and then performs the
// handshake. The first failing step aborts the construction: later
// steps do not run, conn is closed and the returned error is a
// *model.ErrWrapper naming the step. On success, the returned session
// owns conn.
func New(ctx context.Context, conn net.Conn, config Config) (*Session, error) {
	s, err := newSession(ctx, conn, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func newSession(ctx context.Context, conn net.Conn, config Config) (*Session, error) {
	info := tracing.ContextInfoOrDefault(ctx)
	step := func(operation string, fn func() error) error {
		start := time.Now()
		err := fn()
		info.EmitSetupStep(operation, start, err)
		return errwrapper.SafeErrWrapperBuilder{
			Error:     err,
			Operation: operation,
		}.MaybeBuild()
	}
	var (
		tlsConfig *tls.Config
		chain     *tlsconf.Chain
		tlsconn   *tls.Conn
		fd        int
	)
	err := step(OpContextCreate, func() error {
		tlsConfig = tlsconf.NewContext()
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = step(OpCertificateLoad, func() (err error) {
		chain, err = tlsconf.LoadCertificate(config.CertFile)
		return
	})
	if err != nil {
		return nil, err
	}
	err = step(OpPrivateKeyLoad, func() error {
		passphrase := config.Passphrase
		if passphrase == nil {
			passphrase = tlsconf.Passphrase()
		}
		key, err := tlsconf.LoadPrivateKey(config.KeyFile, passphrase, chain)
		if err != nil {
			return err
		}
		tlsconf.UseCertificate(tlsConfig, chain, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = step(OpSessionAlloc, func() error {
		tlsconn = tls.Server(&connx.MeasuringConn{
			Conn:      conn,
			Beginning: info.Beginning,
			Handler:   info.Handler,
		}, tlsConfig)
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = step(OpBind, func() (err error) {
		fd, err = connx.Fd(conn)
		return
	})
	if err != nil {
		return nil, err
	}
	handshaker := config.Handshaker
	if handshaker == nil {
		handshaker = ootlshandshaker.New()
	}
	err = emittingtlshandshaker.New(handshaker).Do(ctx, tlsconn)
	if err != nil {
		return nil, err
	}
	return &Session{Conn: tlsconn, fd: fd}, nil
}
