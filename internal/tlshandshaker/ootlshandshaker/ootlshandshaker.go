// Package ootlshandshaker contains our server-side TLS handshaker
package ootlshandshaker

import (
	"context"
	"crypto/tls"
)

// Handshaker is our server-side TLS handshaker
type Handshaker struct{}

// New creates a new TLS handshaker
func New() *Handshaker {
	return new(Handshaker)
}

// Do performs the server side of the handshake on tlsconn. The
// handshake is performed exactly once and never retried. In case of
// context timeout, the underlying connection is closed and we return
// the context error.
func (h *Handshaker) Do(ctx context.Context, tlsconn *tls.Conn) error {
	errch := make(chan error, 1)
	go func() {
		errch <- tlsconn.Handshake()
	}()
	select {
	case err := <-errch:
		return err
	case <-ctx.Done():
		tlsconn.NetConn().Close() // unblocks Handshake
		<-errch
		return ctx.Err()
	}
}
