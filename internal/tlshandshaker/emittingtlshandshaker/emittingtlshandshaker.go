// Package emittingtlshandshaker contains an event-emitting TLS handshaker
package emittingtlshandshaker

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ooni/tlsproxy/internal/errwrapper"
	"github.com/ooni/tlsproxy/internal/tlshandshaker"
	"github.com/ooni/tlsproxy/internal/tracing"
)

// Handshaker is the event emitting TLS handshaker
type Handshaker struct {
	handshaker tlshandshaker.Model
}

// New creates a new event emitting TLS handshaker
func New(handshaker tlshandshaker.Model) *Handshaker {
	return &Handshaker{handshaker: handshaker}
}

// Do performs the handshake and emits a TLSHandshakeEvent carrying
// the outcome computed by the classifier. On failure, the returned
// error is a *model.ErrWrapper whose Operation is "tls_handshake".
func (h *Handshaker) Do(ctx context.Context, tlsconn *tls.Conn) error {
	info := tracing.ContextInfoOrDefault(ctx)
	start := time.Now()
	err := h.handshaker.Do(ctx, tlsconn)
	info.EmitTLSHandshake(
		tlsconn.ConnectionState(), start, errwrapper.Classify(err), err)
	return errwrapper.SafeErrWrapperBuilder{
		Error:     err,
		Operation: "tls_handshake",
	}.MaybeBuild()
}
