// Package tlshandshaker contains the generic server-side tls handshaker model
package tlshandshaker

import (
	"context"
	"crypto/tls"
)

// Model is the model for all TLS handshakers
type Model interface {
	Do(ctx context.Context, tlsconn *tls.Conn) error
}
