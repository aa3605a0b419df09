// Package tracing allows to trace events.
package tracing

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/ooni/tlsproxy/handlers"
	"github.com/ooni/tlsproxy/model"
)

type contextkey struct{}

// Info contains information useful for tracing
type Info struct {
	Beginning time.Time
	Handler   model.Handler
}

// Elapsed returns the time elapsed since the beginning.
func (info *Info) Elapsed() time.Duration {
	return time.Since(info.Beginning)
}

// EmitSetupStep emits the SetupStepEvent event
func (info *Info) EmitSetupStep(operation string, start time.Time, err error) {
	info.Handler.OnMeasurement(model.Measurement{
		SetupStep: &model.SetupStepEvent{
			Duration:  time.Since(start),
			Error:     err,
			Operation: operation,
			Time:      info.Elapsed(),
		},
	})
}

// EmitTLSHandshake emits the TLSHandshakeEvent event
func (info *Info) EmitTLSHandshake(
	state tls.ConnectionState, start time.Time, outcome model.Outcome, err error,
) {
	info.Handler.OnMeasurement(model.Measurement{
		TLSHandshake: &model.TLSHandshakeEvent{
			ConnectionState: NewTLSConnectionState(state),
			Duration:        time.Since(start),
			Error:           err,
			Outcome:         outcome,
			Time:            info.Elapsed(),
		},
	})
}

// NewTLSConnectionState converts a tls.ConnectionState.
func NewTLSConnectionState(s tls.ConnectionState) model.TLSConnectionState {
	return model.TLSConnectionState{
		CipherSuite:        s.CipherSuite,
		NegotiatedProtocol: s.NegotiatedProtocol,
		PeerCertificates:   simplify(s.PeerCertificates),
		ServerName:         s.ServerName,
		Version:            s.Version,
	}
}

func simplify(in []*x509.Certificate) (out []model.X509Certificate) {
	for _, cert := range in {
		out = append(out, model.X509Certificate{
			Data: cert.Raw,
		})
	}
	return
}

// WithInfo returns a copy of ctx with the specific tracing info
func WithInfo(ctx context.Context, info *Info) context.Context {
	if info == nil {
		panic("nil info") // like httptrace.WithClientTrace
	}
	return context.WithValue(ctx, contextkey{}, info)
}

// ContextInfo returns the trace info with the context.
func ContextInfo(ctx context.Context) *Info {
	ip, _ := ctx.Value(contextkey{}).(*Info)
	return ip
}

// ContextInfoOrDefault is like ContextInfo except that it returns an
// Info that discards events when ctx carries no tracing info.
func ContextInfoOrDefault(ctx context.Context) *Info {
	if info := ContextInfo(ctx); info != nil {
		return info
	}
	return &Info{Beginning: time.Now(), Handler: handlers.NoHandler}
}
