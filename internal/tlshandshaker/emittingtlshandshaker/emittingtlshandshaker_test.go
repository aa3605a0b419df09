package emittingtlshandshaker

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"github.com/ooni/tlsproxy/internal/testingx"
	"github.com/ooni/tlsproxy/internal/tlshandshaker/ootlshandshaker"
	"github.com/ooni/tlsproxy/internal/tracing"
	"github.com/ooni/tlsproxy/model"
)

func TestIntegrationSuccess(t *testing.T) {
	recorder := &testingx.Recorder{}
	ctx := tracing.WithInfo(context.Background(), &tracing.Info{
		Beginning: time.Now(),
		Handler:   recorder,
	})
	kp := testingx.NewKeyPair(t, t.TempDir())
	cert, err := tls.LoadX509KeyPair(kp.CertFile, kp.KeyFile)
	if err != nil {
		t.Fatal(err)
	}
	server, client := testingx.Socketpair(t)
	tlsserver := tls.Server(server, &tls.Config{Certificates: []tls.Certificate{cert}})
	defer tlsserver.Close()
	tlsclient := tls.Client(client, kp.ClientConfig())
	defer tlsclient.Close()
	go tlsclient.Handshake()
	if err := New(ootlshandshaker.New()).Do(ctx, tlsserver); err != nil {
		t.Fatal(err)
	}
	measurements := recorder.Measurements()
	if len(measurements) != 1 || measurements[0].TLSHandshake == nil {
		t.Fatal("expected a single handshake event")
	}
	if measurements[0].TLSHandshake.Outcome != model.OutcomeSuccess {
		t.Fatal("unexpected outcome")
	}
	if measurements[0].TLSHandshake.ConnectionState.ServerName != "localhost" {
		t.Fatal("unexpected SNI")
	}
}

func TestIntegrationTLSHandshakeFailure(t *testing.T) {
	recorder := &testingx.Recorder{}
	ctx := tracing.WithInfo(context.Background(), &tracing.Info{
		Beginning: time.Now(),
		Handler:   recorder,
	})
	server, client := testingx.Socketpair(t)
	client.Close() // EOF during the handshake
	tlsserver := tls.Server(server, &tls.Config{})
	defer tlsserver.Close()
	err := New(ootlshandshaker.New()).Do(ctx, tlsserver)
	var wrapper *model.ErrWrapper
	if !errors.As(err, &wrapper) {
		t.Fatal("not the error we expected")
	}
	if wrapper.Operation != "tls_handshake" {
		t.Fatal("unexpected operation")
	}
	if wrapper.Outcome == model.OutcomeSuccess {
		t.Fatal("unexpected outcome")
	}
	measurements := recorder.Measurements()
	if len(measurements) != 1 || measurements[0].TLSHandshake.Error == nil {
		t.Fatal("expected a failed handshake event")
	}
}
