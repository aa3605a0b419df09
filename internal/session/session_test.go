package session

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"github.com/ooni/tlsproxy/internal/testingx"
	"github.com/ooni/tlsproxy/internal/tlsconf"
	"github.com/ooni/tlsproxy/internal/tracing"
	"github.com/ooni/tlsproxy/model"
)

func newContext(recorder *testingx.Recorder) context.Context {
	return tracing.WithInfo(context.Background(), &tracing.Info{
		Beginning: time.Now(),
		Handler:   recorder,
	})
}

func steps(recorder *testingx.Recorder) (out []string) {
	for _, m := range recorder.Measurements() {
		if m.SetupStep != nil {
			out = append(out, m.SetupStep.Operation)
		}
		if m.TLSHandshake != nil {
			out = append(out, OpHandshake)
		}
	}
	return
}

func TestIntegrationSuccess(t *testing.T) {
	recorder := &testingx.Recorder{}
	kp := testingx.NewKeyPair(t, t.TempDir())
	server, client := testingx.Socketpair(t)
	tlsclient := tls.Client(client, kp.ClientConfig())
	defer tlsclient.Close()
	errch := make(chan error, 1)
	go func() {
		errch <- tlsclient.Handshake()
	}()
	s, err := New(newContext(recorder), server, Config{
		CertFile: kp.CertFile,
		KeyFile:  kp.KeyFile,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := <-errch; err != nil {
		t.Fatal(err)
	}
	if s.Fd() < 0 {
		t.Fatal("invalid descriptor")
	}
	got := steps(recorder)
	expected := []string{
		OpContextCreate, OpCertificateLoad, OpPrivateKeyLoad,
		OpSessionAlloc, OpBind, OpHandshake,
	}
	if len(got) != len(expected) {
		t.Fatalf("unexpected steps: %v", got)
	}
	for idx := range expected {
		if got[idx] != expected[idx] {
			t.Fatalf("unexpected steps: %v", got)
		}
	}
	// Make sure the session actually works.
	go tlsclient.Write([]byte("PING\n"))
	buf := make([]byte, 5)
	if _, err := s.Read(buf); err != nil {
		t.Fatal(err)
	}
}

func TestMismatchedKeyPair(t *testing.T) {
	recorder := &testingx.Recorder{}
	kp := testingx.NewKeyPair(t, t.TempDir())
	other := testingx.NewKeyPair(t, t.TempDir())
	server, client := testingx.Socketpair(t)
	defer client.Close()
	_, err := New(newContext(recorder), server, Config{
		CertFile: kp.CertFile,
		KeyFile:  other.KeyFile,
	})
	var wrapper *model.ErrWrapper
	if !errors.As(err, &wrapper) {
		t.Fatal("not the error we expected")
	}
	if wrapper.Operation != OpPrivateKeyLoad {
		t.Fatal("unexpected operation")
	}
	if !errors.Is(err, tlsconf.ErrKeyMismatch) {
		t.Fatal("not the error we expected")
	}
	got := steps(recorder)
	if len(got) != 3 || got[2] != OpPrivateKeyLoad {
		t.Fatalf("later steps should not run: %v", got)
	}
}

func TestMissingCertificate(t *testing.T) {
	server, client := testingx.Socketpair(t)
	defer client.Close()
	_, err := New(context.Background(), server, Config{})
	var wrapper *model.ErrWrapper
	if !errors.As(err, &wrapper) {
		t.Fatal("not the error we expected")
	}
	if wrapper.Operation != OpCertificateLoad {
		t.Fatal("unexpected operation")
	}
	if !errors.Is(err, tlsconf.ErrEmptyPath) {
		t.Fatal("not the error we expected")
	}
}

func TestHandshakeFailure(t *testing.T) {
	kp := testingx.NewKeyPair(t, t.TempDir())
	server, client := testingx.Socketpair(t)
	go func() {
		client.Write([]byte("GET / HTTP/1.0\r\n\r\n"))
		client.Close()
	}()
	_, err := New(context.Background(), server, Config{
		CertFile: kp.CertFile,
		KeyFile:  kp.KeyFile,
	})
	var wrapper *model.ErrWrapper
	if !errors.As(err, &wrapper) {
		t.Fatal("not the error we expected")
	}
	if wrapper.Operation != OpHandshake {
		t.Fatal("unexpected operation")
	}
	if wrapper.Failure == "" {
		t.Fatal("expected a failure string")
	}
}

func TestEncryptedKey(t *testing.T) {
	passphrase := []byte("passphrase")
	kp := testingx.NewEncryptedKeyPair(t, t.TempDir(), passphrase)
	server, client := testingx.Socketpair(t)
	tlsclient := tls.Client(client, kp.ClientConfig())
	defer tlsclient.Close()
	go tlsclient.Handshake()
	s, err := New(context.Background(), server, Config{
		CertFile:   kp.CertFile,
		KeyFile:    kp.KeyFile,
		Passphrase: passphrase,
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
}
