package tlsproxy_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"github.com/ooni/tlsproxy"
	"github.com/ooni/tlsproxy/internal/relay"
	"github.com/ooni/tlsproxy/internal/session"
	"github.com/ooni/tlsproxy/internal/testingx"
	"github.com/ooni/tlsproxy/model"
)

type serveResult struct {
	result *tlsproxy.Result
	err    error
}

func serveAsync(t *testing.T, config tlsproxy.Config) (*tls.Conn, *testingx.KeyPair, <-chan serveResult) {
	t.Setenv("SHELL", "/bin/sh")
	kp := testingx.NewKeyPair(t, t.TempDir())
	if config.CertFile == "" {
		config.CertFile = kp.CertFile
	}
	if config.KeyFile == "" {
		config.KeyFile = kp.KeyFile
	}
	config.Relay.PollTimeout = 100 * time.Millisecond
	server, client := testingx.Socketpair(t)
	ch := make(chan serveResult, 1)
	go func() {
		result, err := tlsproxy.Serve(context.Background(), server, config)
		ch <- serveResult{result: result, err: err}
	}()
	conn := tls.Client(client, kp.ClientConfig())
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn, kp, ch
}

func wait(t *testing.T, ch <-chan serveResult) serveResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}
	return serveResult{}
}

func TestIntegrationEcho(t *testing.T) {
	recorder := &testingx.Recorder{}
	conn, _, ch := serveAsync(t, tlsproxy.Config{
		Command: "cat",
		Handler: recorder,
	})
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for _, line := range []string{"PING\n", "X\n", "Y\n"} {
		if _, err := conn.Write([]byte(line)); err != nil {
			t.Fatal(err)
		}
		got, err := reader.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if got != line {
			t.Fatalf("unexpected echo: %q", got)
		}
	}
	conn.Close()
	r := wait(t, ch)
	if r.err != nil {
		t.Fatal(r.err)
	}
	if r.result.Relay.BytesFromSession != 9 || r.result.Relay.BytesFromChild != 9 {
		t.Fatal("unexpected byte counters")
	}
}

func TestIntegrationChildExitsImmediately(t *testing.T) {
	conn, _, ch := serveAsync(t, tlsproxy.Config{Command: "exit 1"})
	defer conn.Close()
	if err := conn.Handshake(); err != nil {
		t.Fatal(err)
	}
	r := wait(t, ch)
	if r.err != nil {
		t.Fatal(r.err)
	}
	switch r.result.Relay.Reason {
	case relay.ReasonChildExit, relay.ReasonStdoutHangup, relay.ReasonStdinHangup:
	default:
		t.Fatalf("unexpected reason: %s", r.result.Relay.Reason)
	}
}

func TestIntegrationChildExitStatus(t *testing.T) {
	conn, _, ch := serveAsync(t, tlsproxy.Config{Command: "exit 7"})
	defer conn.Close()
	if err := conn.Handshake(); err != nil {
		t.Fatal(err)
	}
	r := wait(t, ch)
	if r.err != nil {
		t.Fatal(r.err)
	}
	if !r.result.Exited || r.result.ExitCode != 7 {
		t.Fatalf("unexpected exit status: %+v", r.result)
	}
}

func TestIntegrationWriteRightAfterHandshake(t *testing.T) {
	conn, _, ch := serveAsync(t, tlsproxy.Config{Command: "cat"})
	defer conn.Close()
	if err := conn.Handshake(); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte("PING\n")); err != nil {
		t.Fatal(err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "PING\n" {
		t.Fatalf("unexpected echo: %q", line)
	}
	conn.Close()
	if r := wait(t, ch); r.err != nil {
		t.Fatal(r.err)
	}
}

func TestIntegrationExitStatusIsAlwaysObserved(t *testing.T) {
	for i := 0; i < 10; i++ {
		conn, _, ch := serveAsync(t, tlsproxy.Config{Command: "exit 7"})
		if err := conn.Handshake(); err != nil {
			t.Fatal(err)
		}
		r := wait(t, ch)
		conn.Close()
		if r.err != nil {
			t.Fatal(r.err)
		}
		if !r.result.Exited || r.result.ExitCode != 7 {
			t.Fatalf("run %d: exit not observed (reason %s)", i, r.result.Relay.Reason)
		}
	}
}

func TestMismatchedKeyPairSpawnsNothing(t *testing.T) {
	recorder := &testingx.Recorder{}
	other := testingx.NewKeyPair(t, t.TempDir())
	conn, _, ch := serveAsync(t, tlsproxy.Config{
		KeyFile: other.KeyFile,
		Command: "cat",
		Handler: recorder,
	})
	defer conn.Close()
	r := wait(t, ch)
	var wrapper *model.ErrWrapper
	if !errors.As(r.err, &wrapper) {
		t.Fatal("not the error we expected")
	}
	if wrapper.Operation != session.OpPrivateKeyLoad {
		t.Fatal("unexpected operation")
	}
	if r.result != nil {
		t.Fatal("expected nil result")
	}
	for _, m := range recorder.Measurements() {
		if m.Spawn != nil || m.TLSHandshake != nil {
			t.Fatal("nothing should happen after the setup failure")
		}
	}
}

func TestClientClosesFirst(t *testing.T) {
	conn, _, ch := serveAsync(t, tlsproxy.Config{Command: "cat"})
	if err := conn.Handshake(); err != nil {
		t.Fatal(err)
	}
	conn.Close()
	r := wait(t, ch)
	if r.err != nil {
		t.Fatal(r.err)
	}
	if r.result.Relay.BytesToChild != 0 {
		t.Fatal("bytes have been written to the child")
	}
	switch r.result.Relay.Reason {
	case relay.ReasonSessionClosed, relay.ReasonSessionHangup:
	default:
		t.Fatalf("unexpected reason: %s", r.result.Relay.Reason)
	}
}
