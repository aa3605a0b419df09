package connx_test

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/ooni/tlsproxy/internal/connx"
	"github.com/ooni/tlsproxy/internal/testingx"
)

func TestIntegrationMeasuringConn(t *testing.T) {
	recorder := &testingx.Recorder{}
	conn := net.Conn(&connx.MeasuringConn{
		Conn:      fakeconn{},
		Beginning: time.Now(),
		Handler:   recorder,
	})
	data := make([]byte, 1<<17)
	n, err := conn.Read(data)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Fatal("invalid number of bytes read")
	}
	n, err = conn.Write(data)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Fatal("invalid number of bytes written")
	}
	conn.Close()
	measurements := recorder.Measurements()
	if len(measurements) != 3 {
		t.Fatal("unexpected number of measurements")
	}
	if measurements[0].Read == nil || measurements[0].Read.NumBytes != 1<<17 {
		t.Fatal("unexpected read event")
	}
	if measurements[1].Write == nil || measurements[1].Write.NumBytes != 1<<17 {
		t.Fatal("unexpected write event")
	}
	if measurements[2].Close == nil {
		t.Fatal("unexpected close event")
	}
}

func TestFd(t *testing.T) {
	server, client := testingx.Socketpair(t)
	defer server.Close()
	defer client.Close()
	fd, err := connx.Fd(server)
	if err != nil {
		t.Fatal(err)
	}
	if fd < 0 {
		t.Fatal("invalid file descriptor")
	}
	wrapped := &connx.MeasuringConn{Conn: server, Handler: &testingx.Recorder{}}
	other, err := connx.Fd(wrapped)
	if err != nil {
		t.Fatal(err)
	}
	if other != fd {
		t.Fatal("unwrapping returned another descriptor")
	}
}

func TestFdNotPollable(t *testing.T) {
	_, err := connx.Fd(fakeconn{})
	if !errors.Is(err, connx.ErrNotPollable) {
		t.Fatal("not the error we expected")
	}
}

func TestFromFile(t *testing.T) {
	server, client := testingx.Socketpair(t)
	defer server.Close()
	defer client.Close()
	file, err := server.(interface{ File() (*os.File, error) }).File()
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	conn, err := connx.FromFile(file)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := client.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 'x' {
		t.Fatal("unexpected byte")
	}
}

type fakeconn struct{}

func (fakeconn) Read(b []byte) (n int, err error) {
	n = len(b)
	return
}

func (fakeconn) Write(b []byte) (n int, err error) {
	n = len(b)
	return
}

func (fakeconn) Close() (err error) {
	return
}

func (fakeconn) LocalAddr() net.Addr {
	return &net.UnixAddr{}
}

func (fakeconn) RemoteAddr() net.Addr {
	return &net.UnixAddr{}
}

func (fakeconn) SetDeadline(t time.Time) (err error) {
	return
}

func (fakeconn) SetReadDeadline(t time.Time) (err error) {
	return
}

func (fakeconn) SetWriteDeadline(t time.Time) (err error) {
	return
}
