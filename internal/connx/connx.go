// Package connx contains net.Conn extensions
package connx

import (
	"errors"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/ooni/tlsproxy/model"
)

// ErrNotPollable indicates that a connection does not expose the
// underlying file descriptor.
var ErrNotPollable = errors.New("connx: connection does not expose a file descriptor")

// MeasuringConn is a net.Conn used to perform measurements
type MeasuringConn struct {
	net.Conn
	Beginning time.Time
	Handler   model.Handler
}

// Read reads data from the connection.
func (c *MeasuringConn) Read(b []byte) (n int, err error) {
	start := time.Now()
	n, err = c.Conn.Read(b)
	stop := time.Now()
	c.Handler.OnMeasurement(model.Measurement{
		Read: &model.ReadEvent{
			Duration: stop.Sub(start),
			Error:    err,
			NumBytes: int64(n),
			Time:     stop.Sub(c.Beginning),
		},
	})
	return
}

// Write writes data to the connection
func (c *MeasuringConn) Write(b []byte) (n int, err error) {
	start := time.Now()
	n, err = c.Conn.Write(b)
	stop := time.Now()
	c.Handler.OnMeasurement(model.Measurement{
		Write: &model.WriteEvent{
			Duration: stop.Sub(start),
			Error:    err,
			NumBytes: int64(n),
			Time:     stop.Sub(c.Beginning),
		},
	})
	return
}

// Close closes the connection
func (c *MeasuringConn) Close() (err error) {
	start := time.Now()
	err = c.Conn.Close()
	stop := time.Now()
	c.Handler.OnMeasurement(model.Measurement{
		Close: &model.CloseEvent{
			Duration: stop.Sub(start),
			Error:    err,
			Time:     stop.Sub(c.Beginning),
		},
	})
	return
}

// Fd returns the file descriptor backing conn, so that it can be
// polled for readiness. The descriptor stays owned by conn.
func Fd(conn net.Conn) (int, error) {
	if mc, ok := conn.(*MeasuringConn); ok {
		conn = mc.Conn
	}
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, ErrNotPollable
	}
	rawconn, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	err = rawconn.Control(func(sysfd uintptr) {
		fd = int(sysfd)
	})
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// FromFile returns a net.Conn using a duplicate of file's descriptor.
// The caller keeps ownership of file and should close it.
func FromFile(file *os.File) (net.Conn, error) {
	return net.FileConn(file)
}
