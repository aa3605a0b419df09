// Package logger is a handler that emits logs
package logger

import (
	"crypto/tls"

	"github.com/apex/log"
	"github.com/ooni/tlsproxy/model"
)

var (
	tlsVersion = map[uint16]string{
		tls.VersionSSL30: "SSLv3",
		tls.VersionTLS10: "TLSv1",
		tls.VersionTLS11: "TLSv1.1",
		tls.VersionTLS12: "TLSv1.2",
		tls.VersionTLS13: "TLSv1.3",
	}
)

// Handler is a handler that logs events.
type Handler struct {
	logger log.Interface
}

// NewHandler returns a new logging handler.
func NewHandler(logger log.Interface) *Handler {
	return &Handler{logger: logger}
}

// OnMeasurement logs the specific measurement
func (h *Handler) OnMeasurement(m model.Measurement) {
	// Setup
	if m.SetupStep != nil {
		h.logger.WithFields(log.Fields{
			"blockedFor": m.SetupStep.Duration,
			"elapsed":    m.SetupStep.Time,
			"error":      m.SetupStep.Error,
			"operation":  m.SetupStep.Operation,
		}).Debug("setup: step done")
	}

	// Syscalls
	if m.Read != nil {
		h.logger.WithFields(log.Fields{
			"blockedFor": m.Read.Duration,
			"elapsed":    m.Read.Time,
			"error":      m.Read.Error,
			"numBytes":   m.Read.NumBytes,
		}).Debug("net: read done")
	}
	if m.Write != nil {
		h.logger.WithFields(log.Fields{
			"blockedFor": m.Write.Duration,
			"elapsed":    m.Write.Time,
			"error":      m.Write.Error,
			"numBytes":   m.Write.NumBytes,
		}).Debug("net: write done")
	}
	if m.Close != nil {
		h.logger.WithFields(log.Fields{
			"blockedFor": m.Close.Duration,
			"elapsed":    m.Close.Time,
			"error":      m.Close.Error,
		}).Debug("net: close done")
	}

	// TLS
	if m.TLSHandshake != nil {
		h.logger.WithFields(log.Fields{
			"alpn":       m.TLSHandshake.ConnectionState.NegotiatedProtocol,
			"blockedFor": m.TLSHandshake.Duration,
			"elapsed":    m.TLSHandshake.Time,
			"error":      m.TLSHandshake.Error,
			"outcome":    m.TLSHandshake.Outcome.String(),
			"sni":        m.TLSHandshake.ConnectionState.ServerName,
			"version":    tlsVersion[m.TLSHandshake.ConnectionState.Version],
		}).Debug("tls: handshake done")
	}

	// Child
	if m.Spawn != nil {
		h.logger.WithFields(log.Fields{
			"argv":       m.Spawn.Argv,
			"blockedFor": m.Spawn.Duration,
			"elapsed":    m.Spawn.Time,
			"error":      m.Spawn.Error,
			"pid":        m.Spawn.PID,
		}).Debug("child: spawn done")
	}
	if m.ChildExit != nil {
		h.logger.WithFields(log.Fields{
			"elapsed":  m.ChildExit.Time,
			"exitCode": m.ChildExit.ExitCode,
			"pid":      m.ChildExit.PID,
			"signaled": m.ChildExit.Signaled,
		}).Debug("child: exited")
	}

	// Relay
	if m.RelayRead != nil {
		h.logger.WithFields(log.Fields{
			"elapsed":  m.RelayRead.Time,
			"error":    m.RelayRead.Error,
			"numBytes": m.RelayRead.NumBytes,
			"source":   m.RelayRead.Source,
		}).Debug("relay: read done")
	}
	if m.RelayWrite != nil {
		h.logger.WithFields(log.Fields{
			"elapsed":  m.RelayWrite.Time,
			"error":    m.RelayWrite.Error,
			"numBytes": m.RelayWrite.NumBytes,
			"pending":  m.RelayWrite.Pending,
			"sink":     m.RelayWrite.Sink,
		}).Debug("relay: write done")
	}
	if m.RelayDone != nil {
		h.logger.WithFields(log.Fields{
			"bytesFromChild":   m.RelayDone.BytesFromChild,
			"bytesFromSession": m.RelayDone.BytesFromSession,
			"elapsed":          m.RelayDone.Time,
			"reason":           m.RelayDone.Reason,
		}).Info("relay: done")
	}
}
