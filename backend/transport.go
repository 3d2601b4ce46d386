package backend

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// Mode tags which of the six read/write behaviors TransportDriver is
// currently realizing. spec.md §9 describes the original as raw
// read_/write_ function pointers swapped by the lifecycle; a small
// exhaustive tagged variant is the idiomatic Go equivalent (the transition
// table is small and known ahead of time).
type Mode int

const (
	ModeNoop Mode = iota
	ModeClear
	ModeTLSHandshake
	ModeTLSSteady
	ModeProxyConnect
	ModeProxyRead
)

func (m Mode) String() string {
	switch m {
	case ModeClear:
		return "clear"
	case ModeTLSHandshake:
		return "tls-handshake"
	case ModeTLSSteady:
		return "tls-steady"
	case ModeProxyConnect:
		return "proxy-connect"
	case ModeProxyRead:
		return "proxy-read"
	default:
		return "noop"
	}
}

// TransportDriver wraps the raw socket (or, once negotiated, the TLS
// conn) and adapts it to the fixed read/write timeouts. The session swaps
// .Mode as the lifecycle advances; Read/Write dispatch on it.
type TransportDriver struct {
	conn net.Conn
	Mode Mode

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewTransportDriver builds a driver with no connection, in the Noop mode;
// the lifecycle installs the connection and Mode via SetConn once the
// socket is usable.
func NewTransportDriver(cfg *Config) *TransportDriver {
	return &TransportDriver{
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

// SetConn installs the active connection (plain socket, or the *tls.Conn
// produced by a completed handshake) and the mode to read/write it under.
func (d *TransportDriver) SetConn(c net.Conn, mode Mode) {
	d.conn = c
	d.Mode = mode
}

// Conn returns the currently installed connection, or nil.
func (d *TransportDriver) Conn() net.Conn { return d.conn }

// Reset returns the driver to ModeNoop and drops the connection reference,
// per spec.md invariant 3 ("on disconnect both are reset to a no-op pair").
// It does not close the connection; callers close it separately so the
// close error path stays in one place (Session.disconnect).
func (d *TransportDriver) Reset() {
	d.conn = nil
	d.Mode = ModeNoop
}

// Read performs one readv-equivalent call: a single Read into buf's
// writable segment, deadline-bounded by the configured read timeout. A
// timeout return stands in for EAGAIN in the evented original: the caller
// (the reader loop) treats it as read-timeout expiry, not as "keep
// retrying silently".
func (d *TransportDriver) Read(buf *ByteBuffer) (int, error) {
	if d.Mode == ModeNoop || d.conn == nil {
		return 0, fmt.Errorf("backend: read on noop transport")
	}
	if d.readTimeout > 0 {
		d.conn.SetReadDeadline(time.Now().Add(d.readTimeout))
	}
	n, err := buf.FillFrom(d.conn)
	if err == io.EOF {
		return n, fmt.Errorf("%w", ErrReadEOF)
	}
	return n, err
}

// Write drains buf to the connection, deadline-bounded by the configured
// write timeout. Renegotiation is never attempted from here: the
// tls-steady mode only ever calls the plain Conn.Write/Read pair, so a
// WANT_READ-during-write situation surfaces as an ordinary error from the
// tls package, which the caller treats as transport-fatal.
func (d *TransportDriver) Write(buf *ByteBuffer) (int, error) {
	if d.Mode == ModeNoop || d.conn == nil {
		return 0, fmt.Errorf("backend: write on noop transport")
	}
	if d.writeTimeout > 0 {
		d.conn.SetWriteDeadline(time.Now().Add(d.writeTimeout))
	}
	n, err := buf.DrainTo(d.conn)
	if isBrokenPipe(err) {
		return n, fmt.Errorf("%w", ErrWritePipe)
	}
	return n, err
}

// isBrokenPipe reports whether err is the peer having reset/closed its end
// of the connection mid-write, grounded on the teacher's own EPIPE check in
// nio/stream.go.
func isBrokenPipe(err error) bool {
	opErr, ok := err.(*net.OpError)
	return ok && errors.Is(opErr.Err, syscall.EPIPE)
}

// Handshake drives the TLS handshake (ModeTLSHandshake) to completion and
// returns the ALPN protocol the peer selected. Peer certificate checking is
// crypto/tls's own, governed by the tls.Config from tlsConfigFor (skipped
// when InsecureSkipVerify is set). Handshake does not check the protocol:
// Session.onConnect rejects anything but "h2", and the caller
// (Session.handleHandshakeResult) moves the driver to ModeTLSSteady.
func (d *TransportDriver) Handshake(timeout time.Duration) (negotiatedProto string, err error) {
	tc, ok := d.conn.(*tls.Conn)
	if !ok {
		return "", fmt.Errorf("backend: Handshake called without a tls.Conn")
	}
	if timeout > 0 {
		tc.SetDeadline(time.Now().Add(timeout))
	}
	if err := tc.Handshake(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	tc.SetDeadline(time.Time{})
	return tc.ConnectionState().NegotiatedProtocol, nil
}
