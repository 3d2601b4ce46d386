package backend

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/h2proxy/backend-session/auth"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// wrapAsFakeConn drives the client-preface/Framer half of the fake-origin
// protocol over an already-established net.Conn (plaintext or TLS), the
// same way fakeOrigin.acceptLoop does for the plain S1/S4/S6 cases.
func wrapAsFakeConn(t *testing.T, conn net.Conn) *fakeConn {
	t.Helper()
	preface := make([]byte, len(http2.ClientPreface))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, preface); err != nil {
		t.Fatalf("reading client preface: %v", err)
	}
	if string(preface) != http2.ClientPreface {
		t.Fatalf("bad client preface: %q", preface)
	}
	conn.SetReadDeadline(time.Time{})
	fc := &fakeConn{t: t, conn: conn, fr: http2.NewFramer(conn, conn)}
	fc.henc = hpack.NewEncoder(&fc.hbuf)
	return fc
}

// TestS2ProxyConnectPlusTLS covers scenario S2: the session tunnels through
// an upstream HTTP proxy via CONNECT, then negotiates TLS (with h2 ALPN)
// over that same tunneled socket before ever speaking HTTP/2.
func TestS2ProxyConnectPlusTLS(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ca := auth.NewCA("cluster.local")
	serverCert := ca.NewTLSCert("default", "origin")

	connCh := make(chan *fakeConn, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		raw.SetReadDeadline(time.Now().Add(5 * time.Second))
		br := bufio.NewReader(raw)
		req, err := http.ReadRequest(br)
		if err != nil {
			t.Errorf("proxy: reading CONNECT request: %v", err)
			return
		}
		if req.Method != http.MethodConnect {
			t.Errorf("proxy: method = %q, want CONNECT", req.Method)
		}
		if _, err := raw.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
			t.Errorf("proxy: writing CONNECT response: %v", err)
			return
		}
		raw.SetReadDeadline(time.Time{})

		tlsConn := tls.Server(raw, &tls.Config{
			Certificates: []tls.Certificate{*serverCert},
			NextProtos:   []string{"h2"},
		})
		if err := tlsConn.Handshake(); err != nil {
			t.Errorf("proxy: TLS handshake: %v", err)
			return
		}
		connCh <- wrapAsFakeConn(t, tlsConn)
	}()

	cfg := DefaultConfig()
	cfg.Addrs = []string{"origin.internal:443"}
	cfg.Proxy = &ProxyConfig{Addr: ln.Addr().String()}
	cfg.TLS.Required = true
	cfg.TLS.InsecureSkipVerify = true

	sess := NewSession(cfg)
	sess.Run()
	t.Cleanup(sess.Close)
	if err := sess.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	var fc *fakeConn
	select {
	case fc = <-connCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the proxy+TLS handshake to complete")
	}

	fc.expectSettings(t)
	fc.sendSettings(t)
	fc.sendSettingsAck(t)

	dc := newTestDownstream()
	if err := sess.SubmitRequest(dc, Priority{}, http.MethodGet, "origin.internal:443", "/", "https", nil, nil); err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	hf := fc.expectHeaders(t)
	fc.sendResponseHeaders(t, hf.StreamID, "200", map[string]string{"content-length": "2"}, false)
	fc.sendData(t, hf.StreamID, []byte("ok"), true)

	select {
	case <-dc.bodyDoneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnDownstreamBodyComplete over the proxied TLS tunnel")
	}
	if string(dc.body()) != "ok" {
		t.Fatalf("body: got %q, want %q", dc.body(), "ok")
	}
}

// TestS5HealthCheckPing covers scenario S5: once the health timer fires with
// no traffic the session flags itself REQUIRED; the next SubmitRequest finds
// CanPushRequest false, queues instead of submitting, and itself promotes
// the check to STARTED by emitting a PING (mirroring
// Http2Session::start_checking_connection's "signal write on first blocked
// request" shape). The PING ACK then clears health back to NONE and flushes
// the queued request - the original's connection_alive() resuming requests
// queued behind a health check, generalized to this session's own state
// machine.
func TestS5HealthCheckPing(t *testing.T) {
	origin := newFakeOrigin(t)
	defer origin.Close()

	sess := newTestSession(t, origin)
	fc := handshake(t, origin)

	sess.do(func() {
		sess.health = HealthRequired
	})
	// Exercises testable property 4 under the health axis: a required (or
	// started) check blocks new requests just like a disconnected state does.
	if sess.CanPushRequest() {
		t.Fatalf("CanPushRequest() should be false once a health check is required")
	}

	dc := newTestDownstream()
	if err := sess.SubmitRequest(dc, Priority{}, http.MethodGet, origin.addr(), "/", "https", nil, nil); err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	sess.do(func() {
		if sess.health != HealthStarted {
			t.Fatalf("health state after a blocked SubmitRequest: got %v, want HealthStarted", sess.health)
		}
		if _, queued := sess.pendingReqs[dc]; !queued {
			t.Fatalf("request should have been queued, not submitted, while a health check is outstanding")
		}
	})

	f, err := fc.readFrameUntil(func(f http2.Frame) bool {
		p, ok := f.(*http2.PingFrame)
		return ok && !p.IsAck()
	})
	if err != nil {
		t.Fatalf("expected an outbound health PING: %v", err)
	}
	ping := f.(*http2.PingFrame)

	if err := fc.fr.WritePing(true, ping.Data); err != nil {
		t.Fatalf("sending PING ack: %v", err)
	}

	hf := fc.expectHeaders(t)
	fc.sendResponseHeaders(t, hf.StreamID, "200", map[string]string{"content-length": "0"}, true)
	select {
	case <-dc.headerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("queued request was never submitted after the PING ack cleared the health check")
	}

	sess.do(func() {
		if sess.health != HealthNone {
			t.Fatalf("health state after PING ack: got %v, want HealthNone", sess.health)
		}
	})
}
