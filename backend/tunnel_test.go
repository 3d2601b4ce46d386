package backend

import (
	"net"
	"strings"
	"testing"
)

func TestProxyTunnelConnectRequest(t *testing.T) {
	cfg := &ProxyConfig{Userinfo: "alice:secret"}
	pt := NewProxyTunnel(cfg, nil)

	req := string(pt.ConnectRequest("backend.example.com:443"))
	if !strings.HasPrefix(req, "CONNECT backend.example.com:443 HTTP/1.1\r\n") {
		t.Fatalf("unexpected request line: %q", req)
	}
	if !strings.Contains(req, "Host: backend.example.com\r\n") {
		t.Fatalf("missing Host header: %q", req)
	}
	if !strings.Contains(req, "Proxy-Authorization: Basic ") {
		t.Fatalf("missing Proxy-Authorization header: %q", req)
	}
	if !strings.HasSuffix(req, "\r\n\r\n") {
		t.Fatalf("missing terminating blank line: %q", req)
	}
}

func TestProxyTunnelConnectRequestNoAuth(t *testing.T) {
	pt := NewProxyTunnel(&ProxyConfig{}, nil)
	req := string(pt.ConnectRequest("backend.example.com:443"))
	if strings.Contains(req, "Proxy-Authorization") {
		t.Fatalf("unexpected Proxy-Authorization with no userinfo configured: %q", req)
	}
}

func TestProxyTunnelReadStatusOK(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		server.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\nleftover-bytes"))
	}()

	pt := NewProxyTunnel(&ProxyConfig{}, client)
	status, leftover, err := pt.ReadStatus()
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if status != 200 {
		t.Fatalf("status: got %d, want 200", status)
	}
	if string(leftover) != "leftover-bytes" {
		t.Fatalf("leftover: got %q, want %q", leftover, "leftover-bytes")
	}
}

func TestProxyTunnelReadStatusNonOK(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		server.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
	}()

	pt := NewProxyTunnel(&ProxyConfig{}, client)
	status, _, err := pt.ReadStatus()
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if status != 407 {
		t.Fatalf("status: got %d, want 407", status)
	}
}
