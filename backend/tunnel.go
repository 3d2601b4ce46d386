package backend

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
)

// ProxyTunnel is the optional HTTP/1 CONNECT step used when Config.Proxy is
// set (spec.md §4.4). It writes the CONNECT request and parses just enough
// of the HTTP/1 response to learn the status code, using net/http's own
// response reader rather than hand-rolling one - no third-party HTTP/1
// parser appears anywhere in the retrieval pack, and net/http is already
// the pack's universal choice for HTTP/1 (hboned/handlers/*.go).
type ProxyTunnel struct {
	cfg  *ProxyConfig
	conn net.Conn
}

// NewProxyTunnel builds a tunnel driver for the given proxy config and
// already-connected socket to the proxy.
func NewProxyTunnel(cfg *ProxyConfig, conn net.Conn) *ProxyTunnel {
	return &ProxyTunnel{cfg: cfg, conn: conn}
}

// ConnectRequest renders the CONNECT request line, Host header, optional
// Proxy-Authorization, and terminator, per spec.md §6's wire format.
func (p *ProxyTunnel) ConnectRequest(targetHostPort string) []byte {
	host := targetHostPort
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", host, hostOnly(host))
	if p.cfg.Userinfo != "" {
		req += "Proxy-Authorization: Basic " + base64.StdEncoding.EncodeToString([]byte(p.cfg.Userinfo)) + "\r\n"
	}
	req += "\r\n"
	return []byte(req)
}

func hostOnly(hostport string) string {
	h, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return h
}

// ReadStatus blocks for the proxy's response line and headers, returning
// the status code. Per spec.md §4.4, a parser error is fatal; any
// non-2xx response is reported to the caller via the returned status so
// it can drive PROXY_CONNECTED vs PROXY_FAILED.
//
// Because the proxy could in principle pipeline TLS/H2 bytes right after
// the blank line, any bytes bufio over-read past the response are
// returned as leftover so the caller can seed its own read buffer with
// them before switching to the next transport mode.
func (p *ProxyTunnel) ReadStatus() (status int, leftover []byte, err error) {
	br := bufio.NewReader(p.conn)
	resp, rerr := http.ReadResponse(br, nil)
	if rerr != nil {
		return 0, nil, fmt.Errorf("backend: proxy CONNECT response parse failed: %w", rerr)
	}
	resp.Body.Close()
	if n := br.Buffered(); n > 0 {
		leftover = make([]byte, n)
		br.Read(leftover)
	}
	return resp.StatusCode, leftover, nil
}
