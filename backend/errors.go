package backend

import "errors"

// Error taxonomy per spec.md §7. Plain errors.New/fmt.Errorf with %w
// wrapping, exactly as the teacher does throughout hboned.go, auth.go and
// h2/*.go - no pkg/errors or multierr anywhere in the pack.

var (
	// ErrTransportFatal-class sentinels.
	ErrConnectFailed   = errors.New("backend: connect failed")
	ErrReadEOF         = errors.New("backend: read EOF")
	ErrWritePipe       = errors.New("backend: write EPIPE")
	ErrHandshakeFailed = errors.New("backend: TLS handshake failed")
	ErrNotHTTP2        = errors.New("backend: TLS negotiated without h2 ALPN")

	// Protocol-fatal.
	ErrSettingsTimeout    = errors.New("backend: SETTINGS ACK timeout")
	ErrPrefaceTooLarge    = errors.New("backend: preface does not fit write buffer")
	ErrInadequateSecurity = errors.New("backend: TLS does not meet HTTP/2 requirements")

	// Stream-fatal.
	ErrBadHeader       = errors.New("backend: malformed response header")
	ErrDuplicateLength = errors.New("backend: duplicate content-length")
	ErrUnexpectedData  = errors.New("backend: unexpected DATA on non-final response")

	// Submission.
	ErrSessionNotConnected = errors.New("backend: session is not connected")
	ErrUnknownStream       = errors.New("backend: unknown or closed stream")
	ErrDuplicateSubmission = errors.New("backend: downstream already bound to a stream")

	// Proxy tunnel.
	ErrProxyConnectFailed = errors.New("backend: proxy CONNECT failed")
)
