package backend

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// MaxHeadersSum is the upper bound on total response-header bytes per
// spec.md §4.6 ("Total response-header byte sum ≤ MAX_HEADERS_SUM").
const MaxHeadersSum = 64 * 1024

// connectionSpecificHeaders must never appear on a response, per spec.md
// §4.6; their presence is a PROTOCOL_ERROR, not a dropped header.
var connectionSpecificHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
	"host":              true,
}

// teHeaderAllowedValue is the only "te" value permitted on a response by
// HTTP/2 (RFC 7540 §8.1.2.2); any other "te" value is connection-specific.
const teHeaderAllowedValue = "trailers"

// ProtocolEngine is the HTTP/2 callback surface bound to one Session: it
// turns golang.org/x/net/http2 frames into mutations on DownstreamConnection
// state and into RST_STREAM/GOAWAY submissions, per spec.md §4.6. It is the
// public stand-in for "the HTTP/2 framing/HPACK codec ... assumed available
// as a library with callbacks" named as out of scope in spec.md §1.
type ProtocolEngine struct {
	sess *Session

	framer   *http2.Framer
	hpackEnc *hpack.Encoder
	encBuf   bytes.Buffer

	nextStreamID uint32
	settingsSent bool

	// connRecvWindow mirrors the connection-level receive window this
	// engine has refunded to the peer via WINDOW_UPDATE; it is pure
	// observability, not the authoritative window (the peer's SETTINGS
	// plus every WriteWindowUpdate call are).
	connRecvWindow int32
}

// connReader adapts a Session's TransportDriver+read ByteBuffer pair into
// an io.Reader for http2.Framer, realizing spec.md §2's data flow "socket
// bytes -> ByteBuffer(read) -> ProtocolEngine via incremental parse".
//
// live is called on every successful raw socket read, before the bytes are
// ever handed to the Framer - it runs on the read-loop goroutine (not the
// session loop) and exists so liveness tracking sees byte-level activity
// rather than only fully-decoded frames, matching readcb calling
// connection_alive() ahead of do_read() in the original.
type connReader struct {
	d    *TransportDriver
	buf  *ByteBuffer
	live func()
}

func (r *connReader) Read(p []byte) (int, error) {
	if r.buf.Empty() {
		if _, err := r.d.Read(r.buf); err != nil {
			return 0, err
		}
		if r.live != nil {
			r.live()
		}
	}
	return r.buf.Read(p), nil
}

// writeBufAdapter adapts the write ByteBuffer into an io.Writer for
// http2.Framer. A short write (buffer overflow) is reported as an error,
// never a panic, per spec.md §4.1.
type writeBufAdapter struct{ buf *ByteBuffer }

func (w *writeBufAdapter) Write(p []byte) (int, error) {
	n := w.buf.Write(p)
	if n < len(p) {
		return n, fmt.Errorf("backend: write buffer full (wanted %d, wrote %d)", len(p), n)
	}
	return n, nil
}

// NewProtocolEngine creates a client-mode engine bound to sess's transport
// and buffers. Called exactly once per CONNECTED entry, from on-connect
// (spec.md §4.8 step 2).
func NewProtocolEngine(sess *Session) *ProtocolEngine {
	e := &ProtocolEngine{
		sess:         sess,
		nextStreamID: 1, // client streams are odd-numbered
	}
	e.framer = http2.NewFramer(&writeBufAdapter{sess.writeBuf}, &connReader{sess.transport, sess.readBuf, sess.signalReadActivity})
	e.framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	e.framer.MaxHeaderListSize = MaxHeadersSum
	e.hpackEnc = hpack.NewEncoder(&e.encBuf)
	return e
}

// AllocStreamID returns the next client stream id and advances the
// counter, per spec.md §4.5 submit_request ("asks the protocol engine for
// a new stream id").
func (e *ProtocolEngine) AllocStreamID() uint32 {
	id := e.nextStreamID
	e.nextStreamID += 2
	return id
}

// WritePreface stages the 24-byte client connection preface directly into
// the write buffer (spec.md §4.8 step 6). A failure here is
// protocol-fatal: ErrPrefaceTooLarge per spec.md §7.
func (e *ProtocolEngine) WritePreface() error {
	n := e.sess.writeBuf.Write([]byte(http2.ClientPreface))
	if n != len(http2.ClientPreface) {
		return ErrPrefaceTooLarge
	}
	return nil
}

// WriteSettings submits the initial SETTINGS frame (spec.md §4.8 step 4)
// and arms the SETTINGS-ACK timer on the first, un-acked SETTINGS send
// (spec.md §4.6 on-frame-send).
func (e *ProtocolEngine) WriteSettings(settings ...http2.Setting) error {
	if err := e.framer.WriteSettings(settings...); err != nil {
		return err
	}
	if !e.settingsSent {
		e.settingsSent = true
		e.sess.timers.SettingsAck.Arm()
	}
	return nil
}

// WriteSettingsAck acknowledges a peer SETTINGS frame.
func (e *ProtocolEngine) WriteSettingsAck() error {
	return e.framer.WriteSettingsAck()
}

// WriteWindowUpdate submits a WINDOW_UPDATE for streamID (0 = connection
// level), per spec.md §4.8 step 5.
func (e *ProtocolEngine) WriteWindowUpdate(streamID uint32, incr uint32) error {
	if incr == 0 {
		return nil
	}
	return e.framer.WriteWindowUpdate(streamID, incr)
}

// WriteRequestHeaders encodes and submits a HEADERS frame for a new
// request. endStream is true when there is no request body.
func (e *ProtocolEngine) WriteRequestHeaders(id uint32, method, authority, path, scheme string, hdr http.Header, endStream bool) error {
	e.encBuf.Reset()
	write := func(name, val string) error {
		return e.hpackEnc.WriteField(hpack.HeaderField{Name: name, Value: val})
	}
	if err := write(":method", method); err != nil {
		return err
	}
	if method != http.MethodConnect {
		if err := write(":scheme", scheme); err != nil {
			return err
		}
		if err := write(":path", path); err != nil {
			return err
		}
	}
	if err := write(":authority", authority); err != nil {
		return err
	}
	for k, vv := range hdr {
		lk := strings.ToLower(k)
		if connectionSpecificHeaders[lk] {
			continue
		}
		for _, v := range vv {
			if err := write(lk, v); err != nil {
				return err
			}
		}
	}
	return e.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: e.encBuf.Bytes(),
		EndStream:     endStream,
		EndHeaders:    true,
	})
}

// WriteData submits a DATA frame for an in-flight request body chunk.
func (e *ProtocolEngine) WriteData(id uint32, chunk []byte, endStream bool) error {
	return e.framer.WriteData(id, endStream, chunk)
}

// SubmitRSTStream sends RST_STREAM, the best-effort reset described in
// spec.md §4.5. Errors are logged and returned as non-fatal.
func (e *ProtocolEngine) SubmitRSTStream(id uint32, code http2.ErrCode) error {
	if err := e.framer.WriteRSTStream(id, code); err != nil {
		logf("backend: submit_rst_stream(%d, %v): %v", id, code, err)
		return err
	}
	metricRSTStreamsSent.Add(1)
	return nil
}

// SubmitGoAway sends GOAWAY with the given last-processed stream id and
// error code, per spec.md §7's protocol-fatal action.
func (e *ProtocolEngine) SubmitGoAway(lastStreamID uint32, code http2.ErrCode, debug []byte) error {
	return e.framer.WriteGoAway(lastStreamID, code, debug)
}

// SubmitPriority wires PRIORITY through honestly, resolving the spec.md §9
// open question in favor of "wire it through the protocol engine
// honestly" rather than a hard-coded success no-op.
func (e *ProtocolEngine) SubmitPriority(id uint32, dep uint32, weight uint8, exclusive bool) error {
	return e.framer.WritePriority(id, http2.PriorityParam{
		StreamDep: dep,
		Weight:    weight,
		Exclusive: exclusive,
	})
}

// SubmitPing submits a PING frame; ack distinguishes an outgoing health
// probe (ack=false) from a reply to a peer's PING (ack=true).
func (e *ProtocolEngine) SubmitPing(data [8]byte, ack bool) error {
	return e.framer.WritePing(ack, data)
}

// ReadFrame blocks until the next frame arrives (or a transport/protocol
// error occurs), via the connReader chain installed at construction.
func (e *ProtocolEngine) ReadFrame() (http2.Frame, error) {
	return e.framer.ReadFrame()
}

// errCodeInternal/httpErrCode let callers outside this file (registry.go's
// SubmitRSTStream, which only knows the wire uint32) submit an RST_STREAM
// without importing golang.org/x/net/http2 themselves.
const errCodeInternal = uint32(http2.ErrCodeInternal)

func httpErrCode(code uint32) http2.ErrCode { return http2.ErrCode(code) }

// --- §4.6 dispatch -----------------------------------------------------

// Dispatch implements on-frame-recv: translate one received frame into
// Session/DownstreamConnection mutations. Every branch must be idempotent
// with respect to unknown/closed streams (spec.md §4.6 preamble).
func (e *ProtocolEngine) Dispatch(f http2.Frame) {
	switch fr := f.(type) {
	case *http2.MetaHeadersFrame:
		e.handleHeaders(fr)
	case *http2.DataFrame:
		e.handleData(fr)
	case *http2.RSTStreamFrame:
		e.handleRSTStream(fr)
	case *http2.SettingsFrame:
		e.handleSettings(fr)
	case *http2.PingFrame:
		e.handlePing(fr)
	case *http2.PushPromiseFrame:
		// Server push is refused outright (spec.md §1 non-goals, §4.6,
		// §8 scenario S6).
		e.SubmitRSTStream(fr.PromiseID, http2.ErrCodeRefusedStream)
	case *http2.GoAwayFrame:
		logf("backend: received GOAWAY code=%v lastStreamID=%d", fr.ErrCode, fr.LastStreamID)
	case *http2.WindowUpdateFrame:
		// The send-side flow-control window is not tracked: a peer
		// WINDOW_UPDATE is ignored, and DATA is written without checking
		// the peer's window.
	default:
		// All other frames: ignore.
	}
}

// handleHeaders implements on-begin-headers + on-header + the HEADERS arm
// of on-frame-recv (spec.md §4.6) in one pass, leaning on
// http2.Framer.ReadMetaHeaders to have already coalesced HEADERS+
// CONTINUATION and performed HPACK decode.
func (e *ProtocolEngine) handleHeaders(f *http2.MetaHeadersFrame) {
	sd, ok := e.sess.streams.Lookup(f.StreamID)
	if !ok {
		// on-begin-headers: stream does not belong to a known downstream.
		e.SubmitRSTStream(f.StreamID, http2.ErrCodeInternal)
		return
	}
	dc := sd.Dconn()
	if dc == nil {
		return
	}

	isTrailer := dc.ResponseState() == MsgHeaderComplete
	if isTrailer && !dc.ExpectFinalResponse() && !f.StreamEnded() {
		// Trailing HEADERS without END_STREAM: PROTOCOL_ERROR.
		e.failStream(sd, http2.ErrCodeProtocol, MsgBadHeader)
		return
	}
	if f.Truncated {
		e.failStream(sd, http2.ErrCodeProtocol, MsgBadHeader)
		return
	}

	status, header, contentLength, fatal := e.processResponseFields(f.Fields)
	if fatal != nil {
		e.failStream(sd, http2.ErrCodeProtocol, MsgBadHeader)
		return
	}
	if contentLength >= 0 {
		dc.SetContentLength(contentLength)
	}

	if !isTrailer {
		dc.SetResponseState(MsgHeaderComplete)
		dc.OnDownstreamHeaderComplete(status, header)
	}

	if f.StreamEnded() {
		e.sess.timers.Read.Stop()
		if dc.ResponseState() == MsgHeaderComplete {
			dc.SetResponseState(MsgComplete)
			dc.OnDownstreamBodyComplete()
		}
		e.onStreamClose(sd, http2.ErrCodeNo)
	}
}

// processResponseFields applies spec.md §4.6's on-header rules to a
// decoded HEADERS/TRAILERS block. It returns the parsed :status (-1 if
// absent/trailer), the regular headers, and the parsed content-length
// (-1 if absent). A non-nil error means the whole block is a
// PROTOCOL_ERROR (RST_STREAM + temporal failure); individual invalid
// headers are dropped rather than failing the block.
func (e *ProtocolEngine) processResponseFields(fields []hpack.HeaderField) (status int, header http.Header, contentLength int64, err error) {
	header = make(http.Header, len(fields))
	contentLength = -1
	status = -1
	var sum int
	var sawLength bool

	for _, hf := range fields {
		sum += len(hf.Name) + len(hf.Value) + 32 // HPACK accounting overhead
		if sum > MaxHeadersSum {
			return 0, nil, 0, fmt.Errorf("backend: response header sum exceeds %d", MaxHeadersSum)
		}

		name := hf.Name
		if strings.HasPrefix(name, ":") {
			if name != ":status" {
				// Only :status is valid on a response.
				return 0, nil, 0, fmt.Errorf("%w: disallowed pseudo-header %q on response", ErrBadHeader, name)
			}
			code, cerr := strconv.Atoi(hf.Value)
			if cerr != nil {
				return 0, nil, 0, fmt.Errorf("%w: invalid :status %q", ErrBadHeader, hf.Value)
			}
			status = code
			continue
		}

		lname := strings.ToLower(name)
		if lname == "te" && hf.Value != teHeaderAllowedValue {
			return 0, nil, 0, fmt.Errorf("%w: disallowed te value %q", ErrBadHeader, hf.Value)
		}
		if connectionSpecificHeaders[lname] {
			return 0, nil, 0, fmt.Errorf("%w: connection-specific header %q on response", ErrBadHeader, lname)
		}
		if !httpguts.ValidHeaderFieldName(lname) || !httpguts.ValidHeaderFieldValue(hf.Value) {
			// Drop the single header, continue processing the rest.
			continue
		}

		if lname == "content-length" {
			if sawLength {
				return 0, nil, 0, fmt.Errorf("%w", ErrDuplicateLength)
			}
			n, perr := strconv.ParseInt(hf.Value, 10, 64)
			if perr != nil || n < 0 {
				return 0, nil, 0, fmt.Errorf("%w: malformed content-length %q", ErrBadHeader, hf.Value)
			}
			sawLength = true
			contentLength = n
		}
		header.Add(lname, hf.Value)
	}
	return status, header, contentLength, nil
}

// failStream is the common "RST_STREAM + mark the downstream + notify
// upstream + remove the record" tail shared by every stream-fatal header
// violation in §4.6. It does not go through onStreamClose: that dispatcher
// applies the ordinary RST_STREAM/END_STREAM state rules, which would
// stomp the specific MsgBadHeader state (and double-fire the abort
// notification) failStream has already applied.
func (e *ProtocolEngine) failStream(sd *StreamData, code http2.ErrCode, state ResponseState) {
	e.SubmitRSTStream(sd.id, code)
	if dc := sd.Dconn(); dc != nil {
		dc.SetResponseState(state)
		dc.OnDownstreamAbortRequest(http.StatusBadGateway)
	}
	e.sess.streams.RemoveStream(sd)
}

// handleData implements on-data-chunk + the DATA arm of on-frame-recv.
func (e *ProtocolEngine) handleData(f *http2.DataFrame) {
	sd, ok := e.sess.streams.Lookup(f.StreamID)
	if !ok {
		return
	}
	dc := sd.Dconn()
	if dc == nil {
		return
	}
	if dc.ResponseState() != MsgHeaderComplete {
		// Data after a non-final (or absent) response is a protocol
		// violation: reset, refund flow-control credit, continue serving
		// other streams.
		logf("backend: stream %d: %v", f.StreamID, ErrUnexpectedData)
		e.SubmitRSTStream(f.StreamID, http2.ErrCodeProtocol)
		e.refundConnWindow(len(f.Data()))
		e.onStreamClose(sd, http2.ErrCodeProtocol)
		return
	}

	e.sess.timers.Read.Arm()
	if len(f.Data()) > 0 {
		dc.OnDownstreamBody(f.Data(), f.StreamEnded())
		// The Framer has no implicit/auto window-update mode (unlike
		// nghttp2's default), so every consumed byte must be credited
		// back on both the stream and connection windows or the peer
		// stalls once its initial window is exhausted.
		e.refundConnWindow(len(f.Data()))
		if !f.StreamEnded() {
			if err := e.WriteWindowUpdate(f.StreamID, uint32(len(f.Data()))); err != nil {
				logf("backend: stream window update: %v", err)
			}
		}
	}
	if f.StreamEnded() {
		e.sess.timers.Read.Stop()
		dc.SetResponseState(MsgComplete)
		dc.OnDownstreamBodyComplete()
		e.onStreamClose(sd, http2.ErrCodeNo)
	}
	e.sess.signalWrite()
}

// refundConnWindow credits n bytes of consumed DATA back onto the
// connection-level flow-control window (spec.md's on-data-chunk "session
// consume()"), tracking connRecvWindow purely for observability.
func (e *ProtocolEngine) refundConnWindow(n int) {
	if n == 0 {
		return
	}
	e.connRecvWindow += int32(n)
	if err := e.WriteWindowUpdate(0, uint32(n)); err != nil {
		logf("backend: connection window update: %v", err)
	}
}

func (e *ProtocolEngine) handleRSTStream(f *http2.RSTStreamFrame) {
	sd, ok := e.sess.streams.Lookup(f.StreamID)
	if !ok {
		return
	}
	if dc := sd.Dconn(); dc != nil {
		dc.SetPeerErrorCode(uint32(f.ErrCode))
	}
	e.onStreamClose(sd, f.ErrCode)
}

// onStreamClose implements spec.md §4.6's on-stream-close: finalize the
// downstream's terminal state and remove the StreamData. Since
// golang.org/x/net/http2.Framer has no notion of stream lifecycle (that
// bookkeeping belongs to the library-internal ClientConn this spec
// deliberately does not use, per spec.md §1's "protocol engine ... assumed
// available as a library with callbacks"), this engine decides stream
// closure itself: a response-side END_STREAM (handleHeaders/handleData) or
// an RST_STREAM in either direction both call in here exactly once.
func (e *ProtocolEngine) onStreamClose(sd *StreamData, errCode http2.ErrCode) {
	if dc := sd.Dconn(); dc != nil {
		switch {
		case dc.Upgraded() && dc.ResponseState() == MsgHeaderComplete:
			// Tunneled CONNECT-style upgrade: the byte stream itself has no
			// END_STREAM-shaped body, so its completion is only observable
			// as a stream close.
			dc.SetResponseState(MsgComplete)
			dc.OnDownstreamBodyComplete()
		case errCode == http2.ErrCodeNo:
			if dc.ResponseState() != MsgComplete && dc.ResponseState() != MsgBadHeader {
				dc.SetResponseState(MsgReset)
				dc.OnDownstreamAbortRequest(http.StatusBadGateway)
			}
		default:
			dc.SetResponseState(MsgReset)
			dc.OnDownstreamAbortRequest(http.StatusBadGateway)
		}
	}
	e.sess.streams.RemoveStream(sd)
}

func (e *ProtocolEngine) handleSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		e.sess.timers.SettingsAck.Stop()
		return
	}
	e.WriteSettingsAck()
	e.sess.signalWrite()
}

func (e *ProtocolEngine) handlePing(f *http2.PingFrame) {
	if f.IsAck() {
		return
	}
	e.SubmitPing(f.Data, true)
	e.sess.signalWrite()
}

// OnFrameSend implements spec.md §4.6's on-frame-send: reset the
// per-stream read timer when a request-side DATA/HEADERS carrying
// END_STREAM goes out on a known stream.
func (e *ProtocolEngine) OnFrameSend(streamID uint32, endStream bool) {
	if endStream {
		if _, ok := e.sess.streams.Lookup(streamID); ok {
			e.sess.timers.Read.Arm()
		}
	}
}
