package backend

import "net/http"

// ResponseState tracks per-stream response progress, per spec.md §6
// ("Stream bookkeeping: ... get/set response state").
type ResponseState int

const (
	MsgInitial ResponseState = iota
	MsgHeaderComplete
	MsgComplete
	MsgBadHeader
	MsgReset
)

func (s ResponseState) String() string {
	switch s {
	case MsgInitial:
		return "INITIAL"
	case MsgHeaderComplete:
		return "HEADER_COMPLETE"
	case MsgComplete:
		return "MSG_COMPLETE"
	case MsgBadHeader:
		return "MSG_BAD_HEADER"
	case MsgReset:
		return "MSG_RESET"
	default:
		return "UNKNOWN"
	}
}

// BodyProvider supplies the request body for a submitted request as a
// sequence of chunks; returning (nil, true, nil) signals end of body with
// no final chunk.
type BodyProvider interface {
	NextChunk() (chunk []byte, last bool, err error)
}

// DownstreamConnection is the capability set a Session consumes from, and
// offers to, the upstream-facing side of the proxy (spec.md §3, §6). It is
// opaque beyond these methods: the core never owns one, only holds a weak
// (non-owning) reference to it.
type DownstreamConnection interface {
	// StreamID / SetStreamID bind this dconn to an HTTP/2 stream id once a
	// request has been submitted.
	StreamID() uint32
	SetStreamID(id uint32)

	// ResponseState / SetResponseState track message progress (§6).
	ResponseState() ResponseState
	SetResponseState(ResponseState)

	ContentLength() int64
	SetContentLength(int64)

	Chunked() bool
	SetChunked(bool)

	Upgraded() bool
	SetUpgraded(bool)

	// ExpectFinalResponse reports whether a 1xx has been seen and a final
	// response is still pending (affects TRAILERS handling, §4.6).
	ExpectFinalResponse() bool
	SetExpectFinalResponse(bool)

	// PeerErrorCode records an RST_STREAM error code received from the
	// peer (§4.6 on-frame-recv/RST_STREAM).
	SetPeerErrorCode(uint32)

	// Downward capabilities consumed from upstream (spec.md §6).
	OnDownstreamHeaderComplete(status int, header http.Header)
	OnDownstreamBody(chunk []byte, last bool)
	OnDownstreamBodyComplete()
	OnDownstreamAbortRequest(httpStatus int)
	// OnDownstreamReset notifies the downstream that the session is gone.
	// The return value reports whether upstream considers itself unable to
	// recover from this; the core only logs it (the dconn is a weak
	// reference, owned and destroyed by upstream, never by the core).
	OnDownstreamReset(hard bool) (unrecoverable bool)
}

// StreamData is the per-HTTP/2-stream record (spec.md §3). It is owned by
// the session's stream set and destroyed on stream close or session
// teardown.
type StreamData struct {
	id    uint32
	dconn DownstreamConnection // nil after Detach
	body  BodyProvider          // non-nil while a request body is still streaming out
}

// Dconn returns the bound downstream, or nil if this record has been
// detached.
func (sd *StreamData) Dconn() DownstreamConnection { return sd.dconn }

// Detach severs the StreamData<->DownstreamConnection relation on both
// sides at once, preserving invariant 1 of spec.md §3.
func (sd *StreamData) Detach() {
	if sd.dconn != nil {
		if sd.dconn.StreamID() == sd.id {
			sd.dconn.SetStreamID(0)
		}
		sd.dconn = nil
	}
}
