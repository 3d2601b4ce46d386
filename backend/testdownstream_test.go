package backend

import (
	"net/http"
	"sync"
)

// testDownstream is a minimal, synchronized DownstreamConnection used by
// every test in this package in place of a real upstream-facing handler.
type testDownstream struct {
	mu sync.Mutex

	streamID      uint32
	state         ResponseState
	contentLength int64
	chunked       bool
	upgraded      bool
	expectFinal   bool
	peerErrCode   uint32

	status     int
	header     http.Header
	bodyChunks [][]byte
	bodyDone   bool
	aborted    int // last http status passed to OnDownstreamAbortRequest, 0 if none
	resetHard  *bool
	unrecov    bool // value OnDownstreamReset should return

	headerDone chan struct{}
	bodyDoneCh chan struct{}
	abortedCh  chan struct{}
	resetCh    chan struct{}
}

func newTestDownstream() *testDownstream {
	return &testDownstream{
		headerDone: make(chan struct{}, 1),
		bodyDoneCh: make(chan struct{}, 1),
		abortedCh:  make(chan struct{}, 1),
		resetCh:    make(chan struct{}, 1),
	}
}

func (d *testDownstream) StreamID() uint32      { d.mu.Lock(); defer d.mu.Unlock(); return d.streamID }
func (d *testDownstream) SetStreamID(id uint32) { d.mu.Lock(); defer d.mu.Unlock(); d.streamID = id }

func (d *testDownstream) ResponseState() ResponseState { d.mu.Lock(); defer d.mu.Unlock(); return d.state }
func (d *testDownstream) SetResponseState(s ResponseState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

func (d *testDownstream) ContentLength() int64 { d.mu.Lock(); defer d.mu.Unlock(); return d.contentLength }
func (d *testDownstream) SetContentLength(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contentLength = n
}

func (d *testDownstream) Chunked() bool      { d.mu.Lock(); defer d.mu.Unlock(); return d.chunked }
func (d *testDownstream) SetChunked(b bool) { d.mu.Lock(); defer d.mu.Unlock(); d.chunked = b }

func (d *testDownstream) Upgraded() bool      { d.mu.Lock(); defer d.mu.Unlock(); return d.upgraded }
func (d *testDownstream) SetUpgraded(b bool) { d.mu.Lock(); defer d.mu.Unlock(); d.upgraded = b }

func (d *testDownstream) ExpectFinalResponse() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expectFinal
}
func (d *testDownstream) SetExpectFinalResponse(b bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expectFinal = b
}

func (d *testDownstream) SetPeerErrorCode(code uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peerErrCode = code
}

func (d *testDownstream) OnDownstreamHeaderComplete(status int, header http.Header) {
	d.mu.Lock()
	d.status = status
	d.header = header
	d.mu.Unlock()
	select {
	case d.headerDone <- struct{}{}:
	default:
	}
}

func (d *testDownstream) OnDownstreamBody(chunk []byte, last bool) {
	d.mu.Lock()
	cp := append([]byte(nil), chunk...)
	d.bodyChunks = append(d.bodyChunks, cp)
	d.mu.Unlock()
}

func (d *testDownstream) OnDownstreamBodyComplete() {
	d.mu.Lock()
	d.bodyDone = true
	d.mu.Unlock()
	select {
	case d.bodyDoneCh <- struct{}{}:
	default:
	}
}

func (d *testDownstream) OnDownstreamAbortRequest(httpStatus int) {
	d.mu.Lock()
	d.aborted = httpStatus
	d.mu.Unlock()
	select {
	case d.abortedCh <- struct{}{}:
	default:
	}
}

func (d *testDownstream) OnDownstreamReset(hard bool) (unrecoverable bool) {
	d.mu.Lock()
	d.resetHard = &hard
	unrecoverable = d.unrecov
	d.mu.Unlock()
	select {
	case d.resetCh <- struct{}{}:
	default:
	}
	return unrecoverable
}

func (d *testDownstream) body() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []byte
	for _, c := range d.bodyChunks {
		out = append(out, c...)
	}
	return out
}
