package main

import (
	"errors"
	"net/http"
	"sync"

	"github.com/h2proxy/backend-session/backend"
)

var errSessionGone = errors.New("backend-session: session reset before a response arrived")

// demoDownstream is the minimal backend.DownstreamConnection a one-shot CLI
// request needs: no chunked upload, no upgrade, just enough bookkeeping to
// satisfy the interface and collect the response on a done channel.
type demoDownstream struct {
	path string

	mu            sync.Mutex
	streamID      uint32
	responseState backend.ResponseState
	contentLength int64
	chunked       bool
	upgraded      bool
	expectFinal   bool
	peerErrCode   uint32

	status int
	body   []byte
	err    error
	done   chan struct{}
}

func newDemoDownstream(path string) *demoDownstream {
	return &demoDownstream{path: path, done: make(chan struct{})}
}

func (d *demoDownstream) StreamID() uint32     { d.mu.Lock(); defer d.mu.Unlock(); return d.streamID }
func (d *demoDownstream) SetStreamID(id uint32) { d.mu.Lock(); defer d.mu.Unlock(); d.streamID = id }

func (d *demoDownstream) ResponseState() backend.ResponseState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.responseState
}
func (d *demoDownstream) SetResponseState(s backend.ResponseState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responseState = s
}

func (d *demoDownstream) ContentLength() int64    { d.mu.Lock(); defer d.mu.Unlock(); return d.contentLength }
func (d *demoDownstream) SetContentLength(n int64) { d.mu.Lock(); defer d.mu.Unlock(); d.contentLength = n }

func (d *demoDownstream) Chunked() bool      { d.mu.Lock(); defer d.mu.Unlock(); return d.chunked }
func (d *demoDownstream) SetChunked(b bool) { d.mu.Lock(); defer d.mu.Unlock(); d.chunked = b }

func (d *demoDownstream) Upgraded() bool      { d.mu.Lock(); defer d.mu.Unlock(); return d.upgraded }
func (d *demoDownstream) SetUpgraded(b bool) { d.mu.Lock(); defer d.mu.Unlock(); d.upgraded = b }

func (d *demoDownstream) ExpectFinalResponse() bool { d.mu.Lock(); defer d.mu.Unlock(); return d.expectFinal }
func (d *demoDownstream) SetExpectFinalResponse(b bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expectFinal = b
}

func (d *demoDownstream) SetPeerErrorCode(code uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peerErrCode = code
}

func (d *demoDownstream) OnDownstreamHeaderComplete(status int, header http.Header) {
	d.mu.Lock()
	d.status = status
	d.mu.Unlock()
}

func (d *demoDownstream) OnDownstreamBody(chunk []byte, last bool) {
	d.mu.Lock()
	d.body = append(d.body, chunk...)
	d.mu.Unlock()
}

func (d *demoDownstream) OnDownstreamBodyComplete() {
	d.closeOnce()
}

func (d *demoDownstream) OnDownstreamAbortRequest(httpStatus int) {
	d.mu.Lock()
	if d.err == nil {
		d.status = httpStatus
	}
	d.mu.Unlock()
	d.closeOnce()
}

func (d *demoDownstream) OnDownstreamReset(hard bool) (unrecoverable bool) {
	d.mu.Lock()
	if d.status == 0 {
		d.err = errSessionGone
	}
	d.mu.Unlock()
	d.closeOnce()
	return true
}

func (d *demoDownstream) closeOnce() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}
