package backend

import (
	"fmt"
	"net/http"
)

// Priority mirrors an HTTP/2 PRIORITY frame's payload: stream dependency,
// weight, and exclusivity. A zero Priority means "no explicit priority",
// submitted as a plain HEADERS frame with no PRIORITY frame.
type Priority struct {
	StreamDep uint32
	Weight    uint8
	Exclusive bool
}

// StreamRegistry implements spec.md §4.5: the mapping from HTTP/2 stream
// id to StreamData, and the inverse association between StreamData and
// its DownstreamConnection. A DownstreamConnection is in at most one of
// the pending set or the stream set at a time (spec.md §3 invariant).
type StreamRegistry struct {
	sess *Session

	pending map[DownstreamConnection]struct{}
	byID    map[uint32]*StreamData
	byDconn map[DownstreamConnection]*StreamData
}

// NewStreamRegistry allocates an empty registry bound to sess.
func NewStreamRegistry(sess *Session) *StreamRegistry {
	return &StreamRegistry{
		sess:    sess,
		pending: make(map[DownstreamConnection]struct{}),
		byID:    make(map[uint32]*StreamData),
		byDconn: make(map[DownstreamConnection]*StreamData),
	}
}

// Register adds dc to the pending set; it is neither attached to a stream
// nor has one been requested yet.
func (r *StreamRegistry) Register(dc DownstreamConnection) {
	r.pending[dc] = struct{}{}
}

// Unregister removes dc from whichever partition holds it, detaching any
// attached StreamData.
func (r *StreamRegistry) Unregister(dc DownstreamConnection) {
	delete(r.pending, dc)
	if sd, ok := r.byDconn[dc]; ok {
		r.removeLocked(sd)
	}
}

// Lookup returns the StreamData bound to id, if any.
func (r *StreamRegistry) Lookup(id uint32) (*StreamData, bool) {
	sd, ok := r.byID[id]
	return sd, ok
}

// Len reports the number of live stream records (testable property 1).
func (r *StreamRegistry) Len() int { return len(r.byID) }

// PendingLen reports the number of dconns awaiting submission.
func (r *StreamRegistry) PendingLen() int { return len(r.pending) }

// SubmitRequest asks the protocol engine for a new stream id, writes the
// request HEADERS (and, for a body, DATA frames as far as the
// BodyProvider has data ready), and binds a new StreamData to dc.
// Precondition: session state = CONNECTED (spec.md §4.5); fatal
// submission errors return failure without mutating registry state.
func (r *StreamRegistry) SubmitRequest(dc DownstreamConnection, pr Priority, method, authority, path, scheme string, hdr http.Header, body BodyProvider) error {
	if r.sess.state != StateConnected {
		return ErrSessionNotConnected
	}
	if _, already := r.byDconn[dc]; already {
		return ErrDuplicateSubmission // invariant 6: no two concurrent submissions on the same stream
	}

	id := r.sess.engine.AllocStreamID()
	hasBody := body != nil
	if err := r.sess.engine.WriteRequestHeaders(id, method, authority, path, scheme, hdr, !hasBody); err != nil {
		// on-frame-not-send (§4.6): the id is burned but never bound to a
		// stream record, so there is nothing for the caller to remove; it
		// only needs to know the submission failed so it can notify dc.
		return err
	}
	if pr.Weight != 0 || pr.StreamDep != 0 || pr.Exclusive {
		if err := r.sess.engine.SubmitPriority(id, pr.StreamDep, pr.Weight, pr.Exclusive); err != nil {
			logf("backend: submit_priority(%d): %v", id, err)
		}
	}

	sd := &StreamData{id: id, dconn: dc}
	dc.SetStreamID(id)
	r.byID[id] = sd
	r.byDconn[dc] = sd
	delete(r.pending, dc)
	metricStreamsSubmitted.Add(1)

	if hasBody {
		sd.body = body
		r.drainBody(sd)
	}
	r.sess.engine.OnFrameSend(id, !hasBody)
	r.sess.signalWrite()
	return nil
}

// ResumeData is the §6 resume_data(dconn) entry point: pushes whatever
// body chunks the bound BodyProvider has ready right now.
func (r *StreamRegistry) ResumeData(dc DownstreamConnection) {
	sd, ok := r.byDconn[dc]
	if !ok || sd.body == nil {
		return
	}
	r.drainBody(sd)
}

// drainBody writes DATA frames until the provider reports no chunk ready
// (chunk==nil, last==false, err==nil) or the body completes/errors.
func (r *StreamRegistry) drainBody(sd *StreamData) {
	for {
		chunk, last, err := sd.body.NextChunk()
		if err != nil {
			r.sess.engine.SubmitRSTStream(sd.id, httpErrCode(errCodeInternal))
			sd.body = nil
			return
		}
		if chunk == nil && !last {
			return // provider has nothing ready; wait for the next ResumeData
		}
		if len(chunk) > 0 || last {
			if werr := r.sess.engine.WriteData(sd.id, chunk, last); werr != nil {
				logf("backend: write data on stream %d: %v", sd.id, werr)
				return
			}
		}
		if last {
			r.sess.engine.OnFrameSend(sd.id, true)
			sd.body = nil
			r.sess.signalWrite()
			return
		}
	}
}

// SubmitRSTStream is the best-effort reset described in spec.md §4.5,
// delegated to the protocol engine.
func (r *StreamRegistry) SubmitRSTStream(id uint32, code uint32) error {
	if _, ok := r.byID[id]; !ok {
		return fmt.Errorf("%w: stream %d", ErrUnknownStream, id)
	}
	return r.sess.engine.SubmitRSTStream(id, httpErrCode(code))
}

// RemoveStream is called from the stream-close callback and from
// teardown: detaches the downstream side and destroys the record.
func (r *StreamRegistry) RemoveStream(sd *StreamData) {
	if sd == nil {
		return
	}
	r.removeLocked(sd)
}

func (r *StreamRegistry) removeLocked(sd *StreamData) {
	delete(r.byID, sd.id)
	if sd.dconn != nil {
		delete(r.byDconn, sd.dconn)
	}
	sd.Detach()
	metricStreamsClosed.Add(1)
}

// SnapshotAndClearPending atomically takes ownership of the pending set
// and installs a fresh empty one, per spec.md §4.10's re-entrant
// disconnect requirement: notifications issued against the snapshot may
// freely register new pending dconns without corrupting the iteration.
func (r *StreamRegistry) SnapshotAndClearPending() []DownstreamConnection {
	out := make([]DownstreamConnection, 0, len(r.pending))
	for dc := range r.pending {
		out = append(out, dc)
	}
	r.pending = make(map[DownstreamConnection]struct{})
	return out
}

// SnapshotAndClearStreams is SnapshotAndClearPending's counterpart for the
// live stream set.
func (r *StreamRegistry) SnapshotAndClearStreams() []*StreamData {
	out := make([]*StreamData, 0, len(r.byID))
	for _, sd := range r.byID {
		out = append(out, sd)
	}
	r.byID = make(map[uint32]*StreamData)
	r.byDconn = make(map[DownstreamConnection]*StreamData)
	return out
}
