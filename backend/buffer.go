package backend

import (
	"io"

	"github.com/h2proxy/backend-session/nio"
)

// ByteBuffer is a fixed-capacity ring buffer of bytes. It stages raw socket
// bytes on the read side and encoded frame bytes on the write side, so the
// transport and the protocol engine never touch each other's slices
// directly.
//
// Overflow on Write is a short write, never a panic: callers are expected to
// retry once the consumer side has drained.
type ByteBuffer struct {
	buf  []byte
	off  int // start of unread/unwritten-but-pending data
	size int // number of valid bytes starting at off
}

// DefaultBufferCap is the capacity used by Session for its read and write
// ByteBuffers absent an override. It lands exactly on nio's largest data
// chunk size class so NewByteBuffer's pool lookup never falls through to a
// bare allocation.
const DefaultBufferCap = 16 * 1024

// NewByteBuffer allocates a ByteBuffer backed by a chunk drawn from nio's
// sync.Pool-based data buffer pool (the same allocator the pack's own HTTP/2
// framer uses), rather than a fresh make([]byte, cap) per session. Free
// returns the chunk to the pool.
func NewByteBuffer(cap int) *ByteBuffer {
	if cap <= 0 {
		cap = DefaultBufferCap
	}
	return &ByteBuffer{buf: nio.GetDataBufferChunk(int64(cap))[:cap]}
}

// Free returns the backing chunk to nio's pool. Called once from
// Session.disconnect per buffer; the ByteBuffer must not be used afterward.
func (b *ByteBuffer) Free() {
	if b.buf == nil {
		return
	}
	nio.PutDataBufferChunk(b.buf[:cap(b.buf)])
	b.buf = nil
	b.off = 0
	b.size = 0
}

// Cap returns the maximum number of bytes the buffer can hold.
func (b *ByteBuffer) Cap() int { return len(b.buf) }

// RLen returns the number of unread bytes.
func (b *ByteBuffer) RLen() int { return b.size }

// WLen returns the number of free bytes available for Write.
func (b *ByteBuffer) WLen() int { return len(b.buf) - b.size }

// Empty reports whether there are no unread bytes.
func (b *ByteBuffer) Empty() bool { return b.size == 0 }

// Full reports whether there is no room left for Write.
func (b *ByteBuffer) Full() bool { return b.size == len(b.buf) }

// ReadableSegments returns the unread region as one or two contiguous
// slices (two when the data wraps around the end of the ring).
func (b *ByteBuffer) ReadableSegments() [][]byte {
	if b.size == 0 {
		return nil
	}
	end := b.off + b.size
	if end <= len(b.buf) {
		return [][]byte{b.buf[b.off:end]}
	}
	return [][]byte{b.buf[b.off:], b.buf[:end-len(b.buf)]}
}

// WritableSegments returns the free region as one or two contiguous slices,
// suitable for a scatter Read from a net.Conn.
func (b *ByteBuffer) WritableSegments() [][]byte {
	free := b.WLen()
	if free == 0 {
		return nil
	}
	start := (b.off + b.size) % len(b.buf)
	end := start + free
	if end <= len(b.buf) {
		return [][]byte{b.buf[start:end]}
	}
	return [][]byte{b.buf[start:], b.buf[:end-len(b.buf)]}
}

// Write appends as much of src as fits; the returned count may be less than
// len(src) when the buffer is near capacity. Never returns an error: short
// writes are the overflow signal.
func (b *ByteBuffer) Write(src []byte) int {
	n := 0
	for _, seg := range b.WritableSegments() {
		if n == len(src) {
			break
		}
		c := copy(seg, src[n:])
		n += c
		if c < len(seg) {
			break
		}
	}
	b.size += n
	return n
}

// Drain advances the read cursor by n bytes, which must not exceed RLen.
func (b *ByteBuffer) Drain(n int) {
	if n <= 0 {
		return
	}
	if n > b.size {
		n = b.size
	}
	b.off = (b.off + n) % len(b.buf)
	b.size -= n
	if b.size == 0 {
		b.Reset()
	}
}

// Peek copies up to len(dst) unread bytes into dst without draining them,
// returning the number copied.
func (b *ByteBuffer) Peek(dst []byte) int {
	n := 0
	for _, seg := range b.ReadableSegments() {
		if n == len(dst) {
			break
		}
		c := copy(dst[n:], seg)
		n += c
		if c < len(seg) {
			break
		}
	}
	return n
}

// Read drains up to len(dst) unread bytes into dst, returning the count.
// Implements io.Reader-like semantics without the error (a ByteBuffer never
// signals EOF on its own; the caller knows when the socket is gone).
func (b *ByteBuffer) Read(dst []byte) int {
	n := b.Peek(dst)
	b.Drain(n)
	return n
}

// FillFrom performs one read from r into the buffer's first writable
// segment, growing RLen by the number of bytes accepted. This is the
// "readv into the read buffer" half of TransportDriver (§4.3): a single
// underlying Read call per invocation, so the caller's EAGAIN/timeout
// handling sees exactly one syscall's worth of result.
func (b *ByteBuffer) FillFrom(r io.Reader) (int, error) {
	segs := b.WritableSegments()
	if len(segs) == 0 {
		return 0, nil
	}
	n, err := r.Read(segs[0])
	b.size += n
	return n, err
}

// DrainTo writes the buffer's first readable segment to w with a single
// Write call and drains exactly the bytes accepted. On a partial write
// (w returns n < len(seg) together with a non-nil error, e.g. an i/o
// timeout standing in for EAGAIN) the undelivered remainder stays in the
// buffer as the "partial-write carryover" described in spec.md §3 -
// there is no separate carryover pointer to manage, the ring buffer's own
// read cursor is the carryover.
func (b *ByteBuffer) DrainTo(w io.Writer) (int, error) {
	segs := b.ReadableSegments()
	if len(segs) == 0 {
		return 0, nil
	}
	n, err := w.Write(segs[0])
	b.Drain(n)
	return n, err
}

// Reset restores full contiguous capacity. Only meaningful once the buffer
// has been fully drained; called automatically by Drain when size reaches
// zero so the next scatter Write gets one contiguous segment instead of a
// wrapped pair.
func (b *ByteBuffer) Reset() {
	b.off = 0
	b.size = 0
}
