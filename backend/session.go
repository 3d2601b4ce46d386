package backend

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// State is the lifecycle state machine of spec.md §4.7.
type State int

const (
	StateDisconnected State = iota
	StateProxyConnecting
	StateProxyConnected
	StateConnecting
	StateConnected
	StateProxyFailed
	StateConnectFailing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateProxyConnecting:
		return "PROXY_CONNECTING"
	case StateProxyConnected:
		return "PROXY_CONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateProxyFailed:
		return "PROXY_FAILED"
	case StateConnectFailing:
		return "CONNECT_FAILING"
	default:
		return "UNKNOWN"
	}
}

// HealthState is the three-valued PING-liveness flag of spec.md §4.9.
type HealthState int

const (
	HealthNone HealthState = iota
	HealthRequired
	HealthStarted
)

// pendingRequest is a SubmitRequest call that arrived before the session
// reached CONNECTED, or while health is not NONE; it is replayed by
// flushPending.
type pendingRequest struct {
	pr                         Priority
	method, authority, path, scheme string
	hdr                        http.Header
	body                       BodyProvider
}

type connectEvent struct {
	conn net.Conn
	err  error
}

type tunnelEvent struct {
	status   int
	leftover []byte
	err      error
}

type handshakeEvent struct {
	proto string
	err   error
}

type frameEvent struct {
	frame http2.Frame
	err   error
}

// Session is the top-level entity of spec.md §3: one long-lived,
// multiplexed client-side HTTP/2 connection to a single origin, plus
// everything needed to drive its lifecycle. All mutation happens on the
// single goroutine started by Run; every other method only enqueues a
// closure onto cmds and is safe to call from any goroutine - the Go
// translation of spec.md §5's "single-threaded cooperative, one event
// loop per worker" scheduling model.
type Session struct {
	cfg       *Config
	tlsConfig *tls.Config

	state  State
	health HealthState

	transport *TransportDriver
	readBuf   *ByteBuffer
	writeBuf  *ByteBuffer
	timers    *Timers
	engine    *ProtocolEngine
	tunnel    *ProxyTunnel
	streams   *StreamRegistry

	pendingReqs map[DownstreamConnection]*pendingRequest
	pingCounter uint64
	flowControlEnabled bool

	dial func(addr string) (net.Conn, error)

	cmds        chan func()
	connectCh   chan connectEvent
	tunnelCh    chan tunnelEvent
	handshakeCh chan handshakeEvent
	frameCh     chan frameEvent
	liveCh      chan struct{}
	writeNeeded chan struct{}
	closeCh     chan struct{}
	done        chan struct{}

	torndown bool
}

// NewSession constructs a Session from an immutable Config snapshot.
// Run must be called to start the loop goroutine before any public method
// does useful work.
func NewSession(cfg *Config) *Session {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Session{
		cfg:         cfg,
		transport:   NewTransportDriver(cfg),
		readBuf:     NewByteBuffer(DefaultBufferCap),
		writeBuf:    NewByteBuffer(DefaultBufferCap),
		timers:      NewTimers(cfg),
		pendingReqs: make(map[DownstreamConnection]*pendingRequest),
		dial:        func(addr string) (net.Conn, error) { return net.DialTimeout("tcp", addr, 10*time.Second) },
		cmds:        make(chan func(), 16),
		connectCh:   make(chan connectEvent, 1),
		tunnelCh:    make(chan tunnelEvent, 1),
		handshakeCh: make(chan handshakeEvent, 1),
		frameCh:     make(chan frameEvent, 8),
		liveCh:      make(chan struct{}, 1),
		writeNeeded: make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.streams = NewStreamRegistry(s)
	s.tlsConfig = tlsConfigFor(cfg)
	metricSessionsStarted.Add(1)
	return s
}

// Run starts the session's loop goroutine. Call once; returns immediately.
func (s *Session) Run() { go s.run() }

// Close stops the loop goroutine after tearing the session down, and
// returns the read/write buffers' backing chunks to nio's pool. Safe to
// call more than once; the buffers must not be touched again afterward.
func (s *Session) Close() {
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
	<-s.done
	s.readBuf.Free()
	s.writeBuf.Free()
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.closeCh:
			s.disconnect(false)
			return
		case cmd := <-s.cmds:
			cmd()
		case ev := <-s.connectCh:
			s.handleConnectResult(ev)
		case ev := <-s.tunnelCh:
			s.handleTunnelResult(ev)
		case ev := <-s.handshakeCh:
			s.handleHandshakeResult(ev)
		case ev := <-s.frameCh:
			s.handleFrameEvent(ev)
		case <-s.liveCh:
			if s.state == StateConnected {
				s.noteConnectionAlive()
			}
		case <-s.writeNeeded:
			s.flushWrites()
		case <-s.timers.SettingsAck.C():
			s.timers.SettingsAck.Fired()
			s.onSettingsTimeout()
		case <-s.timers.Health.C():
			s.timers.Health.Fired()
			s.onHealthTimeout()
		}
	}
}

// do enqueues fn to run on the loop goroutine and blocks until it has;
// used by synchronous public API methods that need a return value.
func (s *Session) do(fn func()) {
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
		<-done
	case <-s.closeCh:
	}
}

// --- §6 upstream-facing API ---------------------------------------------

// Initiate is the DISCONNECTED+initiate transition of spec.md §4.7.
func (s *Session) Initiate() error {
	var err error
	s.do(func() { err = s.initiateLocked() })
	return err
}

func (s *Session) initiateLocked() error {
	switch s.state {
	case StateDisconnected, StateProxyFailed, StateConnectFailing:
	default:
		return fmt.Errorf("backend: initiate called in state %v", s.state)
	}
	s.torndown = false
	if s.cfg.Proxy != nil {
		s.state = StateProxyConnecting
		go s.dialAsync(s.cfg.Proxy.Addr)
	} else {
		s.state = StateConnecting
		go s.dialAsync(s.cfg.Addr())
	}
	return nil
}

func (s *Session) dialAsync(addr string) {
	conn, err := s.dial(addr)
	select {
	case s.connectCh <- connectEvent{conn: conn, err: err}:
	case <-s.closeCh:
		if conn != nil {
			conn.Close()
		}
	}
}

func (s *Session) handleConnectResult(ev connectEvent) {
	if ev.err != nil {
		logf("backend: %v", fmt.Errorf("%w: %v", ErrConnectFailed, ev.err))
		s.disconnect(s.shouldHardFail())
		return
	}
	switch s.state {
	case StateProxyConnecting:
		s.transport.SetConn(ev.conn, ModeProxyConnect)
		s.tunnel = NewProxyTunnel(s.cfg.Proxy, ev.conn)
		s.writeBuf.Write(s.tunnel.ConnectRequest(s.cfg.Addr()))
		s.flushWrites()
		if s.torndown {
			return
		}
		go s.readTunnelAsync()
	case StateConnecting:
		s.proceedAfterSocketConnected(ev.conn)
	default:
		ev.conn.Close()
	}
}

func (s *Session) readTunnelAsync() {
	status, leftover, err := s.tunnel.ReadStatus()
	select {
	case s.tunnelCh <- tunnelEvent{status: status, leftover: leftover, err: err}:
	case <-s.closeCh:
	}
}

func (s *Session) handleTunnelResult(ev tunnelEvent) {
	if s.state != StateProxyConnecting {
		return
	}
	if ev.err != nil {
		logf("backend: %v", fmt.Errorf("%w: %v", ErrProxyConnectFailed, ev.err))
		s.state = StateProxyFailed
		s.disconnect(true)
		return
	}
	if ev.status != http.StatusOK {
		logf("backend: %v", fmt.Errorf("%w: status %d", ErrProxyConnectFailed, ev.status))
		s.state = StateProxyFailed
		s.disconnect(true)
		return
	}
	s.state = StateProxyConnected
	if len(ev.leftover) > 0 {
		s.readBuf.Write(ev.leftover)
	}
	// Re-enter initiate_connection, now over the tunnel (spec.md §4.4).
	s.state = StateConnecting
	s.proceedAfterSocketConnected(s.transport.Conn())
}

func (s *Session) proceedAfterSocketConnected(conn net.Conn) {
	if s.cfg.TLS.Required {
		tc := tls.Client(conn, s.tlsConfig)
		s.transport.SetConn(tc, ModeTLSHandshake)
		go s.handshakeAsync(tc)
		return
	}
	s.transport.SetConn(conn, ModeClear)
	if err := s.onConnect(); err != nil {
		logf("backend: on-connect failed: %v", err)
		s.state = StateConnectFailing
		s.disconnect(true)
		return
	}
}

func (s *Session) handshakeAsync(tc *tls.Conn) {
	proto, err := s.transport.Handshake(s.cfg.ReadTimeout)
	select {
	case s.handshakeCh <- handshakeEvent{proto: proto, err: err}:
	case <-s.closeCh:
	}
}

func (s *Session) handleHandshakeResult(ev handshakeEvent) {
	if s.state != StateConnecting {
		return
	}
	if ev.err != nil {
		logf("backend: TLS handshake failed: %v", ev.err)
		s.state = StateConnectFailing
		s.disconnect(true)
		return
	}
	s.transport.Mode = ModeTLSSteady
	if err := s.onConnect(); err != nil {
		logf("backend: on-connect failed: %v", err)
		s.state = StateConnectFailing
		s.disconnect(true)
		return
	}
}

// onConnect performs spec.md §4.8 exactly once per CONNECTED entry.
func (s *Session) onConnect() error {
	if tc, ok := s.transport.Conn().(*tls.Conn); ok {
		proto := tc.ConnectionState().NegotiatedProtocol
		if proto != "h2" {
			return fmt.Errorf("%w: negotiated %q", ErrNotHTTP2, proto)
		}
	}

	s.engine = NewProtocolEngine(s)
	s.flowControlEnabled = true

	// The 24-byte preface must be the first thing on the wire - nghttp2
	// arranges this internally when queuing the client session's first
	// frames; here the write buffer is the wire, so the preface has to be
	// staged before any frame bytes rather than after them.
	if err := s.engine.WritePreface(); err != nil {
		return err
	}

	windowSize := uint32((1 << s.cfg.StreamWindowBits) - 1)
	if err := s.engine.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: s.cfg.MaxConcurrentStreams},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: windowSize},
	); err != nil {
		return err
	}

	const defaultWindow = (1 << 16) - 1
	connWindow := uint32((1 << s.cfg.ConnWindowBits) - 1)
	if connWindow > defaultWindow {
		if err := s.engine.WriteWindowUpdate(0, connWindow-defaultWindow); err != nil {
			return err
		}
	}

	if tc, ok := s.transport.Conn().(*tls.Conn); ok {
		if !adequateTLS(tc.ConnectionState()) {
			return ErrInadequateSecurity
		}
	}

	// Every prior step can still fail the connection attempt; only once
	// on-connect is certain to succeed does the lifecycle actually enter
	// CONNECTED, so that flushPending's SubmitRequest calls (which require
	// state=CONNECTED) see the right state.
	s.state = StateConnected
	s.timers.Health.Arm()
	metricSessionsConnected.Add(1)
	s.startReadLoop()
	s.flushPending()
	s.signalWrite()
	return nil
}

func (s *Session) startReadLoop() {
	engine := s.engine
	go func() {
		for {
			f, err := engine.ReadFrame()
			// The Framer reuses a frame's memory on its next ReadFrame call,
			// so each frame is fully handled on the loop goroutine before
			// the next one is read.
			s.do(func() { s.handleFrameEvent(frameEvent{frame: f, err: err}) })
			if err != nil {
				return
			}
			select {
			case <-s.closeCh:
				return
			default:
			}
		}
	}()
}

func (s *Session) handleFrameEvent(ev frameEvent) {
	if s.state != StateConnected {
		return
	}
	if ev.err != nil {
		logf("backend: frame read error: %v", ev.err)
		s.disconnect(s.shouldHardFail())
		return
	}
	s.noteConnectionAlive()
	s.engine.Dispatch(ev.frame)
}

// flushWrites is the WriteScheduler's pre-iteration hook (spec.md §2):
// drains the write buffer in one pass, either because the application
// marked write-needed or because this is the first write after connect.
// A single blocking Write call, deadline-bounded by the configured write
// timeout, stands in for the evented original's EAGAIN-then-watcher dance:
// a timeout here only ever happens after the whole timeout has elapsed,
// i.e. it already *is* write-timeout expiry, so it disconnects directly
// rather than re-arming anything.
func (s *Session) flushWrites() {
	if s.transport.Mode == ModeNoop {
		return
	}
	for {
		if s.writeBuf.Empty() {
			return
		}
		n, err := s.transport.Write(s.writeBuf)
		if n > 0 {
			s.noteWriteProgress()
		}
		if err != nil {
			logf("backend: write error: %v", err)
			s.disconnect(s.shouldHardFail())
			return
		}
	}
}

// signalWrite coalesces any number of write requests within one loop
// iteration into a single pending flush (spec.md §9).
func (s *Session) signalWrite() {
	select {
	case s.writeNeeded <- struct{}{}:
	default:
	}
}

// noteConnectionAlive is connection_alive(): any sign of life on the read
// side - a raw socket read landing via signalReadActivity, or a frame
// finishing decode - rearms the health timer and, if a check was pending,
// clears it and flushes whatever got queued behind it.
func (s *Session) noteConnectionAlive() {
	s.timers.Health.Arm()
	if s.health != HealthNone {
		s.health = HealthNone
		s.flushPending()
	}
}

func (s *Session) noteWriteProgress() {
	s.timers.Health.Arm()
}

// signalReadActivity is connReader's hook into the session loop: called
// from the read-loop goroutine on every successful raw socket read, ahead
// of the Framer ever seeing a complete frame. The session loop does the
// actual state mutation (noteConnectionAlive) on its own goroutine; this
// side only has to get a wakeup there without blocking the reader, so a
// dropped signal when one is already pending is fine - the loop hasn't
// caught up yet, but it will, and the timer only needs rearming once.
func (s *Session) signalReadActivity() {
	select {
	case s.liveCh <- struct{}{}:
	default:
	}
}

func (s *Session) onSettingsTimeout() {
	metricSettingsTimeouts.Add(1)
	logf("backend: %v", ErrSettingsTimeout)
	if s.engine != nil {
		s.engine.SubmitGoAway(0, http2.ErrCodeSettingsTimeout, []byte(ErrSettingsTimeout.Error()))
		s.flushWrites()
	}
	s.disconnect(s.shouldHardFail())
}

func (s *Session) onHealthTimeout() {
	if s.health == HealthNone {
		s.health = HealthRequired
	}
	s.timers.Health.Arm()
}

// shouldHardFail implements spec.md testable property 5.
func (s *Session) shouldHardFail() bool {
	switch s.state {
	case StateProxyConnecting, StateProxyFailed, StateConnecting, StateConnectFailing:
		return true
	default:
		return false
	}
}

// CanPushRequest implements spec.md testable property 4.
func (s *Session) CanPushRequest() bool {
	var ok bool
	s.do(func() { ok = s.canPushRequestLocked() })
	return ok
}

func (s *Session) canPushRequestLocked() bool {
	return s.state == StateConnected && s.health == HealthNone
}

// StartCheckingConnection implements spec.md §4.9's REQUIRED→STARTED PING.
func (s *Session) StartCheckingConnection() {
	s.do(s.startCheckingConnectionLocked)
}

func (s *Session) startCheckingConnectionLocked() {
	if s.health != HealthRequired || s.engine == nil {
		return
	}
	s.health = HealthStarted
	s.pingCounter++
	var payload [8]byte
	for i := 0; i < 8; i++ {
		payload[i] = byte(s.pingCounter >> (8 * i))
	}
	if err := s.engine.SubmitPing(payload, false); err != nil {
		logf("backend: health ping: %v", err)
		return
	}
	metricHealthChecksStarted.Add(1)
	s.signalWrite()
}

// AttachDownstream registers dc as pending (spec.md §6).
func (s *Session) AttachDownstream(dc DownstreamConnection) {
	s.do(func() { s.streams.Register(dc) })
}

// DetachDownstream removes dc from whichever partition holds it.
func (s *Session) DetachDownstream(dc DownstreamConnection) {
	s.do(func() {
		delete(s.pendingReqs, dc)
		s.streams.Unregister(dc)
	})
}

// SubmitRequest implements spec.md §6. If the session is not yet CONNECTED
// (but is still somewhere in the connecting-with-proxy pipeline) or health
// is not NONE, the request is queued and replayed by flushPending; a
// session that is DISCONNECTED/PROXY_FAILED/CONNECT_FAILING has no future
// on-connect to flush into, so it is rejected immediately.
func (s *Session) SubmitRequest(dc DownstreamConnection, pr Priority, method, authority, path, scheme string, hdr http.Header, body BodyProvider) error {
	var err error
	s.do(func() {
		switch s.state {
		case StateConnected:
			if !s.canPushRequestLocked() {
				s.queuePending(dc, pr, method, authority, path, scheme, hdr, body)
				s.startCheckingConnectionLocked()
				return
			}
			err = s.streams.SubmitRequest(dc, pr, method, authority, path, scheme, hdr, body)
			if err != nil {
				dc.OnDownstreamAbortRequest(http.StatusBadRequest)
			}
		case StateProxyConnecting, StateProxyConnected, StateConnecting:
			s.queuePending(dc, pr, method, authority, path, scheme, hdr, body)
		default:
			err = ErrSessionNotConnected
		}
	})
	return err
}

func (s *Session) queuePending(dc DownstreamConnection, pr Priority, method, authority, path, scheme string, hdr http.Header, body BodyProvider) {
	s.streams.Register(dc)
	s.pendingReqs[dc] = &pendingRequest{pr: pr, method: method, authority: authority, path: path, scheme: scheme, hdr: hdr, body: body}
}

func (s *Session) flushPending() {
	for dc, req := range s.pendingReqs {
		delete(s.pendingReqs, dc)
		if err := s.streams.SubmitRequest(dc, req.pr, req.method, req.authority, req.path, req.scheme, req.hdr, req.body); err != nil {
			dc.OnDownstreamAbortRequest(http.StatusBadRequest)
		}
	}
}

// SubmitRSTStream implements spec.md §6.
func (s *Session) SubmitRSTStream(streamID uint32, errorCode uint32) error {
	var err error
	s.do(func() { err = s.streams.SubmitRSTStream(streamID, errorCode) })
	return err
}

// SubmitPriority implements spec.md §6, resolving the §9 open question by
// wiring PRIORITY through honestly rather than a hard-coded success.
func (s *Session) SubmitPriority(dc DownstreamConnection, pr Priority) error {
	var err error
	s.do(func() {
		if s.state != StateConnected {
			err = ErrSessionNotConnected
			return
		}
		err = s.engine.SubmitPriority(dc.StreamID(), pr.StreamDep, pr.Weight, pr.Exclusive)
		s.signalWrite()
	})
	return err
}

// ResumeData implements spec.md §6's resume_data(dconn).
func (s *Session) ResumeData(dc DownstreamConnection) {
	s.do(func() { s.streams.ResumeData(dc) })
}

// SignalWrite implements spec.md §6's signal_write().
func (s *Session) SignalWrite() {
	s.do(s.signalWrite)
}

// TerminateSession implements spec.md §6's terminate_session: submits a
// graceful GOAWAY and disconnects.
func (s *Session) TerminateSession(errorCode uint32) {
	s.do(func() {
		if s.engine != nil {
			s.engine.SubmitGoAway(0, httpErrCode(errorCode), nil)
			s.flushWrites()
		}
		s.disconnect(s.shouldHardFail())
	})
}

// disconnect implements spec.md §4.10. Idempotent: a second call while
// already torn down is a no-op. Tolerates re-entry by upstream - the
// snapshot-swap pattern on the registry means a dconn registered by an
// OnDownstreamReset callback lands in a fresh, empty partition rather than
// corrupting the iteration in progress.
func (s *Session) disconnect(hard bool) {
	if s.torndown {
		return
	}
	s.torndown = true

	s.timers.StopAll()
	s.engine = nil
	s.flowControlEnabled = false
	s.readBuf.Reset()
	s.writeBuf.Reset()

	if conn := s.transport.Conn(); conn != nil {
		conn.Close()
	}
	s.transport.Reset()
	s.tunnel = nil

	s.health = HealthNone
	s.state = StateDisconnected

	pendingSnap := s.streams.SnapshotAndClearPending()
	streamSnap := s.streams.SnapshotAndClearStreams()
	s.pendingReqs = make(map[DownstreamConnection]*pendingRequest)

	notified := make(map[DownstreamConnection]bool, len(pendingSnap)+len(streamSnap))
	for _, dc := range pendingSnap {
		if notified[dc] {
			continue
		}
		notified[dc] = true
		if unrecoverable := dc.OnDownstreamReset(hard); unrecoverable {
			logf("backend: downstream reported itself unrecoverable after reset")
		}
	}
	for _, sd := range streamSnap {
		dc := sd.Dconn()
		sd.Detach()
		if dc == nil || notified[dc] {
			continue
		}
		notified[dc] = true
		if unrecoverable := dc.OnDownstreamReset(hard); unrecoverable {
			logf("backend: downstream reported itself unrecoverable after reset")
		}
	}

	metricSessionsDisconnected.Add(1)
	if hard {
		metricHardFails.Add(1)
	}
}

// adequateTLS is a representative (not exhaustive) check against RFC 7540
// §9.2's HTTP/2-over-TLS requirements: TLS 1.2 at minimum, and none of a
// handful of well-known non-forward-secret cipher suites.
func adequateTLS(cs tls.ConnectionState) bool {
	if cs.Version < tls.VersionTLS12 {
		return false
	}
	switch cs.CipherSuite {
	case tls.TLS_RSA_WITH_RC4_128_SHA,
		tls.TLS_RSA_WITH_3DES_EDE_CBC_SHA,
		tls.TLS_RSA_WITH_AES_128_CBC_SHA,
		tls.TLS_RSA_WITH_AES_256_CBC_SHA:
		return false
	}
	return true
}

func tlsConfigFor(cfg *Config) *tls.Config {
	if cfg.Auth != nil {
		return cfg.Auth.GenerateTLSConfigClient(cfg.TLS.ServerName)
	}
	tc := &tls.Config{
		NextProtos:         []string{"h2"},
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
	}
	if cfg.TLS.ServerName != "" {
		tc.ServerName = cfg.TLS.ServerName
	}
	return tc
}
