// Package mux multiplexes tagged byte streams and named JSON events over a
// single websocket connection. It is the server side of a tunnel client's
// persistent control channel: the server emits events to the peer and
// registers one-shot acceptors for streams the peer opens, while the client
// side opens streams tagged with the ticket it was handed.
package mux

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/doorway/internal/proto"
)

const (
	defaultKeepAliveInterval    = 20 * time.Second
	defaultStreamAcceptDeadline = 30 * time.Second
	deadStreamSweepInterval     = 2 * time.Second
)

// Logger is the minimal log drain used by Session.
type Logger interface {
	Printf(format string, args ...any)
	Print(args ...any)
}

type nilLogger struct{}

func (nilLogger) Printf(format string, args ...any) {}
func (nilLogger) Print(args ...any)                 {}

// Config carries optional session settings.
type Config struct {
	// Log receives internal diagnostics. Defaults to a discard logger.
	Log Logger

	// OnEvent is invoked synchronously, in arrival order, for each event
	// frame received from the peer. The session is passed in because
	// events can arrive before the constructor returns.
	OnEvent func(s *Session, env *proto.Envelope)

	// CloseCallback fires once when the session fully closes.
	CloseCallback func()

	// Window is the per-stream read buffer size. Both ends must agree.
	Window int

	// KeepAliveInterval between websocket pings; a missed pong aborts.
	KeepAliveInterval time.Duration

	// StreamAcceptDeadline bounds Open's wait for the peer's ACK.
	StreamAcceptDeadline time.Duration
}

// Session multiplexes streams and events over one websocket connection.
// Stream ids opened by the server side are even, client side odd, so the
// two ends never contend for an id.
type Session struct {
	mu sync.Mutex

	streams map[uint32]*Stream

	// one-shot stream acceptors by tag
	waiters map[string]*StreamWait

	conn *websocket.Conn

	// serializes writes on the websocket
	sendLock sync.Mutex

	logger Logger

	onEvent       func(s *Session, env *proto.Envelope)
	closeCallback func()

	window               int
	keepAliveInterval    time.Duration
	streamAcceptDeadline time.Duration

	nextID uint32

	closed    chan struct{}
	closeConn bool
	pongSeen  bool
}

// Server wraps the server end of a control connection.
func Server(conn *websocket.Conn, conf Config) *Session {
	return newSession(conn, true, conf)
}

// Client wraps the client end of a control connection.
func Client(conn *websocket.Conn, conf Config) *Session {
	return newSession(conn, false, conf)
}

func newSession(conn *websocket.Conn, server bool, conf Config) *Session {
	s := &Session{
		conn:                 conn,
		streams:              make(map[uint32]*Stream),
		waiters:              make(map[string]*StreamWait),
		logger:               nilLogger{},
		onEvent:              conf.OnEvent,
		closeCallback:        conf.CloseCallback,
		window:               DefaultWindow,
		keepAliveInterval:    defaultKeepAliveInterval,
		streamAcceptDeadline: defaultStreamAcceptDeadline,
		closed:               make(chan struct{}),
		closeConn:            true,
	}
	if !server {
		s.nextID = 1
	}
	if conf.Log != nil {
		s.logger = conf.Log
	}
	if conf.Window != 0 {
		s.window = conf.Window
	}
	if conf.KeepAliveInterval != 0 {
		s.keepAliveInterval = conf.KeepAliveInterval
	}
	if conf.StreamAcceptDeadline != 0 {
		s.streamAcceptDeadline = conf.StreamAcceptDeadline
	}

	s.conn.SetCloseHandler(s.closeHandler)
	s.conn.SetPongHandler(s.pongHandler)

	go s.recvLoop()
	go s.removeDeadStreams()
	go s.sendKeepAlives()
	return s
}

// Emit sends a named event with a JSON-serializable payload to the peer.
func (s *Session) Emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(proto.Envelope{Event: event, Payload: raw})
	if err != nil {
		return err
	}
	return s.send(newEvtFrame(body))
}

// StreamWait is a one-shot acceptor for a stream tagged with a particular
// string. It fires at most once; Cancel drops it and kills a stream that
// may have raced in.
type StreamWait struct {
	tag     string
	session *Session

	mu        sync.Mutex
	cancelled bool
	ch        chan *Stream
}

// Ready yields the accepted stream. The channel never closes; callers
// select against their own cancellation signal.
func (w *StreamWait) Ready() <-chan *Stream { return w.ch }

// Cancel drops the acceptor. Safe to call after the stream fired; any
// undelivered stream is closed so the peer sees it go away.
func (w *StreamWait) Cancel() {
	w.session.mu.Lock()
	if s, ok := w.session.waiters[w.tag]; ok && s == w {
		delete(w.session.waiters, w.tag)
	}
	w.session.mu.Unlock()

	w.mu.Lock()
	w.cancelled = true
	var raced *Stream
	select {
	case raced = <-w.ch:
	default:
	}
	w.mu.Unlock()
	if raced != nil {
		_ = raced.Close()
	}
}

// deliver hands the stream to whoever waits on Ready, unless the wait was
// cancelled while the stream was being set up.
func (w *StreamWait) deliver(str *Stream) {
	w.mu.Lock()
	cancelled := w.cancelled
	if !cancelled {
		w.ch <- str
	}
	w.mu.Unlock()
	if cancelled {
		_ = str.Close()
	}
}

// Once registers a one-shot acceptor for the next stream the peer opens
// with the given tag. A second Once for the same tag replaces the first.
func (s *Session) Once(tag string) *StreamWait {
	w := &StreamWait{tag: tag, session: s, ch: make(chan *Stream, 1)}
	s.mu.Lock()
	if s.waiters != nil {
		s.waiters[tag] = w
	}
	s.mu.Unlock()
	return w
}

// Open opens a new stream tagged with tag and waits until the peer accepts
// it. The peer accepts only if an acceptor is registered for the tag.
func (s *Session) Open(tag string) (*Stream, error) {
	select {
	case <-s.closed:
		return nil, ErrSessionClosed
	default:
	}

	s.mu.Lock()
	if s.streams == nil {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	// ids may wrap on very long-lived sessions; skip any still in use
	for {
		if _, ok := s.streams[s.nextID]; !ok {
			break
		}
		s.nextID += 2
	}
	id := s.nextID
	s.nextID += 2

	str := newStream(id, tag, s)
	s.streams[id] = str
	s.mu.Unlock()

	if err := s.send(newSynFrame(id, tag)); err != nil {
		s.mu.Lock()
		delete(s.streams, id)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case <-str.accepted:
		return str, nil
	case <-str.rejected:
		s.mu.Lock()
		delete(s.streams, id)
		s.mu.Unlock()
		return nil, ErrStreamRejected
	case <-s.closed:
		s.mu.Lock()
		delete(s.streams, id)
		s.mu.Unlock()
		return nil, ErrSessionClosed
	case <-time.After(s.streamAcceptDeadline):
		s.mu.Lock()
		delete(s.streams, id)
		s.mu.Unlock()
		return nil, ErrAcceptTimeout
	}
}

// Close closes the session and the underlying websocket connection. Every
// open stream dies with a stream error.
func (s *Session) Close() error {
	s.mu.Lock()

	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}

	var err error
	if s.closeConn {
		err = s.conn.Close()
	}

	for _, str := range s.streams {
		str.kill()
	}
	s.streams = nil
	s.waiters = nil
	close(s.closed)
	s.mu.Unlock()

	if s.closeCallback != nil {
		s.closeCallback()
	}
	return err
}

// IsClosed reports whether the session has closed.
func (s *Session) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) send(f frame) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	s.sendLock.Lock()
	defer s.sendLock.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, f.serialize())
}

func (s *Session) closeHandler(code int, text string) error {
	s.logger.Printf("control connection closed: code %d: %s", code, text)
	s.mu.Lock()
	s.closeConn = false
	s.mu.Unlock()
	return s.Close()
}

func (s *Session) pongHandler(string) error {
	s.mu.Lock()
	s.pongSeen = true
	s.mu.Unlock()
	return nil
}

// sendKeepAlives pings the peer every keepAliveInterval and aborts the
// session when a pong is missed, so liveness flows from the transport.
func (s *Session) sendKeepAlives() {
	ticker := time.NewTicker(s.keepAliveInterval)
	defer ticker.Stop()
	for {
		s.sendLock.Lock()
		err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.keepAliveInterval/2))
		s.sendLock.Unlock()
		if err != nil {
			s.abort(err)
			return
		}

		select {
		case <-ticker.C:
		case <-s.closed:
			return
		}

		s.mu.Lock()
		pongSeen := s.pongSeen
		s.pongSeen = false
		s.mu.Unlock()
		if !pongSeen {
			s.logger.Print("no pong seen; aborting session")
			s.abort(ErrKeepAliveExpired)
			return
		}
	}
}

func (s *Session) recvLoop() {
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		t, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.abort(err)
			return
		}
		if t != websocket.BinaryMessage {
			s.logger.Print("dropping non-binary message")
			continue
		}

		fr, err := deserializeFrame(msg)
		if err != nil {
			s.logger.Print(err)
			continue
		}

		switch fr.kind {
		case kindSYN:
			s.handleSyn(fr.id, string(fr.payload))
		case kindEVT:
			s.handleEvent(fr.payload)
		default:
			s.mu.Lock()
			str := s.streams[fr.id]
			s.mu.Unlock()
			if str != nil {
				str.handleFrame(fr)
			}
		}
	}
}

// handleSyn delivers a peer-opened stream to the acceptor waiting on its
// tag, acknowledging with the local window. With no acceptor the stream is
// refused with a FIN.
func (s *Session) handleSyn(id uint32, tag string) {
	s.mu.Lock()
	if s.streams == nil {
		s.mu.Unlock()
		return
	}
	if _, ok := s.streams[id]; ok {
		s.logger.Printf("duplicate SYN for stream %d", id)
		s.mu.Unlock()
		return
	}
	w, ok := s.waiters[tag]
	if !ok {
		s.mu.Unlock()
		s.logger.Printf("no acceptor for stream tag %q; refusing", tag)
		_ = s.send(newFinFrame(id))
		return
	}
	delete(s.waiters, tag)

	str := newStream(id, tag, s)
	s.streams[id] = str
	s.mu.Unlock()

	// Self-grant the local send window under the assumption that the peer
	// configured the same per-stream buffer size, mirroring the grant the
	// ACK below hands the opener.
	str.accept(uint32(s.window))
	if err := s.send(newAckFrame(id, uint32(s.window))); err != nil {
		s.abort(err)
		return
	}
	w.deliver(str)
}

func (s *Session) handleEvent(body []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.logger.Printf("bad event frame: %v", err)
		return
	}
	if s.onEvent != nil {
		s.onEvent(s, &env)
	}
}

func (s *Session) abort(err error) {
	if s.IsClosed() {
		return
	}
	s.logger.Printf("session aborting: %v", err)
	_ = s.Close()
}

// removeDeadStreams periodically forgets streams that are dead and drained.
func (s *Session) removeDeadStreams() {
	for {
		select {
		case <-s.closed:
			return
		case <-time.After(deadStreamSweepInterval):
		}

		s.mu.Lock()
		for id, str := range s.streams {
			if str.removable() {
				delete(s.streams, id)
			}
		}
		s.mu.Unlock()
	}
}
