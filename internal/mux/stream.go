package mux

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultWindow is the per-stream read buffer capacity, which is also the
// flow-control window granted to the peer.
const DefaultWindow = 64 * 1024

type streamState int

const (
	// created locally, not yet accepted by the peer
	streamCreated streamState = iota

	// accepted on both ends; reads and writes permitted
	streamAccepted

	// closed locally
	streamClosed

	// closed by the peer
	streamRemoteClosed

	// closed on both ends
	streamDead
)

// Stream is one bidirectional byte channel multiplexed on a Session. It
// implements net.Conn. The tag it was opened with correlates it with the
// public request it serves.
type Stream struct {
	id  uint32
	tag string

	m sync.Mutex
	c *sync.Cond

	// received bytes not yet consumed by Read
	b *buffer

	// bytes we may still send before the peer grants more window
	window uint32

	// terminal error, set when the session aborts
	endErr error

	state streamState

	// closed once the peer accepts the stream; Open waits on it
	accepted chan struct{}

	// closed when the peer refuses the stream before accepting it
	rejected chan struct{}

	session *Session

	readTimer  *time.Timer
	writeTimer *time.Timer

	readDeadlineExceeded  bool
	writeDeadlineExceeded bool
}

func newStream(id uint32, tag string, session *Session) *Stream {
	s := &Stream{
		id:       id,
		tag:      tag,
		b:        newBuffer(session.window),
		state:    streamCreated,
		accepted: make(chan struct{}),
		rejected: make(chan struct{}),
		session:  session,
	}
	s.c = sync.NewCond(&s.m)
	return s
}

// Tag returns the tag the stream was opened with.
func (s *Stream) Tag() string { return s.tag }

// handleFrame processes every frame for this stream except kindSYN.
func (s *Stream) handleFrame(fr *frame) {
	switch fr.kind {
	case kindACK:
		if len(fr.payload) < 4 {
			return
		}
		grant := binary.LittleEndian.Uint32(fr.payload)
		select {
		case <-s.accepted:
			s.grow(grant)
		default:
			s.accept(grant)
		}
	case kindDAT:
		s.push(fr.payload)
	case kindFIN:
		s.setRemoteClosed()
	}
}

// grow adds peer-granted window and wakes blocked writers.
func (s *Stream) grow(grant uint32) {
	s.m.Lock()
	defer s.m.Unlock()
	defer s.c.Broadcast()
	s.window += grant
}

// push appends received bytes to the read buffer and wakes blocked readers.
func (s *Stream) push(p []byte) {
	s.m.Lock()
	defer s.m.Unlock()
	defer s.c.Broadcast()
	if _, err := s.b.Write(p); err != nil {
		s.endErr = err
	}
}

// accept transitions the stream to the accepted state with an initial
// window. Called when the first ACK arrives (local opens) or just before an
// ACK is sent back (peer opens).
func (s *Stream) accept(grant uint32) {
	s.m.Lock()
	defer s.m.Unlock()
	defer s.c.Broadcast()
	s.window += grant
	s.state = streamAccepted
	close(s.accepted)
}

func (s *Stream) wasAccepted() bool {
	select {
	case <-s.accepted:
		return true
	default:
		return false
	}
}

func (s *Stream) setRemoteClosed() {
	s.m.Lock()
	defer s.m.Unlock()
	defer s.c.Broadcast()
	if !s.wasAccepted() {
		close(s.rejected)
	}
	if s.state == streamClosed {
		s.state = streamDead
	} else {
		s.state = streamRemoteClosed
	}
}

// removable reports whether the stream is dead and fully drained, so the
// session can forget it.
func (s *Stream) removable() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.state == streamDead && s.b.Len() == 0
}

// kill forces the stream into the dead state without sending a FIN, ending
// pending reads and writes. Used when the session aborts.
func (s *Stream) kill() {
	s.m.Lock()
	defer s.m.Unlock()
	defer s.c.Broadcast()
	if s.endErr == nil {
		s.endErr = ErrSessionClosed
	}
	s.state = streamDead
}

// Close closes the local side, sending a FIN. The peer may keep sending
// until it closes its own side.
func (s *Stream) Close() error {
	s.m.Lock()
	defer s.m.Unlock()
	defer s.c.Broadcast()

	switch s.state {
	case streamDead, streamClosed:
		return nil
	case streamRemoteClosed:
		s.state = streamDead
	default:
		s.state = streamClosed
	}
	return s.session.send(newFinFrame(s.id))
}

// Read reads received bytes, blocking until data, EOF, deadline, or error.
// Consumed bytes are acknowledged to the peer, reopening its window at the
// rate this side actually drains.
func (s *Stream) Read(p []byte) (int, error) {
	s.m.Lock()
	defer s.m.Unlock()
	defer s.c.Broadcast()

	for s.b.Len() == 0 && s.endErr == nil && !s.readDeadlineExceeded &&
		s.state != streamRemoteClosed && s.state != streamDead {
		s.c.Wait()
	}

	if s.readDeadlineExceeded {
		return 0, ErrReadTimeout
	}
	if s.endErr != nil && s.b.Len() == 0 {
		return 0, s.endErr
	}
	if s.b.Len() == 0 && (s.state == streamRemoteClosed || s.state == streamDead) {
		return 0, io.EOF
	}

	n, _ := s.b.Read(p)
	if err := s.session.send(newAckFrame(s.id, uint32(n))); err != nil {
		return n, err
	}
	return n, nil
}

// Write sends bytes, blocking while the peer's window is exhausted.
func (s *Stream) Write(p []byte) (int, error) {
	s.m.Lock()
	defer s.m.Unlock()
	defer s.c.Broadcast()

	total, written := len(p), 0
	for written < total {
		for s.window == 0 && s.endErr == nil && !s.writeDeadlineExceeded &&
			s.state != streamClosed && s.state != streamDead {
			s.c.Wait()
		}

		if s.state == streamClosed || s.state == streamDead {
			return written, ErrBrokenPipe
		}
		if s.writeDeadlineExceeded {
			return written, ErrWriteTimeout
		}
		if s.endErr != nil {
			return written, s.endErr
		}

		n := min(len(p), int(s.window))
		if err := s.session.send(newDatFrame(s.id, p[:n])); err != nil {
			return written, err
		}
		p = p[n:]
		s.window -= uint32(n)
		written += n
	}
	return written, nil
}

func (s *Stream) onExpired(flag *bool) func() {
	return func() {
		s.m.Lock()
		defer s.m.Unlock()
		defer s.c.Broadcast()
		*flag = true
	}
}

// SetReadDeadline implements net.Conn.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.m.Lock()
	defer s.m.Unlock()
	if s.readTimer != nil {
		s.readTimer.Stop()
		s.readTimer = nil
	}
	s.readDeadlineExceeded = false
	if !t.IsZero() {
		s.readTimer = time.AfterFunc(time.Until(t), s.onExpired(&s.readDeadlineExceeded))
	}
	return nil
}

// SetWriteDeadline implements net.Conn.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.m.Lock()
	defer s.m.Unlock()
	if s.writeTimer != nil {
		s.writeTimer.Stop()
		s.writeTimer = nil
	}
	s.writeDeadlineExceeded = false
	if !t.IsZero() {
		s.writeTimer = time.AfterFunc(time.Until(t), s.onExpired(&s.writeDeadlineExceeded))
	}
	return nil
}

// SetDeadline implements net.Conn.
func (s *Stream) SetDeadline(t time.Time) error {
	if err := s.SetReadDeadline(t); err != nil {
		return err
	}
	return s.SetWriteDeadline(t)
}

// LocalAddr implements net.Conn; the value is that of the carrier socket.
func (s *Stream) LocalAddr() net.Addr { return s.session.conn.LocalAddr() }

// RemoteAddr implements net.Conn; the value is that of the carrier socket.
func (s *Stream) RemoteAddr() net.Addr { return s.session.conn.RemoteAddr() }
