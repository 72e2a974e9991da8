package mux

import "errors"

var (
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrAcceptTimeout is returned by Open when the peer does not accept
	// the stream within the configured deadline.
	ErrAcceptTimeout = errors.New("stream accept timed out")

	// ErrStreamRejected is returned by Open when the peer has no acceptor
	// registered for the stream's tag.
	ErrStreamRejected = errors.New("stream rejected by peer")

	// ErrBrokenPipe is returned when writing to a locally closed stream.
	ErrBrokenPipe = errors.New("broken pipe")

	// ErrReadTimeout is returned when a read deadline expires.
	ErrReadTimeout = errors.New("read timed out")

	// ErrWriteTimeout is returned when a write deadline expires.
	ErrWriteTimeout = errors.New("write timed out")

	// ErrNoCapacity is returned by the read buffer when the peer overruns
	// its flow-control window.
	ErrNoCapacity = errors.New("read buffer over capacity")

	// ErrKeepAliveExpired is the abort cause when no pong arrives within a
	// keepalive interval.
	ErrKeepAliveExpired = errors.New("keepalive expired")
)
