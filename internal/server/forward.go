package server

import (
	"bufio"
	"io"
	"net"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/doorway/internal/httpx"
	"github.com/matst80/doorway/internal/obs"
	"github.com/matst80/doorway/internal/proto"
)

// forward relays one plain HTTP request. The whole body is collected
// first, then the serialized request (start-line, headers verbatim in
// received order, blank line, body, trailing CRLF) is written to a fresh
// tunnel stream as one ordered unit; the client's response bytes flow back
// to the public socket untouched.
func (s *Server) forward(c net.Conn, br *bufio.Reader, head *httpx.Head, name string) {
	cl := s.reg.lookup(name)
	if cl == nil {
		obs.ErrorsTotal.WithLabelValues("unregistered").Inc()
		writeBadGateway(c, unregisteredMessage(name))
		_ = c.Close()
		return
	}

	body, err := readBody(br, head)
	if err != nil {
		s.log.WithError(err).Debug("request body read failed")
		obs.ErrorsTotal.WithLabelValues("body_read").Inc()
		_ = c.Close()
		return
	}

	ticket := uuid.NewString()
	wait := cl.sess.Once(ticket)
	if err := cl.sess.Emit(proto.EventIncomingClient, ticket); err != nil {
		wait.Cancel()
		writeBadGateway(c, unregisteredMessage(name))
		_ = c.Close()
		return
	}

	obs.PendingRequests.Inc()
	start := time.Now()

	// Detect the caller going away while we wait for the reply stream.
	// Bytes arriving here would belong to a pipelined request, which is
	// not supported; they are discarded.
	callerGone := make(chan struct{})
	go func() {
		defer close(callerGone)
		buf := make([]byte, 256)
		for {
			if _, err := br.Read(buf); err != nil {
				return
			}
		}
	}()

	select {
	case tun := <-wait.Ready():
		obs.PendingRequests.Dec()
		obs.StreamsEstablishedTotal.Inc()
		s.bridgeResponse(c, tun, head, body, callerGone)
		obs.RequestDurationSeconds.Observe(time.Since(start).Seconds())
	case <-callerGone:
		obs.PendingRequests.Dec()
		wait.Cancel()
		_ = c.Close()
	case <-cl.sess.Done():
		obs.PendingRequests.Dec()
		wait.Cancel()
		_ = c.Close()
	}
}

// bridgeResponse writes the serialized request onto tun and pipes the
// reply back. Any error on either endpoint tears down both.
func (s *Server) bridgeResponse(c net.Conn, tun io.ReadWriteCloser, head *httpx.Head, body []byte, callerGone <-chan struct{}) {
	var once sync.Once
	closeBoth := func() {
		_ = c.Close()
		_ = tun.Close()
	}
	go func() {
		<-callerGone
		once.Do(closeBoth)
	}()

	if err := writeSerializedRequest(tun, head, body); err != nil {
		s.log.WithError(err).Debug("request write to tunnel failed")
		obs.ErrorsTotal.WithLabelValues("tunnel_write").Inc()
		once.Do(closeBoth)
		return
	}

	// response bytes, verbatim, until the client closes its side
	_, _ = io.Copy(c, tun)
	once.Do(closeBoth)
}

func writeSerializedRequest(w io.Writer, head *httpx.Head, body []byte) error {
	if _, err := head.WriteTo(w); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// readBody collects the request body per its framing: Content-Length, or
// dechunked for Transfer-Encoding chunked. No framing header means no
// body.
func readBody(br *bufio.Reader, head *httpx.Head) ([]byte, error) {
	if head.IsChunked() {
		return io.ReadAll(httputil.NewChunkedReader(br))
	}
	n, err := head.ContentLength()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, err
	}
	return body, nil
}
