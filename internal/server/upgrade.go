package server

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/matst80/doorway/internal/httpx"
	"github.com/matst80/doorway/internal/obs"
	"github.com/matst80/doorway/internal/proto"
)

// bridgeUpgrade relays an HTTP upgrade (websocket) request: the header
// block is framed onto the tunnel stream with its terminating blank line
// and no body, then both sockets are bridged verbatim until either side
// closes. Any error destroys the whole triple.
func (s *Server) bridgeUpgrade(c net.Conn, br *bufio.Reader, head *httpx.Head, name string) {
	cl := s.reg.lookup(name)
	if cl == nil {
		obs.ErrorsTotal.WithLabelValues("unregistered").Inc()
		writeBadGateway(c, unregisteredMessage(name))
		_ = c.Close()
		return
	}

	ticket := uuid.NewString()
	wait := cl.sess.Once(ticket)
	if err := cl.sess.Emit(proto.EventIncomingClient, ticket); err != nil {
		wait.Cancel()
		_ = c.Close()
		return
	}

	obs.PendingRequests.Inc()

	select {
	case tun := <-wait.Ready():
		obs.PendingRequests.Dec()
		obs.StreamsEstablishedTotal.Inc()

		if _, err := head.WriteTo(tun); err != nil {
			s.log.WithError(err).Debug("upgrade head write failed")
			_ = tun.Close()
			_ = c.Close()
			return
		}
		obs.UpgradesBridgedTotal.Inc()

		var once sync.Once
		closeBoth := func() {
			_ = c.Close()
			_ = tun.Close()
		}
		go func() {
			// caller -> client, including any bytes the caller sent
			// ahead of the 101
			_, _ = io.Copy(tun, br)
			once.Do(closeBoth)
		}()
		_, _ = io.Copy(c, tun)
		once.Do(closeBoth)
	case <-cl.sess.Done():
		obs.PendingRequests.Dec()
		wait.Cancel()
		_ = c.Close()
	}
}
