package server

import (
	"context"
	"net/http"

	"github.com/matst80/doorway/internal/mux"
	"github.com/matst80/doorway/internal/obs"
	"github.com/matst80/doorway/internal/proto"
)

// handleControlWS completes a tunnel client's websocket handshake and
// starts its control session. The session lives past this handler; its
// receive loop dispatches events here until the client disconnects.
func (s *Server) handleControlWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Error("control upgrade failed")
		return
	}

	cl := &client{remoteAddr: r.RemoteAddr}
	mux.Server(conn, mux.Config{
		Log:           s.log,
		OnEvent:       func(sess *mux.Session, env *proto.Envelope) { s.handleControlEvent(cl, sess, env) },
		CloseCallback: func() { s.handleDisconnect(cl) },
	})
	s.log.WithField("remote", cl.remoteAddr).Debug("control connection accepted")
}

// handleControlEvent processes one event from a client, in arrival order.
// The session is attached to cl here, before any claim can publish cl to
// the registry, so the forwarder always sees a usable session.
func (s *Server) handleControlEvent(cl *client, sess *mux.Session, env *proto.Envelope) {
	cl.sess = sess
	switch env.Event {
	case proto.EventCreateTunnel:
		requested, err := env.StringPayload()
		if err != nil {
			s.log.WithError(err).Error("malformed createTunnel payload, disconnecting client")
			obs.ErrorsTotal.WithLabelValues("create_tunnel_payload").Inc()
			_ = cl.sess.Close()
			return
		}
		s.claimName(cl, requested)
	default:
		s.log.WithField("event", env.Event).Debug("ignoring unknown control event")
	}
}

// claimName runs a createTunnel request against the registry and, when
// configured, the cross-instance presence store. A connection that already
// holds a name keeps it and the request is ignored.
func (s *Server) claimName(cl *client, requested string) {
	name, already, err := s.reg.claim(cl, requested)
	if already {
		return
	}
	switch err {
	case nil:
	case ErrBadName:
		s.log.Infof("%s -- bad subdomain. disconnecting client.", requested)
		obs.ErrorsTotal.WithLabelValues("bad_name").Inc()
		_ = cl.sess.Close()
		return
	case ErrTaken:
		s.log.Infof("%s requested but already claimed. disconnecting client.", name)
		obs.ErrorsTotal.WithLabelValues("name_taken").Inc()
		_ = cl.sess.Close()
		return
	default:
		s.log.WithError(err).Error("claim failed, disconnecting client")
		_ = cl.sess.Close()
		return
	}

	if err := s.pres.claim(context.Background(), name); err != nil {
		s.reg.release(cl)
		if err == ErrTaken {
			s.log.Infof("%s requested but already claimed. disconnecting client.", name)
			obs.ErrorsTotal.WithLabelValues("name_taken").Inc()
		} else {
			s.log.WithError(err).WithField("name", name).Error("presence claim failed, disconnecting client")
			obs.ErrorsTotal.WithLabelValues("presence").Inc()
		}
		_ = cl.sess.Close()
		return
	}

	obs.ActiveClients.Set(float64(s.reg.count()))
	s.log.Infof("%s registered successfully", name)
}

// handleDisconnect releases a closed connection's claim, if it held one.
func (s *Server) handleDisconnect(cl *client) {
	name, held := s.reg.release(cl)
	if !held {
		return
	}
	s.pres.release(context.Background(), name)
	obs.ActiveClients.Set(float64(s.reg.count()))
	s.log.Infof("%s unregistered", name)
}
