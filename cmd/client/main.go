package main

import (
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/matst80/doorway/internal/mux"
	"github.com/matst80/doorway/internal/obs"
	"github.com/matst80/doorway/internal/proto"
)

func main() {
	log := obs.NewLogger(cfg.Debug)
	log.WithFields(logrus.Fields{"name": cfg.Name, "target": cfg.Target, "server": cfg.ServerURL}).
		Info("doorway client starting")
	for {
		if err := runOnce(log); err != nil {
			log.WithError(err).Error("control connection ended")
		}
		time.Sleep(cfg.ReconnectDelay)
		log.Info("reconnecting")
	}
}

// runOnce holds one control connection: claim the name, then answer every
// incomingClient ticket by opening the tagged stream and bridging it to
// the local target.
func runOnce(log *logrus.Logger) error {
	url := strings.TrimSuffix(cfg.ServerURL, "/") + proto.ControlPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return err
	}

	sess := mux.Client(conn, mux.Config{
		Log: log,
		OnEvent: func(s *mux.Session, env *proto.Envelope) {
			if env.Event != proto.EventIncomingClient {
				return
			}
			ticket, err := env.StringPayload()
			if err != nil {
				log.WithError(err).Error("malformed incomingClient payload")
				return
			}
			go serveTicket(log, s, ticket)
		},
	})

	if err := sess.Emit(proto.EventCreateTunnel, cfg.Name); err != nil {
		_ = sess.Close()
		return err
	}
	log.WithField("name", cfg.Name).Info("tunnel requested")

	<-sess.Done()
	return mux.ErrSessionClosed
}

// serveTicket opens the reply stream for one public request and splices it
// with a fresh connection to the local target. The serialized request
// arrives on the stream; the local server's response flows back on it.
func serveTicket(log *logrus.Logger, sess *mux.Session, ticket string) {
	tun, err := sess.Open(ticket)
	if err != nil {
		log.WithError(err).WithField("ticket", ticket).Error("stream open failed")
		return
	}

	local, err := net.Dial("tcp", cfg.Target)
	if err != nil {
		log.WithError(err).Error("local target dial failed (sending 502)")
		msg := "local target unavailable"
		_, _ = io.WriteString(tun, "HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nContent-Length: "+
			strconv.Itoa(len(msg))+"\r\n\r\n"+msg)
		_ = tun.Close()
		return
	}

	var once sync.Once
	closeBoth := func() {
		_ = local.Close()
		_ = tun.Close()
	}
	go func() {
		_, _ = io.Copy(local, tun)
		once.Do(closeBoth)
	}()
	_, _ = io.Copy(tun, local)
	once.Do(closeBoth)
}
