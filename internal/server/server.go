// Package server implements the doorway tunneling server: it routes public
// HTTP and upgrade requests by subdomain to registered tunnel clients and
// relays the raw request and response bytes over per-request streams on
// each client's control channel.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/matst80/doorway/internal/httpx"
	"github.com/matst80/doorway/internal/proto"
)

// DefaultControlPath is the URL prefix owned by the control stack. Tunnel
// clients complete their websocket handshake here; everything else on the
// listener is treated as public traffic.
const DefaultControlPath = proto.ControlPath

const defaultMaxHeaderBytes = 32 * 1024

// Config is the server's runtime configuration.
type Config struct {
	// BaseSubdomain is the subdomain the server itself runs under, stripped
	// from resolved names. Empty means none.
	BaseSubdomain string

	// ControlPath overrides DefaultControlPath.
	ControlPath string

	// MaxHeaderBytes bounds the accepted request head size.
	MaxHeaderBytes int

	// RedisAddr enables the cross-instance presence store when non-empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// HeartbeatInterval between presence TTL refreshes.
	HeartbeatInterval time.Duration

	Log *logrus.Logger
}

// Server accepts public connections, sniffs the request head, and routes
// each connection to the forwarder, the upgrade bridge, or the control
// stack.
type Server struct {
	cfg      Config
	log      *logrus.Logger
	reg      *registry
	pres     presence
	upgrader websocket.Upgrader
	ctrl     *connQueue
	ctrlSrv  *http.Server
}

// New builds a Server from cfg, connecting to Redis when configured.
func New(cfg Config) (*Server, error) {
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}
	if cfg.ControlPath == "" {
		cfg.ControlPath = DefaultControlPath
	}
	if cfg.MaxHeaderBytes == 0 {
		cfg.MaxHeaderBytes = defaultMaxHeaderBytes
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}

	s := &Server{
		cfg:  cfg,
		log:  cfg.Log,
		reg:  newRegistry(),
		pres: localPresence{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if cfg.RedisAddr != "" {
		pres, err := newRedisPresence(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Log)
		if err != nil {
			return nil, err
		}
		s.pres = pres
		cfg.Log.WithField("addr", cfg.RedisAddr).Info("presence backend: redis")
	}
	return s, nil
}

// ClientCount returns the number of registered tunnel clients.
func (s *Server) ClientCount() int { return s.reg.count() }

// ClientNames returns the currently claimed names.
func (s *Server) ClientNames() []string { return s.reg.names() }

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.ctrl = newConnQueue(ln.Addr())
	routes := http.NewServeMux()
	routes.HandleFunc(s.cfg.ControlPath, s.handleControlWS)
	s.ctrlSrv = &http.Server{Handler: routes}
	go func() {
		if err := s.ctrlSrv.Serve(s.ctrl); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("control server stopped")
		}
	}()
	go s.runHeartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.WithError(err).Error("accept failed, retrying")
				continue
			}
			return err
		}
		go s.handleConn(c)
	}
}

// Close releases the control queue and presence backend.
func (s *Server) Close() error {
	if s.ctrl != nil {
		_ = s.ctrl.Close()
	}
	if s.ctrlSrv != nil {
		_ = s.ctrlSrv.Close()
	}
	return s.pres.close()
}

func (s *Server) runHeartbeat(ctx context.Context) {
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.pres.heartbeat(ctx, s.reg.names())
		}
	}
}

// handleConn sniffs the request head from a fresh public connection and
// dispatches it. The raw consumed bytes are replayed for the control stack
// so its HTTP server sees the request untouched.
func (s *Server) handleConn(c net.Conn) {
	br := bufio.NewReader(c)
	head, raw, err := httpx.ReadHead(br, s.cfg.MaxHeaderBytes)
	if err != nil {
		s.log.WithError(err).Debug("dropping unparseable connection")
		_ = c.Close()
		return
	}

	if s.isControlURI(head.URI) {
		s.ctrl.push(newReplayConn(c, raw, br))
		return
	}

	name, rerr := ResolveName(head.Get("Host"), s.cfg.BaseSubdomain)

	if head.IsUpgrade() {
		if rerr != nil {
			// a handshake against the bare domain belongs to the
			// control stack; anything else is unroutable
			if errors.Is(rerr, ErrInvalidSubdomain) {
				s.ctrl.push(newReplayConn(c, raw, br))
				return
			}
			_ = c.Close()
			return
		}
		s.bridgeUpgrade(c, br, head, name)
		return
	}

	if rerr != nil {
		writeBadGateway(c, rerr.Error())
		_ = c.Close()
		return
	}
	s.forward(c, br, head, name)
}

func (s *Server) isControlURI(uri string) bool {
	p := s.cfg.ControlPath
	return uri == p || strings.HasPrefix(uri, p+"/") || strings.HasPrefix(uri, p+"?")
}

func unregisteredMessage(name string) string {
	return fmt.Sprintf("%s is currently unregistered or offline.", name)
}

// writeBadGateway emits a raw 502 with the error message as body.
func writeBadGateway(c net.Conn, msg string) {
	fmt.Fprintf(c, "HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\n\r\n%s", len(msg), msg)
}
