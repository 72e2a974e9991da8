package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/matst80/doorway/internal/obs"
	"github.com/matst80/doorway/internal/server"
)

func main() {
	if err := loadConfig(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	log := obs.NewLogger(cfg.Debug)

	srv, err := server.New(server.Config{
		BaseSubdomain:     cfg.Subdomain,
		MaxHeaderBytes:    cfg.MaxHeaderSize,
		RedisAddr:         cfg.RedisAddr,
		RedisPassword:     cfg.RedisPassword,
		RedisDB:           cfg.RedisDB,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Log:               log,
	})
	if err != nil {
		log.WithError(err).Error("server setup failed")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(cfg.Hostname, strconv.Itoa(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.WithError(err).WithField("addr", addr).Error("listen failed")
		os.Exit(1)
	}
	defer ln.Close()

	state := &runState{}
	go startMetricsServer(cfg.MetricsAddr, srv, state, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx, ln); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("serve ended")
		}
	}()

	state.setReady(true)
	log.WithField("addr", addr).Info("server started")

	<-ctx.Done()
	log.Info("shutdown signal received")
	state.setClosing(true)
	_ = ln.Close()
	_ = srv.Close()
	wg.Wait()
	log.Info("shutdown complete")
}

// runState tracks readiness for the health endpoints.
type runState struct {
	mu      sync.Mutex
	ready   bool
	closing bool
}

func (s *runState) setReady(v bool)   { s.mu.Lock(); s.ready = v; s.mu.Unlock() }
func (s *runState) setClosing(v bool) { s.mu.Lock(); s.closing = v; s.mu.Unlock() }

func (s *runState) ok() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && !s.closing
}
