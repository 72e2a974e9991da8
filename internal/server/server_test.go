package server

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/matst80/doorway/internal/mux"
	"github.com/matst80/doorway/internal/proto"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

// startServer runs a Server on a loopback listener and tears it down with
// the test.
func startServer(t *testing.T, base string) (string, *Server) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv, err := New(Config{BaseSubdomain: base, Log: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
		_ = srv.Close()
	})
	return ln.Addr().String(), srv
}

// dialControl opens a tunnel client control session against addr. onTicket
// runs in its own goroutine for every incomingClient event.
func dialControl(t *testing.T, addr string, onTicket func(sess *mux.Session, ticket string)) *mux.Session {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+DefaultControlPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	sess := mux.Client(conn, mux.Config{
		OnEvent: func(s *mux.Session, env *proto.Envelope) {
			if env.Event != proto.EventIncomingClient {
				return
			}
			ticket, err := env.StringPayload()
			if err != nil {
				t.Errorf("incomingClient payload: %v", err)
				return
			}
			if onTicket != nil {
				go onTicket(s, ticket)
			}
		},
	})
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func claim(t *testing.T, sess *mux.Session, name string) {
	t.Helper()
	if err := sess.Emit(proto.EventCreateTunnel, name); err != nil {
		t.Fatal(err)
	}
}

func waitClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for srv.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count stuck at %d, want %d", srv.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func publicRequest(t *testing.T, addr, raw string) string {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := io.WriteString(c, raw); err != nil {
		t.Fatal(err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, _ := io.ReadAll(c)
	return string(resp)
}

// echoTunnelClient answers each ticket by reading exactly wantRequest off
// the stream and writing response back, mirroring a localtunnel client in
// front of a local HTTP server.
func echoTunnelClient(t *testing.T, wantRequest, response string) func(*mux.Session, string) {
	return func(sess *mux.Session, ticket string) {
		tun, err := sess.Open(ticket)
		if err != nil {
			t.Errorf("open stream for ticket: %v", err)
			return
		}
		defer tun.Close()
		got := make([]byte, len(wantRequest))
		if _, err := io.ReadFull(tun, got); err != nil {
			t.Errorf("read serialized request: %v", err)
			return
		}
		if string(got) != wantRequest {
			t.Errorf("serialized request = %q, want %q", got, wantRequest)
		}
		if _, err := io.WriteString(tun, response); err != nil {
			t.Errorf("write response: %v", err)
		}
	}
}

func TestHappyPathGET(t *testing.T) {
	addr, srv := startServer(t, "")
	request := "GET /foo HTTP/1.1\r\nHost: alice.example.com\r\n\r\n"
	wantSerialized := request + "\r\n"
	response := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"

	sess := dialControl(t, addr, echoTunnelClient(t, wantSerialized, response))
	claim(t, sess, "alice")
	waitClients(t, srv, 1)

	if got := publicRequest(t, addr, request); got != response {
		t.Fatalf("response = %q, want %q", got, response)
	}
}

func TestHappyPathPOSTBody(t *testing.T) {
	addr, srv := startServer(t, "")
	request := "POST /submit HTTP/1.1\r\nHost: alice.example.com\r\nContent-Length: 5\r\n\r\nhello"
	wantSerialized := request + "\r\n"
	response := "HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n"

	sess := dialControl(t, addr, echoTunnelClient(t, wantSerialized, response))
	claim(t, sess, "alice")
	waitClients(t, srv, 1)

	if got := publicRequest(t, addr, request); got != response {
		t.Fatalf("response = %q, want %q", got, response)
	}
}

func TestChunkedBodyIsCollected(t *testing.T) {
	addr, srv := startServer(t, "")
	request := "POST /up HTTP/1.1\r\nHost: alice.example.com\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	// the head passes through verbatim; the body arrives dechunked
	wantSerialized := "POST /up HTTP/1.1\r\nHost: alice.example.com\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"hello world\r\n"
	response := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"

	sess := dialControl(t, addr, echoTunnelClient(t, wantSerialized, response))
	claim(t, sess, "alice")
	waitClients(t, srv, 1)

	if got := publicRequest(t, addr, request); got != response {
		t.Fatalf("response = %q, want %q", got, response)
	}
}

func TestUnknownSubdomain502(t *testing.T) {
	addr, _ := startServer(t, "")
	got := publicRequest(t, addr, "GET / HTTP/1.1\r\nHost: ghost.example.com\r\n\r\n")
	if !strings.HasPrefix(got, "HTTP/1.1 502 Bad Gateway\r\n") {
		t.Fatalf("status line wrong: %q", got)
	}
	if !strings.HasSuffix(got, "ghost is currently unregistered or offline.") {
		t.Fatalf("body wrong: %q", got)
	}
}

func TestResolverErrors502(t *testing.T) {
	addr, _ := startServer(t, "")
	got := publicRequest(t, addr, "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	if !strings.HasPrefix(got, "HTTP/1.1 502 Bad Gateway\r\n") || !strings.HasSuffix(got, "invalid subdomain") {
		t.Fatalf("no-subdomain response = %q", got)
	}
	got = publicRequest(t, addr, "GET / HTTP/1.1\r\n\r\n")
	if !strings.HasPrefix(got, "HTTP/1.1 502 Bad Gateway\r\n") || !strings.HasSuffix(got, "invalid hostname") {
		t.Fatalf("no-host response = %q", got)
	}
}

func TestBaseSubdomainStripping(t *testing.T) {
	addr, srv := startServer(t, "tunnel")
	request := "GET / HTTP/1.1\r\nHost: alice.tunnel.example.com\r\n\r\n"
	response := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"

	sess := dialControl(t, addr, echoTunnelClient(t, request+"\r\n", response))
	claim(t, sess, "alice")
	waitClients(t, srv, 1)

	if got := publicRequest(t, addr, request); got != response {
		t.Fatalf("response = %q, want %q", got, response)
	}
	got := publicRequest(t, addr, "GET / HTTP/1.1\r\nHost: tunnel.example.com\r\n\r\n")
	if !strings.HasSuffix(got, "invalid subdomain") {
		t.Fatalf("bare base domain response = %q", got)
	}
}

func TestNameCollisionDisconnectsSecondClient(t *testing.T) {
	addr, srv := startServer(t, "")

	first := dialControl(t, addr, nil)
	claim(t, first, "bob")
	waitClients(t, srv, 1)

	second := dialControl(t, addr, nil)
	claim(t, second, "BOB")

	select {
	case <-second.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("second client was not disconnected")
	}
	if first.IsClosed() {
		t.Fatal("first client must keep its claim")
	}
	if srv.ClientCount() != 1 {
		t.Fatalf("client count = %d, want 1", srv.ClientCount())
	}
}

func TestBadNameDisconnects(t *testing.T) {
	addr, srv := startServer(t, "")
	sess := dialControl(t, addr, nil)
	claim(t, sess, "a.b")
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client with bad name was not disconnected")
	}
	if srv.ClientCount() != 0 {
		t.Fatal("bad name must not create a registry entry")
	}
}

func TestSecondCreateTunnelIgnored(t *testing.T) {
	addr, srv := startServer(t, "")
	sess := dialControl(t, addr, nil)
	claim(t, sess, "carol")
	waitClients(t, srv, 1)
	claim(t, sess, "other")

	// the connection keeps its first name and stays up
	time.Sleep(100 * time.Millisecond)
	if sess.IsClosed() {
		t.Fatal("client disconnected on repeated claim")
	}
	names := srv.ClientNames()
	if len(names) != 1 || names[0] != "carol" {
		t.Fatalf("names = %v, want [carol]", names)
	}
}

func TestWebSocketUpgradeBridging(t *testing.T) {
	addr, srv := startServer(t, "")
	head := "GET /live HTTP/1.1\r\nHost: carol.example.com\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"

	sess := dialControl(t, addr, func(s *mux.Session, ticket string) {
		tun, err := s.Open(ticket)
		if err != nil {
			t.Errorf("open: %v", err)
			return
		}
		defer tun.Close()
		got := make([]byte, len(head))
		if _, err := io.ReadFull(tun, got); err != nil {
			t.Errorf("read head: %v", err)
			return
		}
		// head block only: terminating blank line, no body, no extra CRLF
		if string(got) != head {
			t.Errorf("head = %q, want %q", got, head)
		}
		if _, err := io.WriteString(tun, "HTTP/1.1 101 Switching Protocols\r\n\r\n"); err != nil {
			t.Errorf("write 101: %v", err)
			return
		}
		ping := make([]byte, 4)
		if _, err := io.ReadFull(tun, ping); err != nil {
			t.Errorf("read ping: %v", err)
			return
		}
		if _, err := io.WriteString(tun, "PONG"); err != nil {
			t.Errorf("write pong: %v", err)
		}
	})
	claim(t, sess, "carol")
	waitClients(t, srv, 1)

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := io.WriteString(c, head); err != nil {
		t.Fatal(err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	want101 := "HTTP/1.1 101 Switching Protocols\r\n\r\n"
	got := make([]byte, len(want101))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != want101 {
		t.Fatalf("handshake = %q", got)
	}
	if _, err := io.WriteString(c, "ping"); err != nil {
		t.Fatal(err)
	}
	pong := make([]byte, 4)
	if _, err := io.ReadFull(c, pong); err != nil {
		t.Fatal(err)
	}
	if string(pong) != "PONG" {
		t.Fatalf("pong = %q", pong)
	}
}

func TestClientDisconnectMidRequest(t *testing.T) {
	addr, srv := startServer(t, "")

	opened := make(chan struct{})
	sess := dialControl(t, addr, func(s *mux.Session, ticket string) {
		tun, err := s.Open(ticket)
		if err != nil {
			return
		}
		close(opened)
		// hold the stream open without ever answering
		buf := make([]byte, 1024)
		for {
			if _, err := tun.Read(buf); err != nil {
				return
			}
		}
	})
	claim(t, sess, "dave")
	waitClients(t, srv, 1)

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := io.WriteString(c, "GET / HTTP/1.1\r\nHost: dave.example.com\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel stream never opened")
	}
	_ = sess.Close()

	// the paired public socket is destroyed
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadAll(c); err != nil {
		t.Fatalf("public socket not cleanly closed: %v", err)
	}

	// the registry entry is gone and the name reports unregistered
	waitClients(t, srv, 0)
	got := publicRequest(t, addr, "GET / HTTP/1.1\r\nHost: dave.example.com\r\n\r\n")
	if !strings.HasSuffix(got, "dave is currently unregistered or offline.") {
		t.Fatalf("post-disconnect response = %q", got)
	}
}

func TestCallerDisconnectCancelsPending(t *testing.T) {
	addr, srv := startServer(t, "")

	tickets := make(chan string, 1)
	sess := dialControl(t, addr, func(s *mux.Session, ticket string) {
		tickets <- ticket
	})
	claim(t, sess, "erin")
	waitClients(t, srv, 1)

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(c, "GET / HTTP/1.1\r\nHost: erin.example.com\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	var ticket string
	select {
	case ticket = <-tickets:
	case <-time.After(5 * time.Second):
		t.Fatal("incomingClient never arrived")
	}

	_ = c.Close()
	time.Sleep(200 * time.Millisecond)

	// the one-shot acceptor is dropped: a late stream is either refused
	// outright or immediately torn down
	tun, err := sess.Open(ticket)
	if err == nil {
		_ = tun.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, rerr := tun.Read(make([]byte, 1)); rerr == nil {
			t.Fatal("late stream unexpectedly usable")
		}
	}
}
