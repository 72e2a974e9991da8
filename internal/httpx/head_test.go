package httpx

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func readFrom(t *testing.T, raw string) (*Head, []byte) {
	t.Helper()
	br := bufio.NewReader(strings.NewReader(raw))
	h, consumed, err := ReadHead(br, 32*1024)
	if err != nil {
		t.Fatalf("ReadHead: %v", err)
	}
	return h, consumed
}

func TestReadHeadPreservesOrderAndCase(t *testing.T) {
	raw := "POST /submit HTTP/1.1\r\n" +
		"Host: alice.example.com\r\n" +
		"X-CuStOm: one\r\n" +
		"Accept: */*\r\n" +
		"X-CuStOm: two\r\n" +
		"\r\nbodybytes"
	h, consumed := readFrom(t, raw)

	if h.Method != "POST" || h.URI != "/submit" || h.Proto != "HTTP/1.1" {
		t.Fatalf("bad request line: %+v", h)
	}
	want := []Field{
		{"Host", "alice.example.com"},
		{"X-CuStOm", "one"},
		{"Accept", "*/*"},
		{"X-CuStOm", "two"},
	}
	if len(h.Fields) != len(want) {
		t.Fatalf("got %d fields, want %d", len(h.Fields), len(want))
	}
	for i, f := range want {
		if h.Fields[i] != f {
			t.Errorf("field %d = %+v, want %+v", i, h.Fields[i], f)
		}
	}
	if !strings.HasSuffix(string(consumed), "\r\n\r\n") {
		t.Errorf("consumed bytes do not end at the blank line: %q", consumed)
	}
	if strings.Contains(string(consumed), "bodybytes") {
		t.Error("ReadHead consumed body bytes")
	}
}

func TestWriteToRoundTrips(t *testing.T) {
	raw := "GET /x HTTP/1.1\r\nHost: a.example.com\r\nX-WeIrD: v\r\n\r\n"
	h, _ := readFrom(t, raw)
	var out bytes.Buffer
	if _, err := h.WriteTo(&out); err != nil {
		t.Fatal(err)
	}
	if out.String() != raw {
		t.Fatalf("WriteTo = %q, want %q", out.String(), raw)
	}
}

func TestMalformedFieldDropped(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: a.example.com\r\njunkline\r\n\r\n"
	h, _ := readFrom(t, raw)
	if len(h.Fields) != 1 {
		t.Fatalf("got %d fields, want 1", len(h.Fields))
	}
}

func TestIsUpgrade(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{"GET / HTTP/1.1\r\nHost: a.example.com\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n", true},
		{"GET / HTTP/1.1\r\nHost: a.example.com\r\nConnection: keep-alive, Upgrade\r\nUpgrade: websocket\r\n\r\n", true},
		{"GET / HTTP/1.1\r\nHost: a.example.com\r\nConnection: keep-alive\r\n\r\n", false},
		{"GET / HTTP/1.1\r\nHost: a.example.com\r\nUpgrade: websocket\r\n\r\n", false},
	}
	for _, c := range cases {
		h, _ := readFrom(t, c.raw)
		if got := h.IsUpgrade(); got != c.want {
			t.Errorf("IsUpgrade(%q) = %v, want %v", c.raw, got, c.want)
		}
	}
}

func TestContentLengthAndChunked(t *testing.T) {
	h, _ := readFrom(t, "POST / HTTP/1.1\r\nHost: a.example.com\r\nContent-Length: 42\r\n\r\n")
	n, err := h.ContentLength()
	if err != nil || n != 42 {
		t.Fatalf("ContentLength = %d, %v", n, err)
	}
	h, _ = readFrom(t, "POST / HTTP/1.1\r\nHost: a.example.com\r\nTransfer-Encoding: gzip, chunked\r\n\r\n")
	if !h.IsChunked() {
		t.Error("expected chunked")
	}
	h, _ = readFrom(t, "GET / HTTP/1.1\r\nHost: a.example.com\r\n\r\n")
	if n, _ := h.ContentLength(); n != 0 {
		t.Errorf("empty Content-Length = %d, want 0", n)
	}
	if h.IsChunked() {
		t.Error("unexpected chunked")
	}
}

func TestHeadTooLarge(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: a.example.com\r\nX-Pad: " + strings.Repeat("x", 200) + "\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))
	if _, _, err := ReadHead(br, 64); err == nil {
		t.Fatal("expected size error")
	}
}
