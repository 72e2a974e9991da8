// Package httpx reads and re-emits HTTP/1.x request heads without going
// through net/http, so header order and casing survive exactly as received
// on the wire.
package httpx

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Field is a single header field, case preserved as seen on the wire.
type Field struct {
	Name  string
	Value string
}

// Head is a parsed request start-line plus headers in received order.
type Head struct {
	Method string
	URI    string
	Proto  string
	Fields []Field
}

// ReadHead consumes exactly the request head (through the blank line) from
// br and parses it. It returns the parsed head and the raw bytes consumed,
// leaving any body bytes unread in br. max bounds the accepted head size.
func ReadHead(br *bufio.Reader, max int) (*Head, []byte, error) {
	var raw []byte
	var lines []string
	for {
		line, err := br.ReadString('\n')
		raw = append(raw, line...)
		if err != nil {
			return nil, raw, fmt.Errorf("read request head: %w", err)
		}
		if len(raw) > max {
			return nil, raw, fmt.Errorf("request head too large (%d>%d)", len(raw), max)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		lines = append(lines, trimmed)
	}
	if len(lines) == 0 {
		return nil, raw, fmt.Errorf("empty request head")
	}
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) < 3 {
		return nil, raw, fmt.Errorf("bad request line: %q", lines[0])
	}
	h := &Head{Method: parts[0], URI: parts[1], Proto: parts[2]}
	for _, line := range lines[1:] {
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue // malformed field, dropped
		}
		h.Fields = append(h.Fields, Field{
			Name:  line[:colon],
			Value: strings.TrimSpace(line[colon+1:]),
		})
	}
	return h, raw, nil
}

// Get returns the first value for name (case-insensitive) or empty.
func (h *Head) Get(name string) string {
	for _, f := range h.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// WriteTo emits the start-line, every field in original order with original
// casing, and the terminating blank line.
func (h *Head) WriteTo(w io.Writer) (int64, error) {
	var total int64
	write := func(s string) error {
		n, err := io.WriteString(w, s)
		total += int64(n)
		return err
	}
	if err := write(h.Method + " " + h.URI + " " + h.Proto + "\r\n"); err != nil {
		return total, err
	}
	for _, f := range h.Fields {
		if err := write(f.Name + ": " + f.Value + "\r\n"); err != nil {
			return total, err
		}
	}
	err := write("\r\n")
	return total, err
}

// IsUpgrade reports whether the request asks for a protocol upgrade
// (an Upgrade header with a Connection header carrying the upgrade token).
func (h *Head) IsUpgrade() bool {
	if h.Get("Upgrade") == "" {
		return false
	}
	for _, tok := range strings.Split(h.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
			return true
		}
	}
	return false
}

// ContentLength returns the declared body length, or 0 when absent.
func (h *Head) ContentLength() (int64, error) {
	v := h.Get("Content-Length")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad Content-Length %q", v)
	}
	return n, nil
}

// IsChunked reports whether the final Transfer-Encoding is chunked.
func (h *Head) IsChunked() bool {
	v := h.Get("Transfer-Encoding")
	if v == "" {
		return false
	}
	encodings := strings.Split(v, ",")
	return strings.EqualFold(strings.TrimSpace(encodings[len(encodings)-1]), "chunked")
}
