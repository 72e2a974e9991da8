package mux

// buffer is a fixed-capacity circular byte buffer backing a stream's read
// side. Capacity equals the flow-control window advertised to the peer, so
// Write can only overflow if the peer ignores its window.
type buffer struct {
	data  []byte
	start int
	end   int
	size  int
	empty bool // start == end is ambiguous between empty and full
}

func newBuffer(capacity int) *buffer {
	return &buffer{data: make([]byte, capacity), size: capacity, empty: true}
}

func (b *buffer) Len() int {
	if b.empty {
		return 0
	}
	if b.start < b.end {
		return b.end - b.start
	}
	return b.size + b.end - b.start
}

func (b *buffer) spare() int { return b.size - b.Len() }

func (b *buffer) Read(p []byte) (int, error) {
	if b.empty {
		return 0, nil
	}
	want := min(len(p), b.Len())
	var n int
	if b.start < b.end {
		n = copy(p, b.data[b.start:b.start+want])
	} else {
		n = copy(p, b.data[b.start:])
		if n < want {
			n += copy(p[n:], b.data[:b.end])
		}
	}
	b.start = (b.start + n) % b.size
	b.empty = b.start == b.end
	return n, nil
}

func (b *buffer) Write(p []byte) (int, error) {
	if len(p) > b.spare() {
		return 0, ErrNoCapacity
	}
	n := copy(b.data[b.end:], p)
	if n < len(p) {
		copy(b.data, p[n:])
	}
	b.end = (b.end + len(p)) % b.size
	b.empty = b.empty && len(p) == 0
	return len(p), nil
}
