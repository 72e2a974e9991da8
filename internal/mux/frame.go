package mux

import (
	"encoding/binary"
	"fmt"
)

// Wire framing: one websocket binary message per frame.
//
//	kind(1) | stream id(4, little endian) | payload
//
// kindSYN opens a stream; its payload is the tag (an arbitrary UTF-8
// string, in practice a request ticket). kindACK carries a uint32 window
// grant. kindDAT carries stream bytes. kindFIN closes one direction.
// kindEVT (always stream id 0) carries a JSON event envelope.
const (
	kindSYN byte = iota
	kindACK
	kindDAT
	kindFIN
	kindEVT
)

type frame struct {
	kind    byte
	id      uint32
	payload []byte
}

func (f frame) serialize() []byte {
	buf := make([]byte, 5+len(f.payload))
	buf[0] = f.kind
	binary.LittleEndian.PutUint32(buf[1:5], f.id)
	copy(buf[5:], f.payload)
	return buf
}

func deserializeFrame(b []byte) (*frame, error) {
	if len(b) < 5 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(b))
	}
	return &frame{kind: b[0], id: binary.LittleEndian.Uint32(b[1:5]), payload: b[5:]}, nil
}

func newSynFrame(id uint32, tag string) frame {
	return frame{kind: kindSYN, id: id, payload: []byte(tag)}
}

func newAckFrame(id uint32, grant uint32) frame {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, grant)
	return frame{kind: kindACK, id: id, payload: payload}
}

func newDatFrame(id uint32, data []byte) frame {
	return frame{kind: kindDAT, id: id, payload: data}
}

func newFinFrame(id uint32) frame {
	return frame{kind: kindFIN, id: id}
}

func newEvtFrame(body []byte) frame {
	return frame{kind: kindEVT, payload: body}
}
