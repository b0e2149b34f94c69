package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame encodes a packet with its 16-bit big-endian length prefix, ready
// to be written to a stream.
func Frame(pkt Packet) ([]byte, error) {
	body := Marshal(pkt)
	if len(body) > 0xffff {
		return nil, fmt.Errorf("%w: packet of %d bytes exceeds frame limit", ErrMalformed, len(body))
	}
	out := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(body)), uint16(len(body)))
	return append(out, body...), nil
}

// FrameReader reassembles length-prefixed frames from an ordered byte
// stream delivered in arbitrary chunks.
type FrameReader struct {
	buf []byte
}

// TakeBuffered removes and returns any stream bytes that do not yet form
// a complete frame. Used when a connection is upgraded from packet
// framing to a raw byte stream: the leftover belongs to the raw stream.
func (r *FrameReader) TakeBuffered() []byte {
	out := r.buf
	r.buf = nil
	return out
}

// Push appends stream data and invokes emit once per completed frame, in
// order. The frame slice is only valid for the duration of the call.
func (r *FrameReader) Push(data []byte, emit func(frame []byte) error) error {
	r.buf = append(r.buf, data...)
	for {
		if len(r.buf) < 2 {
			return nil
		}
		n := int(binary.BigEndian.Uint16(r.buf))
		if len(r.buf) < 2+n {
			return nil
		}
		frame := r.buf[2 : 2+n]
		if err := emit(frame); err != nil {
			return err
		}
		r.buf = r.buf[2+n:]
	}
}
