package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/encodeous/loom/state"
)

var (
	ErrMalformed  = errors.New("malformed packet")
	ErrUnknownTag = errors.New("unknown packet tag")
)

// treeLimit bounds the vertex count of a decoded hop tree so a hostile
// peer cannot make us allocate unboundedly.
const treeLimit = 4096

// Marshal encodes a packet as tag+body, without the length prefix.
func Marshal(pkt Packet) []byte {
	out := binary.BigEndian.AppendUint16(nil, pkt.Tag())
	switch p := pkt.(type) {
	case *LinkHandshake:
		out = append(out, p.Peer[:]...)
		out = append(out, byte(p.Purpose))
	case *MulticastHandshake:
		out = append(out, p.Source[:]...)
		out = binary.BigEndian.AppendUint16(out, uint16(len(p.Destinations)))
		for _, d := range p.Destinations {
			out = append(out, d[:]...)
		}
		out = appendTree(out, p.NextHop)
	case *EstablishedConfirm:
		out = append(out, p.Source[:]...)
	case *LinkStatePacket:
		out = append(out, p.Peer[:]...)
		out = binary.BigEndian.AppendUint16(out, uint16(len(p.Neighbours)))
		for _, n := range p.Neighbours {
			out = append(out, n.Peer[:]...)
			out = binary.BigEndian.AppendUint32(out, n.Cost)
		}
	case *FloodEnvelope:
		out = append(out, p.Origin[:]...)
		out = binary.BigEndian.AppendUint32(out, p.Seq)
		out = append(out, p.Inner...)
	default:
		panic(fmt.Sprintf("marshal of unknown packet type %T", pkt))
	}
	return out
}

// Decode parses a tag+body frame into a packet.
func Decode(data []byte) (Packet, error) {
	r := reader{data: data}
	tag, err := r.u16()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagLinkHandshake:
		p := &LinkHandshake{}
		if p.Peer, err = r.peer(); err != nil {
			return nil, err
		}
		b, err := r.u8()
		if err != nil {
			return nil, err
		}
		p.Purpose = LinkPurpose(b)
		if p.Purpose != PurposeRouting && p.Purpose != PurposeRouted {
			return nil, fmt.Errorf("%w: link purpose %d", ErrMalformed, b)
		}
		return p, r.done()
	case TagMulticastHandshake:
		p := &MulticastHandshake{}
		if p.Source, err = r.peer(); err != nil {
			return nil, err
		}
		n, err := r.u16()
		if err != nil {
			return nil, err
		}
		p.Destinations = make([]state.PeerId, 0, min(int(n), treeLimit))
		for i := 0; i < int(n); i++ {
			d, err := r.peer()
			if err != nil {
				return nil, err
			}
			p.Destinations = append(p.Destinations, d)
		}
		budget := treeLimit
		if p.NextHop, err = r.tree(&budget); err != nil {
			return nil, err
		}
		return p, r.done()
	case TagEstablishedConfirm:
		p := &EstablishedConfirm{}
		if p.Source, err = r.peer(); err != nil {
			return nil, err
		}
		return p, r.done()
	case TagLinkState:
		p := &LinkStatePacket{}
		if p.Peer, err = r.peer(); err != nil {
			return nil, err
		}
		n, err := r.u16()
		if err != nil {
			return nil, err
		}
		p.Neighbours = make([]NeighbourCost, 0, min(int(n), treeLimit))
		for i := 0; i < int(n); i++ {
			var nc NeighbourCost
			if nc.Peer, err = r.peer(); err != nil {
				return nil, err
			}
			if nc.Cost, err = r.u32(); err != nil {
				return nil, err
			}
			p.Neighbours = append(p.Neighbours, nc)
		}
		return p, r.done()
	case TagFloodEnvelope:
		p := &FloodEnvelope{}
		if p.Origin, err = r.peer(); err != nil {
			return nil, err
		}
		if p.Seq, err = r.u32(); err != nil {
			return nil, err
		}
		// copied: the frame buffer is reused by the caller, but the
		// envelope may be retained for re-broadcast
		p.Inner = append([]byte(nil), r.rest()...)
		if len(p.Inner) < 2 {
			return nil, fmt.Errorf("%w: empty flood envelope", ErrMalformed)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, tag)
}

func appendTree(out []byte, t *state.Tree) []byte {
	out = append(out, t.Peer[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(t.Children)))
	for _, c := range t.Children {
		out = appendTree(out, c)
	}
	return out
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) need(n int) error {
	if len(r.data)-r.off < n {
		return fmt.Errorf("%w: truncated at offset %d", ErrMalformed, r.off)
	}
	return nil
}

func (r *reader) u8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.data[r.off]
	r.off++
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) peer() (state.PeerId, error) {
	var id state.PeerId
	if err := r.need(16); err != nil {
		return id, err
	}
	copy(id[:], r.data[r.off:])
	r.off += 16
	return id, nil
}

func (r *reader) tree(budget *int) (*state.Tree, error) {
	*budget--
	if *budget < 0 {
		return nil, fmt.Errorf("%w: hop tree too large", ErrMalformed)
	}
	t := &state.Tree{}
	var err error
	if t.Peer, err = r.peer(); err != nil {
		return nil, err
	}
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(n); i++ {
		c, err := r.tree(budget)
		if err != nil {
			return nil, err
		}
		t.Children = append(t.Children, c)
	}
	return t, nil
}

func (r *reader) rest() []byte {
	out := r.data[r.off:]
	r.off = len(r.data)
	return out
}

func (r *reader) done() error {
	if r.off != len(r.data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.data)-r.off)
	}
	return nil
}
