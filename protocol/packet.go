// Package protocol defines the wire schema spoken between loom peers.
// Every packet is length-prefixed (16-bit big-endian, excluding the
// prefix) and begins with a 16-bit type tag.
package protocol

import (
	"github.com/encodeous/loom/state"
)

const (
	TagLinkHandshake      = uint16(0x01)
	TagMulticastHandshake = uint16(0x02)
	TagEstablishedConfirm = uint16(0x03)
	TagLinkState          = uint16(0x10)
	TagFloodEnvelope      = uint16(0x20)
)

// LinkPurpose declares what a freshly opened connection will carry.
type LinkPurpose uint8

const (
	// PurposeRouting is the long-lived neighbour connection carrying
	// flooded routing metadata.
	PurposeRouting LinkPurpose = 1
	// PurposeRouted is one hop of a routed or multicast path.
	PurposeRouted LinkPurpose = 2
)

type Packet interface {
	Tag() uint16
}

// LinkHandshake is the first packet on every direct connection.
type LinkHandshake struct {
	Peer    state.PeerId
	Purpose LinkPurpose
}

func (*LinkHandshake) Tag() uint16 { return TagLinkHandshake }

// MulticastHandshake tells the responder which subtree of the hop plan it
// is responsible for.
type MulticastHandshake struct {
	Source       state.PeerId
	Destinations []state.PeerId
	NextHop      *state.Tree
}

func (*MulticastHandshake) Tag() uint16 { return TagMulticastHandshake }

// EstablishedConfirm is the endpoint confirmation exchanged once a routed
// or multicast path is fully wired.
type EstablishedConfirm struct {
	Source state.PeerId
}

func (*EstablishedConfirm) Tag() uint16 { return TagEstablishedConfirm }

// LinkStatePacket advertises one node's current neighbour list, flooded
// mesh-wide.
type LinkStatePacket struct {
	Peer       state.PeerId
	Neighbours []NeighbourCost
}

type NeighbourCost struct {
	Peer state.PeerId
	Cost uint32
}

func (*LinkStatePacket) Tag() uint16 { return TagLinkState }

// FloodEnvelope wraps an inner packet for sequenced dissemination. Inner
// holds the raw tag+body of the wrapped packet; it is decoded only by the
// receiving flood manager's handlers.
type FloodEnvelope struct {
	Origin state.PeerId
	Seq    uint32
	Inner  []byte
}

func (*FloodEnvelope) Tag() uint16 { return TagFloodEnvelope }

// InnerTag returns the type tag of the wrapped packet, or 0 if the
// envelope is too short to hold one.
func (f *FloodEnvelope) InnerTag() uint16 {
	if len(f.Inner) < 2 {
		return 0
	}
	return uint16(f.Inner[0])<<8 | uint16(f.Inner[1])
}
