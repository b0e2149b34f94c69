package protocol

import (
	"testing"

	"github.com/encodeous/loom/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pid(b byte) state.PeerId {
	var id state.PeerId
	id[15] = b
	return id
}

func TestLinkHandshakeRoundTrip(t *testing.T) {
	pkt := &LinkHandshake{Peer: pid(7), Purpose: PurposeRouting}
	out, err := Decode(Marshal(pkt))
	require.NoError(t, err)
	assert.Equal(t, pkt, out)
}

func TestLinkHandshakeRejectsBadPurpose(t *testing.T) {
	raw := Marshal(&LinkHandshake{Peer: pid(7), Purpose: PurposeRouted})
	raw[len(raw)-1] = 9
	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMulticastHandshakeRoundTrip(t *testing.T) {
	tree := state.NewTree(pid(1))
	tree.InsertPath([]state.PeerId{pid(2), pid(4)})
	tree.InsertPath([]state.PeerId{pid(2), pid(5)})
	tree.InsertPath([]state.PeerId{pid(3)})
	pkt := &MulticastHandshake{
		Source:       pid(1),
		Destinations: []state.PeerId{pid(3), pid(4), pid(5)},
		NextHop:      tree,
	}
	out, err := Decode(Marshal(pkt))
	require.NoError(t, err)
	assert.Equal(t, pkt, out)
}

func TestLinkStateRoundTrip(t *testing.T) {
	pkt := &LinkStatePacket{
		Peer: pid(9),
		Neighbours: []NeighbourCost{
			{Peer: pid(1), Cost: 1},
			{Peer: pid(2), Cost: 700},
		},
	}
	out, err := Decode(Marshal(pkt))
	require.NoError(t, err)
	assert.Equal(t, pkt, out)
}

func TestFloodEnvelopeRoundTrip(t *testing.T) {
	inner := Marshal(&LinkStatePacket{Peer: pid(3)})
	pkt := &FloodEnvelope{Origin: pid(3), Seq: 41, Inner: inner}
	out, err := Decode(Marshal(pkt))
	require.NoError(t, err)
	env := out.(*FloodEnvelope)
	assert.Equal(t, pkt.Origin, env.Origin)
	assert.Equal(t, pkt.Seq, env.Seq)
	assert.Equal(t, inner, env.Inner)
	assert.Equal(t, TagLinkState, env.InnerTag())
}

func TestDecodeTruncated(t *testing.T) {
	raw := Marshal(&EstablishedConfirm{Source: pid(1)})
	for i := 1; i < len(raw); i++ {
		_, err := Decode(raw[:i])
		assert.Error(t, err, "truncation at %d should fail", i)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x7f, 0x00})
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	raw := append(Marshal(&EstablishedConfirm{Source: pid(1)}), 0xaa)
	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFrameReaderChunkedDelivery(t *testing.T) {
	var frames [][]byte
	a, err := Frame(&EstablishedConfirm{Source: pid(1)})
	require.NoError(t, err)
	b, err := Frame(&LinkHandshake{Peer: pid(2), Purpose: PurposeRouted})
	require.NoError(t, err)
	stream := append(append([]byte{}, a...), b...)

	var fr FrameReader
	// feed one byte at a time
	for _, by := range stream {
		err := fr.Push([]byte{by}, func(frame []byte) error {
			frames = append(frames, append([]byte(nil), frame...))
			return nil
		})
		require.NoError(t, err)
	}
	require.Len(t, frames, 2)
	assert.Equal(t, a[2:], frames[0])
	assert.Equal(t, b[2:], frames[1])
}

func TestFrameReaderTakeBuffered(t *testing.T) {
	a, err := Frame(&EstablishedConfirm{Source: pid(1)})
	require.NoError(t, err)
	partial := []byte{0x00, 0x10, 0xde, 0xad}

	var fr FrameReader
	seen := 0
	err = fr.Push(append(append([]byte{}, a...), partial...), func([]byte) error {
		seen++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
	assert.Equal(t, partial, fr.TakeBuffered())
	assert.Empty(t, fr.TakeBuffered())
}

func TestTreeDecodeBudget(t *testing.T) {
	// a unary chain longer than the limit must be rejected
	root := state.NewTree(pid(0))
	cur := root
	for i := 0; i < treeLimit+1; i++ {
		next := &state.Tree{Peer: pid(byte(i % 251))}
		cur.Children = []*state.Tree{next}
		cur = next
	}
	pkt := &MulticastHandshake{Source: pid(1), NextHop: root}
	_, err := Decode(Marshal(pkt))
	assert.ErrorIs(t, err, ErrMalformed)
}
