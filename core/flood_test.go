package core

import (
	"testing"
	"time"

	"github.com/encodeous/loom/mock"
	"github.com/encodeous/loom/protocol"
	"github.com/encodeous/loom/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// floodFixture is a router with fake neighbours whose routing
// connections feed into frame collectors.
type floodFixture struct {
	router *Router
	frames map[state.PeerId]chan protocol.Packet
}

func newFloodFixture(t *testing.T, s *state.State, run func(func(s *state.State) error), neighbours ...state.PeerId) *floodFixture {
	t.Helper()
	r := &Router{}
	r.env = s.Env
	r.nodes = make(map[state.PeerId]*Node)
	r.table = NewRoutingTable(s.Id)
	r.forkingConnections = make(map[*ForkingConnection]struct{})
	r.pendingForwarded = make(map[*packetConn]struct{})
	r.flood = newFloodManager(r)
	t.Cleanup(r.flood.stop)

	f := &floodFixture{router: r, frames: make(map[state.PeerId]chan protocol.Packet)}
	for _, id := range neighbours {
		id := id
		local, remote := mock.NewConnPair()
		sink := make(chan protocol.Packet, 64)
		f.frames[id] = sink
		var fr protocol.FrameReader
		remote.OnData(func(data []byte) {
			_ = fr.Push(data, func(frame []byte) error {
				pkt, err := protocol.Decode(frame)
				require.NoError(t, err)
				sink <- pkt
				return nil
			})
		})
		run(func(s *state.State) error {
			n := r.ProvideNode(id)
			n.addresses = []state.Address{&fakeAddress{key: "fake/" + id.String(), cost: 1}}
			n.routingConn = newPacketConn(s.Env, local)
			return nil
		})
	}
	return f
}

func (f *floodFixture) drain(id state.PeerId) []protocol.Packet {
	var out []protocol.Packet
	for {
		select {
		case pkt := <-f.frames[id]:
			out = append(out, pkt)
		default:
			return out
		}
	}
}

func envelope(origin state.PeerId, seq uint32, inner protocol.Packet) *protocol.FloodEnvelope {
	return &protocol.FloodEnvelope{Origin: origin, Seq: seq, Inner: protocol.Marshal(inner)}
}

func TestFloodDeliversOncePerPair(t *testing.T) {
	local, b, c, origin := pid(1), pid(2), pid(3), pid(9)
	s, run := newTestState(t, local)
	f := newFloodFixture(t, s, run, b, c)

	delivered := 0
	run(func(s *state.State) error {
		f.router.flood.Handle(protocol.TagLinkState, func(s *state.State, o state.PeerId, pkt protocol.Packet) error {
			delivered++
			assert.Equal(t, origin, o)
			return nil
		})
		return nil
	})

	lsp := &protocol.LinkStatePacket{Peer: origin}
	// the same (origin, seq) arrives via two different neighbours
	run(func(s *state.State) error {
		return f.router.flood.HandleEnvelope(s, b, envelope(origin, 1, lsp))
	})
	run(func(s *state.State) error {
		return f.router.flood.HandleEnvelope(s, c, envelope(origin, 1, lsp))
	})

	assert.Equal(t, 1, delivered)

	// re-broadcast went only to the neighbour that did not send it
	waitForPackets(t, f, c, 1)
	assert.Len(t, f.drain(c), 1)
	assert.Empty(t, f.drain(b))
}

func TestFloodHandlersRunInRegistrationOrder(t *testing.T) {
	local, b := pid(1), pid(2)
	s, run := newTestState(t, local)
	f := newFloodFixture(t, s, run, b)

	var order []int
	run(func(s *state.State) error {
		f.router.flood.Handle(protocol.TagLinkState, func(*state.State, state.PeerId, protocol.Packet) error {
			order = append(order, 1)
			return nil
		})
		f.router.flood.Handle(protocol.TagLinkState, func(*state.State, state.PeerId, protocol.Packet) error {
			order = append(order, 2)
			return nil
		})
		return f.router.flood.HandleEnvelope(s, b, envelope(pid(9), 1, &protocol.LinkStatePacket{Peer: pid(9)}))
	})
	assert.Equal(t, []int{1, 2}, order)
}

func TestFloodWatermarkAbsorbsOutOfOrder(t *testing.T) {
	local, b := pid(1), pid(2)
	s, run := newTestState(t, local)
	f := newFloodFixture(t, s, run, b)

	delivered := 0
	run(func(s *state.State) error {
		f.router.flood.Handle(protocol.TagLinkState, func(*state.State, state.PeerId, protocol.Packet) error {
			delivered++
			return nil
		})
		return nil
	})
	origin := pid(9)
	lsp := &protocol.LinkStatePacket{Peer: origin}
	seqs := []uint32{1, 3, 2, 3, 1, 4}
	for _, seq := range seqs {
		seq := seq
		run(func(s *state.State) error {
			return f.router.flood.HandleEnvelope(s, b, envelope(origin, seq, lsp))
		})
	}
	// 1, 3, 2, 4 are fresh; the repeats are dropped
	assert.Equal(t, 4, delivered)
	assert.Equal(t, uint32(4), f.router.flood.watermark[origin])
}

func TestFloodAssignsMonotoneSequence(t *testing.T) {
	local, b := pid(1), pid(2)
	s, run := newTestState(t, local)
	f := newFloodFixture(t, s, run, b)

	run(func(s *state.State) error {
		f.router.flood.Flood(s, &protocol.LinkStatePacket{Peer: local})
		f.router.flood.Flood(s, &protocol.LinkStatePacket{Peer: local})
		return nil
	})
	waitForPackets(t, f, b, 2)
	got := f.drain(b)
	require.Len(t, got, 2)
	first := got[0].(*protocol.FloodEnvelope)
	second := got[1].(*protocol.FloodEnvelope)
	assert.Equal(t, local, first.Origin)
	assert.Equal(t, first.Seq+1, second.Seq)

	// our own envelope echoed back must be dropped, not re-delivered
	run(func(s *state.State) error {
		return f.router.flood.HandleEnvelope(s, b, first)
	})
	assert.Empty(t, f.drain(b))
}

func waitForPackets(t *testing.T, f *floodFixture, id state.PeerId, n int) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool {
		return len(f.frames[id]) >= n
	}, "timed out waiting for packets")
}
