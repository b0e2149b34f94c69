package core

import (
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/encodeous/loom/protocol"
	"github.com/encodeous/loom/state"
)

// handleDirect runs the responder side of §link handshake: read one
// packet off a fresh inbound connection and route it by purpose.
func (r *Router) handleDirect(s *state.State, conn state.UnderlyingConnection) {
	pc := newPacketConn(r.env, conn)
	pc.Await(s, func(s *state.State, pkt protocol.Packet, err error) {
		if err != nil {
			s.Log.Debug("inbound connection failed before handshake", "err", err)
			pc.Close()
			return
		}
		hs, ok := pkt.(*protocol.LinkHandshake)
		if !ok {
			s.Log.Warn("inbound connection opened with wrong packet", "tag", pkt.Tag())
			pc.Close()
			return
		}
		switch hs.Purpose {
		case protocol.PurposeRouting:
			r.ProvideNode(hs.Peer).adoptRoutingConnection(s, pc)
		case protocol.PurposeRouted:
			r.handleHop(s, hs.Peer, pc)
		default:
			pc.Close()
		}
	})
}

// establishDirect opens a single-hop connection to a peer's best address
// and sends the opening handshake. The connect happens off-loop, the
// result is dispatched back.
func (r *Router) establishDirect(s *state.State, n *Node, purpose protocol.LinkPurpose,
	onSuccess func(s *state.State, pc *packetConn),
	onFail func(s *state.State, err error)) {
	addr := n.BestAddress()
	if addr == nil {
		onFail(s, fmt.Errorf("%w: %s", ErrNoAddress, n.Id))
		return
	}
	raw := addr.Dial()
	pc := newPacketConn(r.env, raw)
	local := r.localId()
	go func() {
		err := raw.Connect()
		r.env.Dispatch(func(s *state.State) error {
			if err != nil {
				raw.Close()
				onFail(s, err)
				return nil
			}
			if werr := pc.WritePacket(&protocol.LinkHandshake{Peer: local, Purpose: purpose}); werr != nil {
				pc.Close()
				onFail(s, werr)
				return nil
			}
			onSuccess(s, pc)
			return nil
		})
	}()
}

// EstablishMulticast opens a one-to-many connection to the given
// destinations along the current hop tree. Exactly one of onSuccess and
// onFail fires: on success the composite is fully confirmed by every
// destination, on failure nothing is left open.
func (r *Router) EstablishMulticast(s *state.State, destinations []state.PeerId,
	onSuccess func(s *state.State, conn state.Connection),
	onFail func(s *state.State, err error)) {
	destSet := mapset.NewThreadUnsafeSet[state.PeerId]()
	for _, d := range destinations {
		if d != r.localId() {
			destSet.Add(d)
		}
	}
	if destSet.Cardinality() == 0 {
		onFail(s, fmt.Errorf("%w: no remote destinations", ErrNoRoute))
		return
	}
	dests := destSet.ToSlice()
	slices.SortFunc(dests, func(a, b state.PeerId) int { return a.Compare(b) })

	tree, err := r.table.HopTree(dests)
	if err != nil {
		onFail(s, err)
		return
	}

	est := &multicastEstablishment{
		router:       r,
		destinations: dests,
		destSet:      destSet,
		confirmed:    mapset.NewThreadUnsafeSet[state.PeerId](),
		onSuccess:    onSuccess,
		onFail:       onFail,
	}
	for _, child := range tree.Children {
		child := child
		r.establishDirect(s, r.ProvideNode(child.Peer), protocol.PurposeRouted,
			func(s *state.State, pc *packetConn) {
				est.hopReady(s, pc, child)
			},
			func(s *state.State, err error) {
				est.fail(s, err)
			})
	}
}

// multicastEstablishment tracks the initiator's side of one multicast
// setup: hop connections come up, each destination confirms, then a
// single confirmation goes back out over the composite.
type multicastEstablishment struct {
	router       *Router
	destinations []state.PeerId
	destSet      mapset.Set[state.PeerId]
	confirmed    mapset.Set[state.PeerId]
	subs         []*packetConn
	failed       bool
	completed    bool
	onSuccess    func(s *state.State, conn state.Connection)
	onFail       func(s *state.State, err error)
}

func (est *multicastEstablishment) hopReady(s *state.State, pc *packetConn, subtree *state.Tree) {
	if est.failed || est.completed {
		pc.Close()
		return
	}
	est.subs = append(est.subs, pc)
	mh := &protocol.MulticastHandshake{
		Source:       est.router.localId(),
		Destinations: est.destinations,
		NextHop:      subtree,
	}
	if err := pc.WritePacket(mh); err != nil {
		est.fail(s, err)
		return
	}
	pc.OnClosed(s, func(s *state.State, reason error) {
		est.fail(s, fmt.Errorf("%w: %v", ErrTransportClosed, reason))
	})
	est.awaitConfirm(s, pc)
}

func (est *multicastEstablishment) awaitConfirm(s *state.State, pc *packetConn) {
	pc.Await(s, func(s *state.State, pkt protocol.Packet, err error) {
		if est.failed || est.completed {
			return
		}
		if err != nil {
			est.fail(s, err)
			return
		}
		ec, ok := pkt.(*protocol.EstablishedConfirm)
		if !ok {
			est.fail(s, fmt.Errorf("%w: expected confirmation, got tag 0x%02x", ErrHandshakeFailure, pkt.Tag()))
			return
		}
		if est.destSet.Contains(ec.Source) {
			est.confirmed.Add(ec.Source)
		}
		if est.confirmed.Equal(est.destSet) {
			est.complete(s)
			return
		}
		est.awaitConfirm(s, pc)
	})
}

func (est *multicastEstablishment) complete(s *state.State) {
	est.completed = true
	raws := make([]state.Connection, len(est.subs))
	for i, pc := range est.subs {
		raws[i] = pc.Detach()
	}
	var composite state.Connection
	if len(raws) == 1 {
		composite = raws[0]
	} else {
		composite = NewMulticastConnection(raws)
	}
	frame, err := protocol.Frame(&protocol.EstablishedConfirm{Source: est.router.localId()})
	if err == nil {
		err = composite.Write(frame)
	}
	if err != nil {
		est.completed = false
		est.fail(s, err)
		return
	}
	s.Log.Debug("multicast established", "destinations", len(est.destinations), "subconnections", len(raws))
	est.onSuccess(s, composite)
}

func (est *multicastEstablishment) fail(s *state.State, err error) {
	if est.failed || est.completed {
		return
	}
	est.failed = true
	for _, pc := range est.subs {
		pc.Close()
	}
	est.onFail(s, fmt.Errorf("%w: %v", ErrPartialMulticast, err))
}

// handleHop runs the responder side of one routed hop: read the
// multicast handshake, then either terminate here or start forwarding.
func (r *Router) handleHop(s *state.State, from state.PeerId, pc *packetConn) {
	pc.Await(s, func(s *state.State, pkt protocol.Packet, err error) {
		if err != nil {
			pc.Close()
			return
		}
		mh, ok := pkt.(*protocol.MulticastHandshake)
		if !ok {
			s.Log.Warn("expected multicast handshake", "from", from, "tag", pkt.Tag())
			pc.Close()
			return
		}
		if mh.NextHop == nil || mh.NextHop.Peer != r.localId() {
			s.Log.Warn("hop subtree not rooted at this node", "from", from)
			pc.Close()
			return
		}
		if mh.NextHop.IsLeaf() {
			r.becomeTerminal(s, mh.Source, pc)
			return
		}
		r.forward(s, mh, pc)
	})
}

// becomeTerminal confirms this node as an endpoint of a routed path:
// send our confirmation, wait for the initiator's, then hand the stream
// to the delegate. Confirmations from other destinations transiting
// through us are skipped, anything else aborts.
func (r *Router) becomeTerminal(s *state.State, source state.PeerId, pc *packetConn) {
	if err := pc.WritePacket(&protocol.EstablishedConfirm{Source: r.localId()}); err != nil {
		pc.Close()
		return
	}
	r.awaitInitiatorConfirm(s, source, pc)
}

func (r *Router) awaitInitiatorConfirm(s *state.State, source state.PeerId, pc *packetConn) {
	pc.Await(s, func(s *state.State, pkt protocol.Packet, err error) {
		if err != nil {
			s.Log.Debug("endpoint confirmation failed", "source", source, "err", err)
			pc.Close()
			return
		}
		ec, ok := pkt.(*protocol.EstablishedConfirm)
		if !ok {
			s.Log.Warn("expected endpoint confirmation", "source", source, "tag", pkt.Tag())
			pc.Close()
			return
		}
		if ec.Source != source {
			r.awaitInitiatorConfirm(s, source, pc)
			return
		}
		conn := pc.Detach()
		s.Log.Debug("inbound connection established", "source", source)
		if r.Delegate != nil {
			r.Delegate.HandleConnection(s, r.ProvideNode(source), conn)
		}
	})
}

// forward relays one hop of a multicast path: open a connection per
// child subtree, compose them, and splice the incoming stream onto the
// composite through a forking connection.
func (r *Router) forward(s *state.State, mh *protocol.MulticastHandshake, incoming *packetConn) {
	r.pendingForwarded[incoming] = struct{}{}
	op := &forwardOp{
		router:    r,
		mh:        mh,
		incoming:  incoming,
		remaining: len(mh.NextHop.Children),
	}
	incoming.OnClosed(s, func(s *state.State, reason error) {
		op.fail(s, fmt.Errorf("%w: %v", ErrTransportClosed, reason))
	})
	for _, child := range mh.NextHop.Children {
		child := child
		r.establishDirect(s, r.ProvideNode(child.Peer), protocol.PurposeRouted,
			func(s *state.State, pc *packetConn) {
				op.hopReady(s, pc, child)
			},
			func(s *state.State, err error) {
				op.fail(s, err)
			})
	}
}

type forwardOp struct {
	router    *Router
	mh        *protocol.MulticastHandshake
	incoming  *packetConn
	subs      []*packetConn
	remaining int
	failed    bool
	done      bool
}

func (op *forwardOp) hopReady(s *state.State, pc *packetConn, subtree *state.Tree) {
	if op.failed || op.done {
		pc.Close()
		return
	}
	mh := &protocol.MulticastHandshake{
		Source:       op.mh.Source,
		Destinations: op.mh.Destinations,
		NextHop:      subtree,
	}
	if err := pc.WritePacket(mh); err != nil {
		op.fail(s, err)
		return
	}
	op.subs = append(op.subs, pc)
	op.remaining--
	if op.remaining == 0 {
		op.complete(s)
	}
}

func (op *forwardOp) complete(s *state.State) {
	r := op.router
	op.done = true
	delete(r.pendingForwarded, op.incoming)

	raws := make([]state.Connection, len(op.subs))
	for i, pc := range op.subs {
		raws[i] = pc.Detach()
	}
	var outgoing state.Connection
	if len(raws) == 1 {
		outgoing = raws[0]
	} else {
		outgoing = NewMulticastConnection(raws)
	}
	incomingRaw := op.incoming.Detach()

	fork := NewForkingConnection(incomingRaw, outgoing, func(f *ForkingConnection) {
		r.env.Dispatch(func(s *state.State) error {
			r.removeForkingConnection(f)
			return nil
		})
	})
	r.forkingConnections[fork] = struct{}{}
	s.Log.Debug("forwarding", "source", op.mh.Source, "children", len(raws))

	if slices.Contains(op.mh.Destinations, r.localId()) {
		// we are a destination too: run the endpoint confirmation over
		// the surfaced side of the fork
		fpc := newPacketConn(r.env, fork)
		r.becomeTerminal(s, op.mh.Source, fpc)
	} else {
		fork.OnData(func([]byte) {})
	}
}

func (op *forwardOp) fail(s *state.State, err error) {
	if op.failed || op.done {
		return
	}
	op.failed = true
	for _, pc := range op.subs {
		pc.Close()
	}
	op.incoming.Close()
	delete(op.router.pendingForwarded, op.incoming)
	s.Log.Debug("forwarding setup failed", "source", op.mh.Source, "err", err)
}

func (r *Router) removeForkingConnection(f *ForkingConnection) {
	delete(r.forkingConnections, f)
}
