package core

import (
	"github.com/encodeous/loom/protocol"
	"github.com/encodeous/loom/state"
)

// Router is the heart of loom: it tracks neighbours reported by the
// transport modules, floods link-state advertisements, maintains the
// routing table, notifies the delegate of reachability transitions, and
// drives connection establishment across the mesh.
type Router struct {
	// Delegate and Transports must be set before Init.
	Delegate   Delegate
	Transports []state.TransportModule

	env   *state.Env
	nodes map[state.PeerId]*Node
	table *RoutingTable
	flood *FloodManager
	exec  *RepeatedExecutor

	// retention sets: in-flight and relayed connections must not be
	// dropped while the mesh depends on them
	forkingConnections map[*ForkingConnection]struct{}
	pendingForwarded   map[*packetConn]struct{}
}

func (r *Router) Init(s *state.State) error {
	s.Log.Debug("init router")
	r.env = s.Env
	r.nodes = make(map[state.PeerId]*Node)
	r.table = NewRoutingTable(s.Id)
	r.forkingConnections = make(map[*ForkingConnection]struct{})
	r.pendingForwarded = make(map[*packetConn]struct{})

	r.flood = newFloodManager(r)
	r.flood.Handle(protocol.TagLinkState, r.handleLinkState)

	r.exec = newRepeatedExecutor(s.Env, state.BroadcastDelay, state.BroadcastShortDelay, r.broadcastLinkState)

	events := &transportEvents{router: r, env: s.Env}
	for _, t := range r.Transports {
		if err := t.Start(s.Env, events); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) Cleanup(s *state.State) error {
	for _, t := range r.Transports {
		if err := t.Stop(); err != nil {
			s.Log.Warn("transport stop failed", "err", err)
		}
	}
	r.exec.Stop()
	r.flood.stop()
	for _, n := range r.nodes {
		n.closeRoutingConnection()
	}
	for f := range r.forkingConnections {
		f.Close()
	}
	for pc := range r.pendingForwarded {
		pc.Close()
	}
	return nil
}

func (r *Router) localId() state.PeerId {
	return r.env.Id
}

// ProvideNode returns the long-lived handle for a peer, creating it on
// first mention.
func (r *Router) ProvideNode(id state.PeerId) *Node {
	n, ok := r.nodes[id]
	if !ok {
		n = newNode(r, id)
		r.nodes[id] = n
	}
	return n
}

// Node returns the handle for a peer if it was ever mentioned.
func (r *Router) Node(id state.PeerId) *Node {
	return r.nodes[id]
}

// Neighbours returns every node currently holding at least one address.
func (r *Router) Neighbours() []*Node {
	var out []*Node
	for _, n := range r.nodes {
		if n.IsNeighbour() {
			out = append(out, n)
		}
	}
	return out
}

// Table exposes the routing table for inspection.
func (r *Router) Table() *RoutingTable {
	return r.table
}

// ForkingCount reports how many relayed connections are retained.
func (r *Router) ForkingCount() int {
	return len(r.forkingConnections)
}

// PendingForwardedCount reports how many inbound connections are parked
// awaiting their outgoing hops.
func (r *Router) PendingForwardedCount() int {
	return len(r.pendingForwarded)
}

// neighbour lifecycle

func (r *Router) onNeighbourReachable(s *state.State, n *Node) {
	best := n.BestAddress()
	if best == nil {
		return
	}
	s.Log.Info("neighbour reachable", "peer", n.Id, "cost", best.Cost())
	r.applyChange(s, r.table.NeighbourUpdate(n.Id, best.Cost()))
	r.exec.TriggerShort()
	n.establishRoutingConnection(s)
}

func (r *Router) onNeighbourCostChanged(s *state.State, n *Node) {
	best := n.BestAddress()
	if best == nil {
		return
	}
	r.applyChange(s, r.table.NeighbourUpdate(n.Id, best.Cost()))
	r.exec.TriggerShort()
}

func (r *Router) onNeighbourLost(s *state.State, n *Node) {
	s.Log.Info("neighbour lost", "peer", n.Id)
	n.closeRoutingConnection()
	r.applyChange(s, r.table.NeighbourRemoval(n.Id))
	r.exec.TriggerShort()
}

// link-state dissemination

func (r *Router) broadcastLinkState(s *state.State) error {
	pkt := &protocol.LinkStatePacket{
		Peer:       r.localId(),
		Neighbours: r.table.LinkStateInformation(),
	}
	r.flood.Flood(s, pkt)
	return nil
}

func (r *Router) handleLinkState(s *state.State, origin state.PeerId, pkt protocol.Packet) error {
	lsp, ok := pkt.(*protocol.LinkStatePacket)
	if !ok {
		return nil
	}
	if lsp.Peer != origin {
		s.Log.Warn("link-state advertisement origin mismatch", "origin", origin, "peer", lsp.Peer)
		return nil
	}
	r.applyChange(s, r.table.LinkStateUpdate(lsp.Peer, lsp.Neighbours))
	return nil
}

// applyChange folds a routing table delta into the node handles and
// notifies the delegate exactly once per affected peer.
func (r *Router) applyChange(s *state.State, change TableChange) {
	for _, rr := range change.NowReachable {
		n := r.ProvideNode(rr.Peer)
		n.reachableVia = &RouteEntry{NextHop: rr.NextHop, Cost: rr.Cost}
		s.Log.Debug("node reachable", "peer", rr.Peer, "via", rr.NextHop, "cost", rr.Cost)
		if r.Delegate != nil {
			r.Delegate.DidFindNode(s, n)
		}
	}
	for _, peer := range change.NowUnreachable {
		n := r.ProvideNode(peer)
		n.reachableVia = nil
		s.Log.Debug("node unreachable", "peer", peer)
		if r.Delegate != nil {
			r.Delegate.DidLoseNode(s, n)
		}
	}
	for _, delta := range change.RouteChanged {
		n := r.ProvideNode(delta.Peer)
		n.reachableVia = &RouteEntry{NextHop: delta.NextHop, Cost: delta.NewCost}
		if delta.NewCost < delta.OldCost {
			s.Log.Debug("route improved", "peer", delta.Peer, "via", delta.NextHop, "cost", delta.NewCost)
			if r.Delegate != nil {
				r.Delegate.DidImproveRoute(s, n)
			}
		}
	}
}

// broadcastRouting writes a flood envelope to every neighbour with a
// live routing connection, except the one it came from.
func (r *Router) broadcastRouting(s *state.State, env *protocol.FloodEnvelope, except state.PeerId) {
	for _, n := range r.nodes {
		if !n.IsNeighbour() || n.Id == except || n.routingConn == nil {
			continue
		}
		if err := n.routingConn.WritePacket(env); err != nil {
			s.Log.Debug("flood write failed", "peer", n.Id, "err", err)
		}
	}
}

// transportEvents adapts transport callbacks onto the dispatch loop.
type transportEvents struct {
	router *Router
	env    *state.Env
}

func (t *transportEvents) AddressDiscovered(peer state.PeerId, addr state.Address) {
	if peer == t.env.Id {
		return
	}
	t.env.Dispatch(func(s *state.State) error {
		t.router.ProvideNode(peer).AddAddress(s, addr)
		return nil
	})
}

func (t *transportEvents) AddressLost(peer state.PeerId, addr state.Address) {
	t.env.Dispatch(func(s *state.State) error {
		if n := t.router.Node(peer); n != nil {
			n.RemoveAddress(s, addr)
		}
		return nil
	})
}

func (t *transportEvents) IncomingConnection(conn state.UnderlyingConnection) {
	t.env.Dispatch(func(s *state.State) error {
		t.router.handleDirect(s, conn)
		return nil
	})
}
