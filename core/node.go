package core

import (
	"slices"

	"github.com/cenkalti/backoff/v4"
	"github.com/encodeous/loom/protocol"
	"github.com/encodeous/loom/state"
)

// Node is the router's long-lived handle for one peer: its known
// transport addresses, the selected route to it, and the routing
// metadata connection if it is a neighbour. Nodes are created on first
// mention and never destroyed, so reachability transitions stay
// observable across disappearance and rediscovery.
//
// All state is touched only on the dispatch loop.
type Node struct {
	Id state.PeerId

	// router owns this node; the pointer only breaks naming cycles, it
	// carries no ownership
	router *Router

	addresses []state.Address
	// reachableVia is the selected route from the routing table, nil
	// while unreachable
	reachableVia *RouteEntry

	routingConn *packetConn
	connecting  bool
	retries     int
	retry       *backoff.ExponentialBackOff
}

func newNode(r *Router, id state.PeerId) *Node {
	return &Node{Id: id, router: r}
}

// IsNeighbour reports whether the peer is directly reachable through at
// least one known address. Neighbourship is purely local observation,
// independent of graph reachability.
func (n *Node) IsNeighbour() bool {
	return len(n.addresses) > 0
}

// BestAddress returns the lowest-cost known address, ties broken on the
// address key, or nil.
func (n *Node) BestAddress() state.Address {
	var best state.Address
	for _, addr := range n.addresses {
		if best == nil || addr.Cost() < best.Cost() ||
			(addr.Cost() == best.Cost() && addr.Key() < best.Key()) {
			best = addr
		}
	}
	return best
}

// ReachableVia returns the selected route to this peer, or nil.
func (n *Node) ReachableVia() *RouteEntry {
	return n.reachableVia
}

func (n *Node) AddAddress(s *state.State, addr state.Address) {
	for _, a := range n.addresses {
		if a.Key() == addr.Key() {
			return
		}
	}
	prevBest := n.BestAddress()
	wasNeighbour := n.IsNeighbour()
	n.addresses = append(n.addresses, addr)
	if !wasNeighbour {
		n.router.onNeighbourReachable(s, n)
		return
	}
	if best := n.BestAddress(); prevBest == nil || best.Cost() != prevBest.Cost() {
		n.router.onNeighbourCostChanged(s, n)
	}
}

func (n *Node) RemoveAddress(s *state.State, addr state.Address) {
	prevBest := n.BestAddress()
	before := len(n.addresses)
	n.addresses = slices.DeleteFunc(n.addresses, func(a state.Address) bool {
		return a.Key() == addr.Key()
	})
	if len(n.addresses) == before {
		return
	}
	if !n.IsNeighbour() {
		n.router.onNeighbourLost(s, n)
		return
	}
	if best := n.BestAddress(); prevBest != nil && best.Cost() != prevBest.Cost() {
		n.router.onNeighbourCostChanged(s, n)
	}
}

// establishRoutingConnection opens the long-lived metadata connection
// that carries flooded traffic, retrying with exponential backoff. After
// RoutingRetryLimit consecutive failures the neighbour is declared lost.
// Only the side with the smaller id dials; the other side waits for the
// inbound handshake, so simultaneous dials cannot keep replacing each
// other's connections.
func (n *Node) establishRoutingConnection(s *state.State) {
	if !n.router.localId().Less(n.Id) {
		return
	}
	if n.routingConn != nil || n.connecting || !n.IsNeighbour() {
		return
	}
	n.connecting = true
	n.router.establishDirect(s, n, protocol.PurposeRouting,
		func(s *state.State, pc *packetConn) {
			n.connecting = false
			n.adoptRoutingConnection(s, pc)
		},
		func(s *state.State, err error) {
			n.connecting = false
			n.retries++
			if n.retries >= state.RoutingRetryLimit {
				s.Log.Warn("giving up on routing connection", "peer", n.Id, "attempts", n.retries, "err", err)
				n.resetRetry()
				n.router.onNeighbourLost(s, n)
				return
			}
			if n.retry == nil {
				n.retry = backoff.NewExponentialBackOff()
				n.retry.InitialInterval = state.BroadcastShortDelay
				n.retry.MaxInterval = state.BroadcastDelay
				n.retry.MaxElapsedTime = 0
			}
			delay := n.retry.NextBackOff()
			s.Log.Debug("routing connection failed, retrying", "peer", n.Id, "delay", delay, "err", err)
			n.router.env.ScheduleTask(func(s *state.State) error {
				n.establishRoutingConnection(s)
				return nil
			}, delay)
		})
}

// adoptRoutingConnection installs a handshaken metadata connection,
// replacing (and closing) any previous one.
func (n *Node) adoptRoutingConnection(s *state.State, pc *packetConn) {
	if n.routingConn != nil {
		old := n.routingConn
		n.routingConn = nil
		old.Close()
	}
	n.routingConn = pc
	n.resetRetry()
	pc.OnClosed(s, func(s *state.State, reason error) {
		if n.routingConn == pc {
			n.routingConn = nil
			if n.IsNeighbour() {
				n.establishRoutingConnection(s)
			}
		}
	})
	n.readRoutingPackets(s, pc)
}

func (n *Node) readRoutingPackets(s *state.State, pc *packetConn) {
	pc.Subscribe(s, func(s *state.State, pkt protocol.Packet, err error) {
		if err != nil {
			// stream garbage; close and let the close handler reconnect
			s.Log.Warn("closing corrupt routing connection", "peer", n.Id, "err", err)
			pc.Close()
			return
		}
		if env, ok := pkt.(*protocol.FloodEnvelope); ok {
			_ = n.router.flood.HandleEnvelope(s, n.Id, env)
		} else {
			s.Log.Warn("unexpected packet on routing connection", "peer", n.Id, "tag", pkt.Tag())
		}
	})
}

func (n *Node) resetRetry() {
	n.retries = 0
	if n.retry != nil {
		n.retry.Reset()
	}
}

func (n *Node) closeRoutingConnection() {
	if n.routingConn != nil {
		old := n.routingConn
		n.routingConn = nil
		old.Close()
	}
}
