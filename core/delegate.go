package core

import (
	"github.com/encodeous/loom/state"
)

// Delegate receives the router's reachability and connection events. All
// methods are invoked on the dispatch loop.
type Delegate interface {
	// DidFindNode fires when a previously unreachable peer becomes
	// reachable.
	DidFindNode(s *state.State, node *Node)
	// DidLoseNode fires on the transition to unreachable.
	DidLoseNode(s *state.State, node *Node)
	// DidImproveRoute fires when the route cost to a peer strictly
	// decreases.
	DidImproveRoute(s *state.State, node *Node)
	// HandleConnection delivers an inbound routed or multicast stream
	// that finished its handshake with the local node as endpoint.
	HandleConnection(s *state.State, source *Node, conn state.Connection)
}
