package core

import (
	"container/heap"
	"fmt"
	"maps"
	"slices"

	"github.com/encodeous/loom/protocol"
	"github.com/encodeous/loom/state"
)

// RouteEntry is the selected route to one peer.
type RouteEntry struct {
	NextHop state.PeerId
	Cost    uint32
}

type ReachableRoute struct {
	Peer    state.PeerId
	NextHop state.PeerId
	Cost    uint32
}

type RouteDelta struct {
	Peer    state.PeerId
	NextHop state.PeerId
	OldCost uint32
	NewCost uint32
}

// TableChange is the reachability delta produced by one table mutation.
// A peer whose status changed appears in exactly one of the three lists.
type TableChange struct {
	NowReachable   []ReachableRoute
	NowUnreachable []state.PeerId
	RouteChanged   []RouteDelta
}

func (c *TableChange) Empty() bool {
	return len(c.NowReachable) == 0 && len(c.NowUnreachable) == 0 && len(c.RouteChanged) == 0
}

// RoutingTable holds the link-state graph of the mesh and the shortest
// paths from the local node. Edge u->v with weight w exists iff u most
// recently advertised v as a neighbour with cost w; the local node's
// edges come from direct neighbour observation instead.
type RoutingTable struct {
	local  state.PeerId
	edges  map[state.PeerId]map[state.PeerId]uint32
	reach  map[state.PeerId]RouteEntry
	parent map[state.PeerId]state.PeerId
}

func NewRoutingTable(local state.PeerId) *RoutingTable {
	return &RoutingTable{
		local:  local,
		edges:  make(map[state.PeerId]map[state.PeerId]uint32),
		reach:  make(map[state.PeerId]RouteEntry),
		parent: make(map[state.PeerId]state.PeerId),
	}
}

func (t *RoutingTable) outEdges(u state.PeerId) map[state.PeerId]uint32 {
	m, ok := t.edges[u]
	if !ok {
		m = make(map[state.PeerId]uint32)
		t.edges[u] = m
	}
	return m
}

// NeighbourUpdate sets the local node's edge to peer and recomputes
// shortest paths.
func (t *RoutingTable) NeighbourUpdate(peer state.PeerId, cost uint32) TableChange {
	t.outEdges(t.local)[peer] = cost
	return t.recompute()
}

// NeighbourRemoval removes the local node's edge to peer and recomputes.
func (t *RoutingTable) NeighbourRemoval(peer state.PeerId) TableChange {
	delete(t.outEdges(t.local), peer)
	return t.recompute()
}

// LinkStateUpdate replaces the outgoing edge set of origin with the
// advertised list and recomputes. Advertisements about the local node's
// own edges are ignored; direct observation is authoritative.
func (t *RoutingTable) LinkStateUpdate(origin state.PeerId, neighbours []protocol.NeighbourCost) TableChange {
	if origin == t.local {
		return TableChange{}
	}
	out := make(map[state.PeerId]uint32, len(neighbours))
	for _, n := range neighbours {
		out[n.Peer] = n.Cost
	}
	t.edges[origin] = out
	return t.recompute()
}

// LinkStateInformation returns the local node's current neighbour-cost
// list, ordered by peer id.
func (t *RoutingTable) LinkStateInformation() []protocol.NeighbourCost {
	out := make([]protocol.NeighbourCost, 0, len(t.edges[t.local]))
	for peer, cost := range t.edges[t.local] {
		out = append(out, protocol.NeighbourCost{Peer: peer, Cost: cost})
	}
	slices.SortFunc(out, func(a, b protocol.NeighbourCost) int {
		return a.Peer.Compare(b.Peer)
	})
	return out
}

// Route returns the selected route to peer, if one exists.
func (t *RoutingTable) Route(peer state.PeerId) (RouteEntry, bool) {
	e, ok := t.reach[peer]
	return e, ok
}

// Reachable returns a copy of the current reachability map.
func (t *RoutingTable) Reachable() map[state.PeerId]RouteEntry {
	return maps.Clone(t.reach)
}

// HopTree materializes the union of shortest paths to the destinations as
// a tree rooted at the local node, merging common prefixes. It fails if
// any destination is unreachable.
func (t *RoutingTable) HopTree(destinations []state.PeerId) (*state.Tree, error) {
	tree := state.NewTree(t.local)
	for _, dest := range destinations {
		if dest == t.local {
			continue
		}
		if _, ok := t.reach[dest]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoRoute, dest)
		}
		var path []state.PeerId
		for cur := dest; cur != t.local; cur = t.parent[cur] {
			path = append(path, cur)
		}
		slices.Reverse(path)
		tree.InsertPath(path)
	}
	return tree, nil
}

// candidate is the tentative best path to a vertex during the search.
// Ties on distance break on the lexicographically smallest next hop, then
// parent, keeping route selection deterministic across peers.
type candidate struct {
	peer    state.PeerId
	dist    uint32
	nextHop state.PeerId
	parent  state.PeerId
}

func (a candidate) better(b candidate) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	if c := a.nextHop.Compare(b.nextHop); c != 0 {
		return c < 0
	}
	return a.parent.Compare(b.parent) < 0
}

type candidateHeap []candidate

func (h candidateHeap) Len() int      { return len(h) }
func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h candidateHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist < h[j].dist
	}
	if c := h[i].nextHop.Compare(h[j].nextHop); c != 0 {
		return c < 0
	}
	return h[i].peer.Compare(h[j].peer) < 0
}
func (h *candidateHeap) Push(x any) { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// recompute runs Dijkstra from the local node and diffs the reachability
// map before and after.
func (t *RoutingTable) recompute() TableChange {
	before := t.reach

	best := make(map[state.PeerId]candidate)
	done := make(map[state.PeerId]struct{})
	h := &candidateHeap{{peer: t.local}}
	best[t.local] = candidate{peer: t.local}

	for h.Len() > 0 {
		cur := heap.Pop(h).(candidate)
		if _, ok := done[cur.peer]; ok {
			continue
		}
		if best[cur.peer] != cur {
			continue // superseded entry
		}
		done[cur.peer] = struct{}{}
		for next, w := range t.edges[cur.peer] {
			if next == t.local {
				continue
			}
			cand := candidate{
				peer:    next,
				dist:    saturatingAdd(cur.dist, w),
				nextHop: cur.nextHop,
				parent:  cur.peer,
			}
			if cur.peer == t.local {
				cand.nextHop = next
			}
			old, ok := best[next]
			if !ok || cand.better(old) {
				best[next] = cand
				heap.Push(h, cand)
			}
		}
	}

	after := make(map[state.PeerId]RouteEntry, len(best))
	parent := make(map[state.PeerId]state.PeerId, len(best))
	for peer, c := range best {
		if peer == t.local || c.dist == state.INF {
			continue
		}
		after[peer] = RouteEntry{NextHop: c.nextHop, Cost: c.dist}
		parent[peer] = c.parent
	}
	t.reach = after
	t.parent = parent

	return diffReachability(before, after)
}

func diffReachability(before, after map[state.PeerId]RouteEntry) TableChange {
	var change TableChange
	for peer, now := range after {
		old, ok := before[peer]
		if !ok {
			change.NowReachable = append(change.NowReachable, ReachableRoute{
				Peer: peer, NextHop: now.NextHop, Cost: now.Cost,
			})
		} else if old != now {
			change.RouteChanged = append(change.RouteChanged, RouteDelta{
				Peer: peer, NextHop: now.NextHop, OldCost: old.Cost, NewCost: now.Cost,
			})
		}
	}
	for peer := range before {
		if _, ok := after[peer]; !ok {
			change.NowUnreachable = append(change.NowUnreachable, peer)
		}
	}
	slices.SortFunc(change.NowReachable, func(a, b ReachableRoute) int { return a.Peer.Compare(b.Peer) })
	slices.SortFunc(change.NowUnreachable, func(a, b state.PeerId) int { return a.Compare(b) })
	slices.SortFunc(change.RouteChanged, func(a, b RouteDelta) int { return a.Peer.Compare(b.Peer) })
	return change
}

func saturatingAdd(a, b uint32) uint32 {
	if a > state.INF-b {
		return state.INF
	}
	return a + b
}
