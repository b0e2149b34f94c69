// Package mock provides an in-memory transport for exercising routers
// without real sockets. A Network holds the peers and their links; each
// node gets a TransportModule view of it.
package mock

import (
	"fmt"
	"sync"

	"github.com/encodeous/loom/state"
)

type edgeKey struct {
	a, b state.PeerId
}

func canonical(a, b state.PeerId) edgeKey {
	if b.Less(a) {
		a, b = b, a
	}
	return edgeKey{a, b}
}

type edge struct {
	cost uint32
	// the address each endpoint sees the other at
	addrs map[state.PeerId]*Address
}

type Network struct {
	mu    sync.Mutex
	peers map[state.PeerId]state.TransportEvents
	edges map[edgeKey]*edge
}

func NewNetwork() *Network {
	return &Network{
		peers: make(map[state.PeerId]state.TransportEvents),
		edges: make(map[edgeKey]*edge),
	}
}

// Transport returns the transport module for one node of the network.
func (n *Network) Transport(id state.PeerId) *Transport {
	return &Transport{net: n, id: id}
}

// Connect adds a bidirectional link between a and b: both sides discover
// an address for the other.
func (n *Network) Connect(a, b state.PeerId, cost uint32) {
	n.mu.Lock()
	key := canonical(a, b)
	e, ok := n.edges[key]
	if !ok {
		e = &edge{cost: cost, addrs: map[state.PeerId]*Address{
			a: {net: n, owner: a, target: b, cost: cost},
			b: {net: n, owner: b, target: a, cost: cost},
		}}
		n.edges[key] = e
	}
	ea, eb := n.peers[a], n.peers[b]
	n.mu.Unlock()
	if ea != nil {
		ea.AddressDiscovered(b, e.addrs[a])
	}
	if eb != nil {
		eb.AddressDiscovered(a, e.addrs[b])
	}
}

// Disconnect removes the link between a and b.
func (n *Network) Disconnect(a, b state.PeerId) {
	n.mu.Lock()
	key := canonical(a, b)
	e, ok := n.edges[key]
	if ok {
		delete(n.edges, key)
	}
	ea, eb := n.peers[a], n.peers[b]
	n.mu.Unlock()
	if !ok {
		return
	}
	if ea != nil {
		ea.AddressLost(b, e.addrs[a])
	}
	if eb != nil {
		eb.AddressLost(a, e.addrs[b])
	}
}

func (n *Network) dial(from, to state.PeerId) (state.TransportEvents, error) {
	n.mu.Lock()
	if _, ok := n.edges[canonical(from, to)]; !ok {
		n.mu.Unlock()
		return nil, fmt.Errorf("no link between %s and %s", from, to)
	}
	events := n.peers[to]
	n.mu.Unlock()
	if events == nil {
		return nil, fmt.Errorf("peer %s is not running", to)
	}
	return events, nil
}

// Transport is one node's view of the network.
type Transport struct {
	net *Network
	id  state.PeerId
}

func (t *Transport) Start(e *state.Env, events state.TransportEvents) error {
	t.net.mu.Lock()
	t.net.peers[t.id] = events
	var discovered []*Address
	for _, edge := range t.net.edges {
		if addr, ok := edge.addrs[t.id]; ok {
			discovered = append(discovered, addr)
		}
	}
	t.net.mu.Unlock()
	for _, addr := range discovered {
		events.AddressDiscovered(addr.target, addr)
	}
	return nil
}

func (t *Transport) Stop() error {
	t.net.mu.Lock()
	delete(t.net.peers, t.id)
	t.net.mu.Unlock()
	return nil
}

// Address is a mock endpoint of one peer as seen from another.
type Address struct {
	net    *Network
	owner  state.PeerId
	target state.PeerId
	cost   uint32
}

func (a *Address) Cost() uint32 {
	return a.cost
}

func (a *Address) Key() string {
	return fmt.Sprintf("mock/%s->%s", a.owner, a.target)
}

func (a *Address) Dial() state.UnderlyingConnection {
	return &Conn{addr: a}
}

// Conn is one end of an in-memory stream. Each end pumps inbound chunks
// on its own goroutine so no caller ever blocks on the remote side.
type Conn struct {
	addr *Address // nil for accepted or pre-paired conns

	mu     sync.Mutex
	peer   *Conn
	inbox  chan []byte
	closed bool

	data   state.DataBuffer
	notify state.CloseNotifier
}

// NewConnPair returns two connected ends of a fresh stream.
func NewConnPair() (*Conn, *Conn) {
	a := &Conn{}
	b := &Conn{}
	a.peer, b.peer = b, a
	a.startPump()
	b.startPump()
	return a, b
}

func (c *Conn) startPump() {
	c.inbox = make(chan []byte, 1024)
	inbox := c.inbox
	go func() {
		for chunk := range inbox {
			c.data.Deliver(chunk)
		}
	}()
}

func (c *Conn) Connect() error {
	if c.addr == nil {
		return nil
	}
	events, err := c.addr.net.dial(c.addr.owner, c.addr.target)
	if err != nil {
		return err
	}
	remote := &Conn{}
	remote.startPump()
	c.mu.Lock()
	c.peer = remote
	c.mu.Unlock()
	remote.mu.Lock()
	remote.peer = c
	remote.mu.Unlock()
	c.startPump()
	events.IncomingConnection(remote)
	return nil
}

func (c *Conn) Write(data []byte) error {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("connection is not connected")
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.closed {
		return fmt.Errorf("connection closed")
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	peer.inbox <- chunk
	return nil
}

func (c *Conn) Close() {
	if c.shutdown() {
		c.notify.Notify(nil)
		c.mu.Lock()
		peer := c.peer
		c.mu.Unlock()
		if peer != nil && peer.shutdown() {
			peer.notify.Notify(fmt.Errorf("closed by peer"))
		}
	}
}

// shutdown marks the conn closed and stops its pump; reports whether
// this call performed the close.
func (c *Conn) shutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	if c.inbox != nil {
		close(c.inbox)
	}
	return true
}

func (c *Conn) OnData(handler func(data []byte)) {
	c.data.SetHandler(handler)
}

func (c *Conn) OnClose(handler func(reason error)) {
	c.notify.SetHandler(handler)
}
