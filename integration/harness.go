//go:build integration

package integration

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/encodeous/loom/core"
	"github.com/encodeous/loom/mock"
	"github.com/encodeous/loom/state"
)

func pid(b byte) state.PeerId {
	var id state.PeerId
	id[15] = b
	return id
}

type Inbound struct {
	Source state.PeerId
	Conn   state.Connection
}

// TestDelegate records router events on channels the tests select on.
type TestDelegate struct {
	Found    chan state.PeerId
	Lost     chan state.PeerId
	Improved chan state.PeerId
	Inbound  chan Inbound
}

func NewTestDelegate() *TestDelegate {
	return &TestDelegate{
		Found:    make(chan state.PeerId, 64),
		Lost:     make(chan state.PeerId, 64),
		Improved: make(chan state.PeerId, 64),
		Inbound:  make(chan Inbound, 16),
	}
}

func (d *TestDelegate) DidFindNode(s *state.State, node *core.Node) {
	d.Found <- node.Id
}

func (d *TestDelegate) DidLoseNode(s *state.State, node *core.Node) {
	d.Lost <- node.Id
}

func (d *TestDelegate) DidImproveRoute(s *state.State, node *core.Node) {
	d.Improved <- node.Id
}

func (d *TestDelegate) HandleConnection(s *state.State, source *core.Node, conn state.Connection) {
	d.Inbound <- Inbound{Source: source.Id, Conn: conn}
}

type MeshNode struct {
	Id       state.PeerId
	Name     string
	Delegate *TestDelegate
	State    *state.State
	done     chan struct{}
}

// OnLoop runs f on the node's dispatch loop and waits for it.
func (n *MeshNode) OnLoop(t *testing.T, f func(s *state.State) error) {
	t.Helper()
	_, err := n.State.DispatchWait(func(s *state.State) (any, error) {
		return nil, f(s)
	})
	if err != nil {
		t.Fatalf("%s: on-loop call failed: %v", n.Name, err)
	}
}

// Route reads the node's selected route to a peer.
func (n *MeshNode) Route(t *testing.T, to state.PeerId) (core.RouteEntry, bool) {
	t.Helper()
	res, err := n.State.DispatchWait(func(s *state.State) (any, error) {
		r := core.Get[*core.Router](s)
		entry, ok := r.Table().Route(to)
		if !ok {
			return nil, nil
		}
		return entry, nil
	})
	if err != nil {
		t.Fatalf("%s: route lookup failed: %v", n.Name, err)
	}
	if res == nil {
		return core.RouteEntry{}, false
	}
	return res.(core.RouteEntry), true
}

// WaitRoute blocks until the node's route to a peer matches.
func (n *MeshNode) WaitRoute(t *testing.T, to state.PeerId, nextHop state.PeerId, cost uint32) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		entry, ok := n.Route(t, to)
		if ok && entry.NextHop == nextHop && entry.Cost == cost {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	entry, ok := n.Route(t, to)
	t.Fatalf("%s: route to %s never became (%s, %d); have (%v, %v)", n.Name, to, nextHop, cost, entry, ok)
}

// Establish opens a multicast connection from this node and waits for
// the outcome.
func (n *MeshNode) Establish(t *testing.T, destinations ...state.PeerId) (state.Connection, error) {
	t.Helper()
	type outcome struct {
		conn state.Connection
		err  error
	}
	result := make(chan outcome, 1)
	n.OnLoop(t, func(s *state.State) error {
		r := core.Get[*core.Router](s)
		r.EstablishMulticast(s, destinations,
			func(s *state.State, conn state.Connection) {
				result <- outcome{conn: conn}
			},
			func(s *state.State, err error) {
				result <- outcome{err: err}
			})
		return nil
	})
	select {
	case out := <-result:
		return out.conn, out.err
	case <-time.After(15 * time.Second):
		t.Fatalf("%s: establishment neither succeeded nor failed", n.Name)
		return nil, nil
	}
}

type Harness struct {
	t     *testing.T
	Net   *mock.Network
	Nodes map[string]*MeshNode
}

func NewHarness(t *testing.T) *Harness {
	return &Harness{t: t, Net: mock.NewNetwork(), Nodes: make(map[string]*MeshNode)}
}

// Start boots one node on the mock network and waits for its loop.
func (h *Harness) Start(name string, idByte byte) *MeshNode {
	h.t.Helper()
	n := &MeshNode{
		Id:       pid(idByte),
		Name:     name,
		Delegate: NewTestDelegate(),
		done:     make(chan struct{}),
	}
	lcfg := state.LocalCfg{Id: n.Id, Name: name}
	go func() {
		defer close(n.done)
		err := core.Start(state.CentralCfg{}, lcfg, slog.LevelError, n.Delegate,
			[]state.TransportModule{h.Net.Transport(n.Id)}, &n.State)
		if err != nil {
			h.t.Errorf("%s: node exited with error: %v", name, err)
		}
	}()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n.State != nil && n.State.Started.Load() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if n.State == nil || !n.State.Started.Load() {
		h.t.Fatalf("%s: node did not start", name)
	}
	h.Nodes[name] = n
	h.t.Cleanup(func() {
		n.State.Cancel(fmt.Errorf("test finished"))
		<-n.done
	})
	return n
}

// collect drains a connection's stream until want bytes have arrived.
func collect(t *testing.T, conn state.Connection, want int) []byte {
	t.Helper()
	got := make(chan []byte, 64)
	conn.OnData(func(data []byte) { got <- data })
	var out []byte
	deadline := time.After(10 * time.Second)
	for len(out) < want {
		select {
		case chunk := <-got:
			out = append(out, chunk...)
		case <-deadline:
			t.Fatalf("timed out collecting %d bytes, have %d", want, len(out))
		}
	}
	return out
}

func waitPeer(t *testing.T, ch chan state.PeerId, want state.PeerId) {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event about %s", want)
		}
	}
}
