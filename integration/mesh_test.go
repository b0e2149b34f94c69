//go:build integration

package integration

import (
	"testing"
	"time"

	"github.com/encodeous/loom/core"
	"github.com/encodeous/loom/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// Three-node line a-b-c: a reaches c through b, and a stream established
// across the relay carries bytes end to end.
func TestLineRelayDeliversBytes(t *testing.T) {
	h := NewHarness(t)
	a := h.Start("a", 1)
	b := h.Start("b", 2)
	c := h.Start("c", 3)
	h.Net.Connect(a.Id, b.Id, 1)
	h.Net.Connect(b.Id, c.Id, 1)

	a.WaitRoute(t, c.Id, b.Id, 2)
	c.WaitRoute(t, a.Id, b.Id, 2)

	conn, err := a.Establish(t, c.Id)
	require.NoError(t, err)
	require.NotNil(t, conn)

	var inbound Inbound
	select {
	case inbound = <-c.Delegate.Inbound:
	case <-time.After(10 * time.Second):
		t.Fatal("c never saw the inbound connection")
	}
	assert.Equal(t, a.Id, inbound.Source)

	b.OnLoop(t, func(s *state.State) error {
		r := core.Get[*core.Router](s)
		assert.Equal(t, 1, r.ForkingCount())
		assert.Equal(t, 0, r.PendingForwardedCount())
		return nil
	})

	require.NoError(t, conn.Write([]byte("hello")))
	assert.Equal(t, []byte("hello"), collect(t, inbound.Conn, 5))

	conn.Close()
	// closing the composite releases the relay's fork
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		forks := -1
		b.OnLoop(t, func(s *state.State) error {
			forks = core.Get[*core.Router](s).ForkingCount()
			return nil
		})
		if forks == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("relay fork was never released")
}

// Ring a-b-c-d: every node learns routes to all others with the expected
// next hops; removing edge b-c reroutes a's traffic to c through d.
func TestRingConvergenceAndReroute(t *testing.T) {
	h := NewHarness(t)
	a := h.Start("a", 1)
	b := h.Start("b", 2)
	c := h.Start("c", 3)
	d := h.Start("d", 4)
	h.Net.Connect(a.Id, b.Id, 1)
	h.Net.Connect(b.Id, c.Id, 1)
	h.Net.Connect(c.Id, d.Id, 1)
	h.Net.Connect(d.Id, a.Id, 1)

	// direct neighbours
	a.WaitRoute(t, b.Id, b.Id, 1)
	a.WaitRoute(t, d.Id, d.Id, 1)
	// two equal-cost paths to c; the lexicographically smaller next hop wins
	a.WaitRoute(t, c.Id, b.Id, 2)
	b.WaitRoute(t, d.Id, a.Id, 2)
	c.WaitRoute(t, a.Id, b.Id, 2)

	waitPeer(t, a.Delegate.Found, c.Id)

	h.Net.Disconnect(b.Id, c.Id)
	a.WaitRoute(t, c.Id, d.Id, 2)
	b.WaitRoute(t, c.Id, a.Id, 3)
}

// Multicast to two direct neighbours: both confirm, and bytes written at
// the root arrive at both.
func TestMulticastToTwoNeighbours(t *testing.T) {
	h := NewHarness(t)
	a := h.Start("a", 1)
	b := h.Start("b", 2)
	c := h.Start("c", 3)
	h.Net.Connect(a.Id, b.Id, 1)
	h.Net.Connect(a.Id, c.Id, 1)

	a.WaitRoute(t, b.Id, b.Id, 1)
	a.WaitRoute(t, c.Id, c.Id, 1)

	conn, err := a.Establish(t, b.Id, c.Id)
	require.NoError(t, err)

	var atB, atC Inbound
	select {
	case atB = <-b.Delegate.Inbound:
	case <-time.After(10 * time.Second):
		t.Fatal("b never saw the inbound connection")
	}
	select {
	case atC = <-c.Delegate.Inbound:
	case <-time.After(10 * time.Second):
		t.Fatal("c never saw the inbound connection")
	}
	assert.Equal(t, a.Id, atB.Source)
	assert.Equal(t, a.Id, atC.Source)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, conn.Write(payload))
	assert.Equal(t, payload, collect(t, atB.Conn, len(payload)))
	assert.Equal(t, payload, collect(t, atC.Conn, len(payload)))

	conn.Close()
}

// A destination nobody advertises is unreachable: establishment fails
// before any connection is opened.
func TestNoRouteFailure(t *testing.T) {
	h := NewHarness(t)
	a := h.Start("a", 1)
	b := h.Start("b", 2)
	h.Net.Connect(a.Id, b.Id, 1)
	a.WaitRoute(t, b.Id, b.Id, 1)

	unknown := pid(9)
	_, err := a.Establish(t, unknown)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNoRoute)

	a.OnLoop(t, func(s *state.State) error {
		r := core.Get[*core.Router](s)
		assert.Equal(t, 0, r.ForkingCount())
		assert.Equal(t, 0, r.PendingForwardedCount())
		return nil
	})
}

// One leg of a multicast fails to open: the whole establishment fails
// and the already-opened leg is torn down.
func TestPartialFailureTeardown(t *testing.T) {
	h := NewHarness(t)
	a := h.Start("a", 1)
	b := h.Start("b", 2)
	cId := pid(3) // c never starts, so dialing it fails
	h.Net.Connect(a.Id, b.Id, 1)
	h.Net.Connect(a.Id, cId, 1)

	a.WaitRoute(t, b.Id, b.Id, 1)
	a.WaitRoute(t, cId, cId, 1)

	_, err := a.Establish(t, b.Id, cId)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPartialMulticast)

	for _, n := range []*MeshNode{a, b} {
		n.OnLoop(t, func(s *state.State) error {
			r := core.Get[*core.Router](s)
			assert.Equal(t, 0, r.ForkingCount())
			assert.Equal(t, 0, r.PendingForwardedCount())
			return nil
		})
	}
	select {
	case in := <-b.Delegate.Inbound:
		t.Fatalf("b must not see a connection, got one from %s", in.Source)
	case <-time.After(time.Second):
	}
}

// A single node starts and stops without leaking goroutines.
func TestStartStopClean(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := NewHarness(t)
	h.Start("a", 1)
}
