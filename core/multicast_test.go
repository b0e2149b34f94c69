package core

import (
	"testing"
	"time"

	"github.com/encodeous/loom/mock"
	"github.com/encodeous/loom/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulticastWriteFansOut(t *testing.T) {
	var subs []state.Connection
	var fars []*byteCollector
	for i := 0; i < 3; i++ {
		near, far := mock.NewConnPair()
		subs = append(subs, near)
		col := newByteCollector()
		far.OnData(col.handler)
		fars = append(fars, col)
	}
	m := NewMulticastConnection(subs)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, m.Write(payload))
	for _, col := range fars {
		assert.Equal(t, payload, col.next(t))
	}
}

func TestMulticastWriteAggregatesErrors(t *testing.T) {
	nearA, _ := mock.NewConnPair()
	nearB, farB := mock.NewConnPair()
	farB.Close()
	m := NewMulticastConnection([]state.Connection{nearA, nearB})

	// give the close a moment to reach nearB
	waitFor(t, time.Second, func() bool {
		return m.Write([]byte("x")) != nil
	}, "write through a closed subconnection should fail")
}

func TestMulticastCloseClosesSubconnections(t *testing.T) {
	nearA, farA := mock.NewConnPair()
	nearB, farB := mock.NewConnPair()
	m := NewMulticastConnection([]state.Connection{nearA, nearB})

	closedA := make(chan error, 1)
	farA.OnClose(func(err error) { closedA <- err })
	closedB := make(chan error, 1)
	farB.OnClose(func(err error) { closedB <- err })

	m.Close()
	for _, ch := range []chan error{closedA, closedB} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("subconnection was not closed")
		}
	}
}

func TestMulticastSubCloseTearsDownComposite(t *testing.T) {
	nearA, farA := mock.NewConnPair()
	nearB, farB := mock.NewConnPair()
	m := NewMulticastConnection([]state.Connection{nearA, nearB})

	closed := make(chan error, 1)
	m.OnClose(func(err error) { closed <- err })
	otherClosed := make(chan error, 1)
	farB.OnClose(func(err error) { otherClosed <- err })

	farA.Close()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("composite did not close")
	}
	select {
	case <-otherClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("sibling subconnection was not closed")
	}
}

func TestMulticastSurfacesSubconnectionData(t *testing.T) {
	near, far := mock.NewConnPair()
	m := NewMulticastConnection([]state.Connection{near})
	col := newByteCollector()
	m.OnData(col.handler)

	require.NoError(t, far.Write([]byte("inbound")))
	assert.Equal(t, []byte("inbound"), col.next(t))
}
