package core

import (
	"sync/atomic"

	"github.com/encodeous/loom/state"
)

// ForkingConnection relays between an upstream and a downstream stream
// while also behaving as a local endpoint. Every byte received on either
// side is surfaced to the local endpoint handler and relayed verbatim to
// the other side; bytes written locally are sent both ways so the
// endpoint participates in the shared stream. Closing either underlying
// connection closes the fork, which releases the owner's retention.
type ForkingConnection struct {
	incoming state.Connection
	outgoing state.Connection
	data     state.DataBuffer
	closed   state.CloseNotifier
	tearing  atomic.Bool
	released func(f *ForkingConnection)
}

// NewForkingConnection wires incoming and outgoing together. released is
// invoked exactly once when the fork shuts down, before the close
// handler fires.
func NewForkingConnection(incoming, outgoing state.Connection, released func(f *ForkingConnection)) *ForkingConnection {
	f := &ForkingConnection{
		incoming: incoming,
		outgoing: outgoing,
		released: released,
	}
	incoming.OnData(func(data []byte) {
		f.data.Deliver(data)
		_ = outgoing.Write(data)
	})
	outgoing.OnData(func(data []byte) {
		f.data.Deliver(data)
		_ = incoming.Write(data)
	})
	incoming.OnClose(func(reason error) { f.teardown(reason) })
	outgoing.OnClose(func(reason error) { f.teardown(reason) })
	return f
}

func (f *ForkingConnection) Write(data []byte) error {
	if err := f.incoming.Write(data); err != nil {
		return err
	}
	return f.outgoing.Write(data)
}

func (f *ForkingConnection) Close() {
	f.teardown(nil)
}

func (f *ForkingConnection) teardown(reason error) {
	if f.tearing.Swap(true) {
		return
	}
	f.incoming.Close()
	f.outgoing.Close()
	if f.released != nil {
		f.released(f)
	}
	f.closed.Notify(reason)
}

func (f *ForkingConnection) OnData(handler func(data []byte)) {
	f.data.SetHandler(handler)
}

func (f *ForkingConnection) OnClose(handler func(reason error)) {
	f.closed.SetHandler(handler)
}
