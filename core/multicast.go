package core

import (
	"github.com/encodeous/loom/state"
	"github.com/hashicorp/go-multierror"
)

// MulticastConnection presents N subconnections as one writable stream.
// Writes fan out to every subconnection; a write succeeds only if all of
// them acknowledge. Reverse data is forwarded chunk-atomically from each
// subconnection: ordering is guaranteed within one subconnection only.
// Closing the composite closes every subconnection, and any
// subconnection closing tears the whole composite down.
type MulticastConnection struct {
	subs   []state.Connection
	data   state.DataBuffer
	closed state.CloseNotifier
}

func NewMulticastConnection(subs []state.Connection) *MulticastConnection {
	m := &MulticastConnection{subs: subs}
	for _, sub := range subs {
		sub.OnData(m.data.Deliver)
		sub.OnClose(func(reason error) {
			m.teardown(reason)
		})
	}
	return m
}

func (m *MulticastConnection) Write(data []byte) error {
	var errs *multierror.Error
	for _, sub := range m.subs {
		if err := sub.Write(data); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (m *MulticastConnection) Close() {
	m.teardown(nil)
}

func (m *MulticastConnection) teardown(reason error) {
	for _, sub := range m.subs {
		sub.Close()
	}
	m.closed.Notify(reason)
}

func (m *MulticastConnection) OnData(handler func(data []byte)) {
	m.data.SetHandler(handler)
}

func (m *MulticastConnection) OnClose(handler func(reason error)) {
	m.closed.SetHandler(handler)
}
