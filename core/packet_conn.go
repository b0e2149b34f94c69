package core

import (
	"fmt"
	"sync"

	"github.com/encodeous/loom/protocol"
	"github.com/encodeous/loom/state"
)

type connMode int

const (
	// modePacket frames the stream into protocol packets.
	modePacket connMode = iota
	// modeDetachPending: Detach was requested while packet deliveries
	// were still in flight on the dispatch queue; stream data is held
	// back until they land so the raw view sees bytes in stream order.
	modeDetachPending
	// modeRaw passes stream data straight through to the raw view.
	modeRaw
)

// packetConn frames a raw byte stream into protocol packets and delivers
// them on the dispatch loop. At most one Await may be outstanding;
// packets arriving with no consumer are queued in order. Detach upgrades
// the connection for the layer above: framing stops and the remaining
// stream (queued packets re-framed, plus any partial bytes) is exposed
// as a plain connection.
//
// All methods except the transport-facing callbacks must run on the
// dispatch loop.
type packetConn struct {
	env *state.Env
	raw state.Connection

	// mu guards the framing state shared with the transport's data
	// goroutine. It is never held across a Dispatch.
	mu         sync.Mutex
	fr         protocol.FrameReader
	mode       connMode
	inFlight   int
	leftover   []byte
	pendingRaw [][]byte
	view       *rawView

	queue []protocol.Packet
	// pendingErr is a decode failure that arrived with no consumer; the
	// next Await surfaces it instead of waiting forever
	pendingErr error
	waiter     func(s *state.State, pkt protocol.Packet, err error)
	sub        func(s *state.State, pkt protocol.Packet, err error)
	awaitGen   uint64

	closed      bool
	closeReason error
	closeFn     func(s *state.State, reason error)
}

func newPacketConn(env *state.Env, raw state.Connection) *packetConn {
	pc := &packetConn{env: env, raw: raw}
	raw.OnData(pc.handleData)
	raw.OnClose(func(reason error) {
		env.Dispatch(func(s *state.State) error {
			pc.handleClose(s, reason)
			return nil
		})
	})
	return pc
}

// handleData runs on the transport's goroutine.
func (pc *packetConn) handleData(data []byte) {
	type framed struct {
		pkt protocol.Packet
		err error
	}
	var emitted []framed

	pc.mu.Lock()
	switch pc.mode {
	case modeRaw:
		v := pc.view
		pc.mu.Unlock()
		v.data.Deliver(data)
		return
	case modeDetachPending:
		cp := append([]byte(nil), data...)
		pc.pendingRaw = append(pc.pendingRaw, cp)
		pc.mu.Unlock()
		return
	case modePacket:
		_ = pc.fr.Push(data, func(frame []byte) error {
			pkt, err := protocol.Decode(frame)
			emitted = append(emitted, framed{pkt, err})
			return nil
		})
		pc.inFlight += len(emitted)
		pc.mu.Unlock()
	}
	for _, f := range emitted {
		f := f
		pc.env.Dispatch(func(s *state.State) error {
			pc.deliver(s, f.pkt, f.err)
			return nil
		})
	}
}

func (pc *packetConn) WritePacket(pkt protocol.Packet) error {
	frame, err := protocol.Frame(pkt)
	if err != nil {
		return err
	}
	return pc.raw.Write(frame)
}

func (pc *packetConn) deliver(s *state.State, pkt protocol.Packet, err error) {
	pc.mu.Lock()
	pc.inFlight--
	mode := pc.mode
	if mode == modeDetachPending {
		if err == nil {
			pc.queue = append(pc.queue, pkt)
		}
		if pc.inFlight == 0 {
			pc.finishDetachLocked()
			return // finishDetachLocked unlocks
		}
		pc.mu.Unlock()
		return
	}
	pc.mu.Unlock()

	if pc.closed || mode == modeRaw {
		return
	}
	if pc.waiter != nil {
		w := pc.waiter
		pc.waiter = nil
		pc.awaitGen++
		w(s, pkt, err)
		return
	}
	if pc.sub != nil {
		pc.sub(s, pkt, err)
		return
	}
	if err == nil {
		pc.queue = append(pc.queue, pkt)
	} else if pc.pendingErr == nil {
		pc.pendingErr = err
	}
}

// Subscribe routes every subsequent packet (queued ones first) to fn,
// with no deadline. Used for long-lived connections.
func (pc *packetConn) Subscribe(s *state.State, fn func(s *state.State, pkt protocol.Packet, err error)) {
	pc.sub = fn
	for len(pc.queue) > 0 && pc.sub != nil && !pc.closed {
		pkt := pc.queue[0]
		pc.queue = pc.queue[1:]
		fn(s, pkt, nil)
	}
}

// Await arranges for the next packet (or a queued one) to be handed to
// fn. A close or an expired deadline surfaces as an error instead.
func (pc *packetConn) Await(s *state.State, fn func(s *state.State, pkt protocol.Packet, err error)) {
	if len(pc.queue) > 0 {
		pkt := pc.queue[0]
		pc.queue = pc.queue[1:]
		fn(s, pkt, nil)
		return
	}
	if pc.pendingErr != nil {
		err := pc.pendingErr
		pc.pendingErr = nil
		fn(s, nil, err)
		return
	}
	if pc.closed {
		fn(s, nil, fmt.Errorf("%w: %v", ErrTransportClosed, pc.closeReason))
		return
	}
	pc.waiter = fn
	pc.awaitGen++
	gen := pc.awaitGen
	pc.env.ScheduleTask(func(s *state.State) error {
		if pc.waiter == nil || gen != pc.awaitGen {
			return nil
		}
		w := pc.waiter
		pc.waiter = nil
		w(s, nil, fmt.Errorf("%w: timed out awaiting packet", ErrHandshakeFailure))
		return nil
	}, state.HandshakeTimeout)
}

// OnClosed registers fn to run once when the stream closes. If it is
// already closed, fn runs immediately.
func (pc *packetConn) OnClosed(s *state.State, fn func(s *state.State, reason error)) {
	if pc.closed {
		fn(s, pc.closeReason)
		return
	}
	pc.closeFn = fn
}

func (pc *packetConn) handleClose(s *state.State, reason error) {
	if pc.closed {
		return
	}
	pc.closed = true
	pc.closeReason = reason
	if pc.waiter != nil {
		w := pc.waiter
		pc.waiter = nil
		w(s, nil, fmt.Errorf("%w: %v", ErrTransportClosed, reason))
	}
	if pc.closeFn != nil {
		fn := pc.closeFn
		pc.closeFn = nil
		fn(s, reason)
	}
	pc.mu.Lock()
	if pc.mode == modeDetachPending {
		// whatever arrived is flushed; frames lost on the dispatch
		// queue died with the connection
		pc.finishDetachLocked()
	} else {
		pc.mu.Unlock()
	}
	if v := pc.view; v != nil {
		v.closed.Notify(reason)
	}
}

// Detach stops packet framing and returns the remaining stream as a
// plain connection. Stream order is preserved: queued packets are
// re-framed ahead of any partial bytes and post-detach chunks.
func (pc *packetConn) Detach() state.Connection {
	pc.mu.Lock()
	if pc.view != nil {
		v := pc.view
		pc.mu.Unlock()
		return v
	}
	v := &rawView{pc: pc}
	pc.view = v
	pc.leftover = pc.fr.TakeBuffered()
	if pc.inFlight > 0 && !pc.closed {
		pc.mode = modeDetachPending
		pc.mu.Unlock()
		return v
	}
	pc.finishDetachLocked()
	if pc.closed {
		v.closed.Notify(pc.closeReason)
	}
	return v
}

// finishDetachLocked replays the held-back remainder of the stream into
// the raw view and switches to pass-through. Called with mu held;
// releases it before delivering.
func (pc *packetConn) finishDetachLocked() {
	v := pc.view
	var replay []byte
	for _, pkt := range pc.queue {
		frame, err := protocol.Frame(pkt)
		if err == nil {
			replay = append(replay, frame...)
		}
	}
	pc.queue = nil
	replay = append(replay, pc.leftover...)
	pc.leftover = nil
	for _, chunk := range pc.pendingRaw {
		replay = append(replay, chunk...)
	}
	pc.pendingRaw = nil
	pc.mode = modeRaw
	pc.mu.Unlock()
	if len(replay) > 0 {
		v.data.Deliver(replay)
	}
}

func (pc *packetConn) Close() {
	pc.raw.Close()
}

// rawView is the unframed remainder of a detached packetConn.
type rawView struct {
	pc     *packetConn
	data   state.DataBuffer
	closed state.CloseNotifier
}

func (v *rawView) Write(data []byte) error {
	return v.pc.raw.Write(data)
}

func (v *rawView) Close() {
	v.pc.raw.Close()
}

func (v *rawView) OnData(handler func(data []byte)) {
	v.data.SetHandler(handler)
}

func (v *rawView) OnClose(handler func(reason error)) {
	v.closed.SetHandler(handler)
}
