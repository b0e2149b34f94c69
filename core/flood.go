package core

import (
	"github.com/encodeous/loom/protocol"
	"github.com/encodeous/loom/state"
	"github.com/jellydator/ttlcache/v3"
)

type floodKey struct {
	origin state.PeerId
	seq    uint32
}

type floodHandler func(s *state.State, origin state.PeerId, pkt protocol.Packet) error

// FloodManager disseminates typed packets mesh-wide over the neighbours'
// routing metadata connections, delivering each (origin, seq) pair to
// local handlers at most once.
//
// Dedup state is a per-origin highest-contiguous watermark plus a ttl
// cache of out-of-order pairs above it; the watermark lets the cache stay
// small on a healthy mesh.
type FloodManager struct {
	router    *Router
	seq       uint32
	watermark map[state.PeerId]uint32
	recent    *ttlcache.Cache[floodKey, struct{}]
	// handler registration order is delivery order
	handlers map[uint16][]floodHandler
}

func newFloodManager(r *Router) *FloodManager {
	f := &FloodManager{
		router:    r,
		watermark: make(map[state.PeerId]uint32),
		recent: ttlcache.New[floodKey, struct{}](
			ttlcache.WithTTL[floodKey, struct{}](state.FloodDedupTTL),
			ttlcache.WithDisableTouchOnHit[floodKey, struct{}](),
		),
		handlers: make(map[uint16][]floodHandler),
	}
	go f.recent.Start()
	return f
}

func (f *FloodManager) stop() {
	f.recent.Stop()
}

// Handle registers a handler for an inner packet tag. Multiple handlers
// per tag are allowed.
func (f *FloodManager) Handle(tag uint16, h floodHandler) {
	f.handlers[tag] = append(f.handlers[tag], h)
}

// Flood assigns the next local sequence number to pkt and broadcasts the
// envelope to every neighbour with a live routing connection.
func (f *FloodManager) Flood(s *state.State, pkt protocol.Packet) {
	f.seq++
	env := &protocol.FloodEnvelope{
		Origin: f.router.localId(),
		Seq:    f.seq,
		Inner:  protocol.Marshal(pkt),
	}
	// our own echoes must never be re-delivered
	f.watermark[env.Origin] = f.seq
	f.router.broadcastRouting(s, env, state.PeerId{})
}

// HandleEnvelope processes an envelope received from a neighbour:
// duplicate pairs are dropped, fresh ones are dispatched to the local
// handlers and re-broadcast to every other neighbour.
func (f *FloodManager) HandleEnvelope(s *state.State, from state.PeerId, env *protocol.FloodEnvelope) error {
	if f.isDuplicate(env.Origin, env.Seq) {
		return nil
	}
	f.record(env.Origin, env.Seq)

	inner, err := protocol.Decode(env.Inner)
	if err != nil {
		s.Log.Warn("dropping malformed flooded packet", "origin", env.Origin, "seq", env.Seq, "err", err)
	} else {
		for _, h := range f.handlers[inner.Tag()] {
			if err := h(s, env.Origin, inner); err != nil {
				s.Log.Warn("flood handler failed", "tag", inner.Tag(), "err", err)
			}
		}
	}

	f.router.broadcastRouting(s, env, from)
	return nil
}

func (f *FloodManager) isDuplicate(origin state.PeerId, seq uint32) bool {
	if seq <= f.watermark[origin] {
		return true
	}
	return f.recent.Get(floodKey{origin, seq}) != nil
}

func (f *FloodManager) record(origin state.PeerId, seq uint32) {
	if seq == f.watermark[origin]+1 {
		f.watermark[origin] = seq
		// drain any buffered successors into the watermark
		for {
			k := floodKey{origin, f.watermark[origin] + 1}
			if f.recent.Get(k) == nil {
				break
			}
			f.recent.Delete(k)
			f.watermark[origin]++
		}
		return
	}
	f.recent.Set(floodKey{origin, seq}, struct{}{}, ttlcache.DefaultTTL)
}
