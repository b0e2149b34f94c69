package core

import (
	"time"

	"github.com/encodeous/loom/state"
)

// RepeatedExecutor fires a single action on a regular cadence, with a
// short-delay path that coalesces a burst of external events into one
// early fire. After any fire the regular timer is re-armed.
type RepeatedExecutor struct {
	env     *state.Env
	action  func(s *state.State) error
	regular time.Duration
	short   time.Duration

	// gen invalidates previously armed timers; only the timer carrying
	// the current generation may fire.
	gen          uint64
	nextFire     time.Time
	shortPending bool
	stopped      bool
}

func newRepeatedExecutor(env *state.Env, regular, short time.Duration, action func(s *state.State) error) *RepeatedExecutor {
	e := &RepeatedExecutor{
		env:     env,
		action:  action,
		regular: regular,
		short:   short,
	}
	e.arm(regular)
	return e
}

// arm schedules the next fire. Must run on the dispatch loop.
func (e *RepeatedExecutor) arm(delay time.Duration) {
	e.gen++
	gen := e.gen
	e.nextFire = time.Now().Add(delay)
	e.env.ScheduleTask(func(s *state.State) error {
		return e.fire(s, gen)
	}, delay)
}

func (e *RepeatedExecutor) fire(s *state.State, gen uint64) error {
	if e.stopped || gen != e.gen {
		return nil
	}
	e.shortPending = false
	e.arm(e.regular)
	return e.action(s)
}

// TriggerShort requests an early fire. It is a no-op if a short fire is
// already pending, or if the regular timer would fire sooner anyway.
func (e *RepeatedExecutor) TriggerShort() {
	if e.stopped || e.shortPending {
		return
	}
	if time.Now().Add(e.short).After(e.nextFire) {
		return
	}
	e.shortPending = true
	e.arm(e.short)
}

func (e *RepeatedExecutor) Stop() {
	e.stopped = true
	e.gen++
}
