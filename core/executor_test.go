package core

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/encodeous/loom/state"
	"github.com/stretchr/testify/assert"
)

func TestExecutorCoalescesShortTriggers(t *testing.T) {
	_, run := newTestState(t, pid(1))

	var fires atomic.Int32
	var exec *RepeatedExecutor
	run(func(s *state.State) error {
		exec = newRepeatedExecutor(s.Env, time.Second*5, time.Millisecond*50, func(s *state.State) error {
			fires.Add(1)
			return nil
		})
		return nil
	})
	t.Cleanup(func() { run(func(*state.State) error { exec.Stop(); return nil }) })

	// a burst of triggers within one short window fires exactly once
	run(func(s *state.State) error {
		for i := 0; i < 10; i++ {
			exec.TriggerShort()
		}
		return nil
	})
	waitFor(t, 2*time.Second, func() bool { return fires.Load() == 1 }, "short fire did not happen")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), fires.Load())
}

func TestExecutorFiresRegularly(t *testing.T) {
	_, run := newTestState(t, pid(1))

	var fires atomic.Int32
	var exec *RepeatedExecutor
	run(func(s *state.State) error {
		exec = newRepeatedExecutor(s.Env, time.Millisecond*50, time.Millisecond*10, func(s *state.State) error {
			fires.Add(1)
			return nil
		})
		return nil
	})
	t.Cleanup(func() { run(func(*state.State) error { exec.Stop(); return nil }) })

	waitFor(t, 2*time.Second, func() bool { return fires.Load() >= 3 }, "regular cadence did not fire")
}

func TestExecutorRearmsRegularAfterShortFire(t *testing.T) {
	_, run := newTestState(t, pid(1))

	var fires atomic.Int32
	var exec *RepeatedExecutor
	run(func(s *state.State) error {
		exec = newRepeatedExecutor(s.Env, time.Millisecond*200, time.Millisecond*20, func(s *state.State) error {
			fires.Add(1)
			return nil
		})
		return nil
	})
	t.Cleanup(func() { run(func(*state.State) error { exec.Stop(); return nil }) })

	run(func(s *state.State) error {
		exec.TriggerShort()
		return nil
	})
	waitFor(t, time.Second, func() bool { return fires.Load() == 1 }, "short fire missing")
	// the regular cadence continues after the early fire
	waitFor(t, 2*time.Second, func() bool { return fires.Load() >= 2 }, "regular timer was not re-armed")
}

func TestExecutorShortNoopWhenRegularSooner(t *testing.T) {
	_, run := newTestState(t, pid(1))

	var fires atomic.Int32
	var exec *RepeatedExecutor
	run(func(s *state.State) error {
		exec = newRepeatedExecutor(s.Env, time.Millisecond*30, time.Millisecond*100, func(s *state.State) error {
			fires.Add(1)
			return nil
		})
		// the regular timer fires before a short one could; TriggerShort
		// must not delay it
		exec.TriggerShort()
		return nil
	})
	t.Cleanup(func() { run(func(*state.State) error { exec.Stop(); return nil }) })

	waitFor(t, time.Second, func() bool { return fires.Load() >= 1 }, "regular fire missing")
}
