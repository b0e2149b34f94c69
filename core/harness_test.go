package core

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/encodeous/loom/state"
)

// newTestState spins up a dispatch loop for one node and returns its
// state plus a synchronous on-loop runner.
func newTestState(t *testing.T, id state.PeerId) (*state.State, func(f func(s *state.State) error)) {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	dispatch := make(chan func(*state.State) error, 128)
	s := &state.State{
		Modules: make(map[string]state.LoomModule),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			LocalCfg:        state.LocalCfg{Id: id},
			Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case fun := <-dispatch:
				_ = fun(s)
			case <-ctx.Done():
				return
			}
		}
	}()
	t.Cleanup(func() {
		cancel(context.Canceled)
		<-done
	})
	run := func(f func(s *state.State) error) {
		t.Helper()
		_, err := s.DispatchWait(func(s *state.State) (any, error) {
			return nil, f(s)
		})
		if err != nil {
			t.Fatalf("on-loop call failed: %v", err)
		}
	}
	return s, run
}

// fakeAddress is a cost-only address whose Dial returns no connection;
// enough for tests that never open real streams.
type fakeAddress struct {
	key  string
	cost uint32
}

func (a *fakeAddress) Cost() uint32 { return a.cost }
func (a *fakeAddress) Key() string  { return a.key }
func (a *fakeAddress) Dial() state.UnderlyingConnection {
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
