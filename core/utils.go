package core

import (
	"reflect"

	"github.com/encodeous/loom/state"
)

func Get[T state.LoomModule](s *state.State) T {
	t := reflect.TypeFor[T]()
	return s.Modules[t.String()].(T)
}
