package pipeline

import (
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

var (
	registryMu sync.RWMutex
	registry   = map[Type]Constructor{}
)

// Register associates a pipeline type with its constructor. It panics on a
// duplicate type or nil constructor; registration happens at init time.
func Register(ptype Type, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[ptype]; ok {
		panic(errors.Errorf("pipeline type %q already registered", ptype))
	}
	if ctor == nil {
		panic(errors.Errorf("pipeline type %q registered with nil constructor", ptype))
	}
	registry[ptype] = ctor
}

// Registered looks up a constructor by type.
func Registered(ptype Type) (Constructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ctor, ok := registry[ptype]
	return ctor, ok
}

// New builds a strategy for conf, failing on unknown types.
func New(conf Config, logger golog.Logger) (Pipeline, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	ctor, ok := Registered(conf.Type)
	if !ok {
		return nil, errors.Errorf("unknown pipeline type %q", conf.Type)
	}
	return ctor(conf, logger)
}
