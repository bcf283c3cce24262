package camera

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// ErrDriverUnavailable is returned (wrapped) by NewDriver when a driver type
// is registered but its backing SDK or hardware support is not usable in
// this process. Callers get an explicit outcome instead of a crash.
var ErrDriverUnavailable = errors.New("camera driver unavailable")

// Registration describes how to build and probe one driver family.
type Registration struct {
	Constructor DriverConstructor

	// Availability reports whether the backing SDK is usable in this
	// process. nil means always available.
	Availability func() error

	// Probe reports whether a device with the given identifier is
	// physically present right now. nil means the driver cannot tell.
	Probe func(ctx context.Context, identifier string) bool
}

var (
	registryMu sync.RWMutex
	registry   = map[DriverType]Registration{}
)

// RegisterDriver associates a driver type with its registration. It panics
// if the type is already registered or the constructor is nil; registration
// happens at init time where a panic is a programmer error, not a runtime
// condition.
func RegisterDriver(dtype DriverType, reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[dtype]; ok {
		panic(errors.Errorf("camera driver type %q already registered", dtype))
	}
	if reg.Constructor == nil {
		panic(errors.Errorf("camera driver type %q registered with nil constructor", dtype))
	}
	registry[dtype] = reg
}

// RegisteredDriver looks up a registration by type.
func RegisteredDriver(dtype DriverType) (Registration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[dtype]
	return reg, ok
}

// NewDriver builds a disconnected driver for conf. It fails with an unknown
// type error for unregistered types and with ErrDriverUnavailable (wrapped)
// when the driver's SDK is not usable in this process.
func NewDriver(conf Config, logger golog.Logger) (Driver, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	reg, ok := RegisteredDriver(conf.Type)
	if !ok {
		return nil, errors.Errorf("unknown camera driver type %q", conf.Type)
	}
	if reg.Availability != nil {
		if err := reg.Availability(); err != nil {
			return nil, errors.Wrapf(ErrDriverUnavailable, "camera %q (type %q): %v", conf.ID, conf.Type, err)
		}
	}
	return reg.Constructor(conf, logger)
}

// Probe reports whether the device described by conf appears physically
// connected. Unknown types and drivers without a probe report false.
func Probe(ctx context.Context, conf Config) bool {
	reg, ok := RegisteredDriver(conf.Type)
	if !ok || reg.Probe == nil {
		return false
	}
	return reg.Probe(ctx, conf.Identifier)
}
