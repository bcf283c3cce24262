// Package fake implements a synthetic camera driver for tests and for
// running the server without hardware.
package fake

import (
	"context"
	"image"
	"image/color"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/opensight-robotics/opensight/camera"
)

// DriverType is the registered type for this driver.
const DriverType camera.DriverType = "fake"

func init() {
	camera.RegisterDriver(DriverType, camera.Registration{
		Constructor: func(conf camera.Config, logger golog.Logger) (camera.Driver, error) {
			return NewDriver(conf, logger), nil
		},
		Probe: func(ctx context.Context, identifier string) bool {
			// A fake device is always "plugged in".
			return true
		},
	})
}

// FrameFunc produces one synthetic capture. Returning nil images with a nil
// error simulates a momentarily starved device.
type FrameFunc func() (color, depth image.Image, err error)

// Driver is a deterministic in-memory camera.
type Driver struct {
	conf   camera.Config
	logger golog.Logger

	mu          sync.Mutex
	connected   bool
	connects    int
	failConnect error
	frameFunc   FrameFunc
	counter     int
}

// NewDriver returns a fake driver producing a shifting gradient pattern,
// plus a flat depth image when the config enables depth.
func NewDriver(conf camera.Config, logger golog.Logger) *Driver {
	d := &Driver{conf: conf, logger: logger}
	d.frameFunc = d.gradientFrame
	return d
}

func (d *Driver) gradientFrame() (image.Image, image.Image, error) {
	const w, h = 64, 48
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	shift := uint8(d.counter % 256)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x*4) + shift, G: uint8(y * 5), B: shift, A: 255})
		}
	}
	var depth image.Image
	if d.conf.EnableDepth {
		depth = image.NewGray16(image.Rect(0, 0, w, h))
	}
	return img, depth, nil
}

// Connect opens the fake device. It fails with the injected error if one was
// set and counts successful connects for tests.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failConnect != nil {
		return d.failConnect
	}
	if d.connected {
		return errors.Errorf("fake camera %q already connected", d.conf.ID)
	}
	d.connected = true
	d.connects++
	return nil
}

// Disconnect closes the fake device. Safe to call when not connected.
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

// Frame returns the next synthetic capture.
func (d *Driver) Frame(ctx context.Context) (image.Image, image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil, nil, errors.Errorf("fake camera %q not connected", d.conf.ID)
	}
	d.counter++
	return d.frameFunc()
}

// SetFrameFunc replaces the synthetic frame source.
func (d *Driver) SetFrameFunc(fn FrameFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frameFunc = fn
}

// FailConnect makes subsequent Connect calls fail with err (nil clears it).
func (d *Driver) FailConnect(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failConnect = err
}

// ConnectCount returns how many times Connect has succeeded.
func (d *Driver) ConnectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

// Connected reports whether the device is currently open.
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}
