// Package camera defines camera configuration, the driver interface the
// acquisition layer captures through, and the driver registry.
package camera

import (
	"context"
	"encoding/json"
	"image"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// DriverType identifies a registered camera driver family.
type DriverType string

// Orientation is the fixed clockwise rotation applied to every frame a
// camera produces, in degrees.
type Orientation int

// Supported orientations.
const (
	OrientationNormal Orientation = 0
	OrientationRight  Orientation = 90
	OrientationFlip   Orientation = 180
	OrientationLeft   Orientation = 270
)

// Validate ensures the orientation is one of the four supported rotations.
func (o Orientation) Validate() error {
	switch o {
	case OrientationNormal, OrientationRight, OrientationFlip, OrientationLeft:
		return nil
	}
	return errors.Errorf("unsupported orientation %d; must be 0, 90, 180, or 270", int(o))
}

// Config describes one camera. It is owned by configuration storage; the
// runtime layer holds a copy only while a worker is active.
type Config struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Type        DriverType      `json:"type"`
	Identifier  string          `json:"identifier,omitempty"`
	Orientation Orientation     `json:"orientation,omitempty"`
	Exposure    int             `json:"exposure,omitempty"` // 0 means auto
	Gain        int             `json:"gain,omitempty"`     // 0 means auto
	EnableDepth bool            `json:"enable_depth,omitempty"`
	Calibration json.RawMessage `json:"calibration,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	if c.ID == "" {
		return errors.New("camera config must have an id")
	}
	if c.Type == "" {
		return errors.Errorf("camera %q must have a driver type", c.ID)
	}
	return c.Orientation.Validate()
}

// DisplayName returns the configured name, falling back to the id.
func (c *Config) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// A Driver is a connectable frame source for one physical camera. Drivers
// are not required to be safe for concurrent use; each is owned by exactly
// one acquisition worker.
type Driver interface {
	// Connect opens the underlying device. A failure leaves the driver
	// disconnected and is fatal only to the caller's start attempt.
	Connect(ctx context.Context) error
	Disconnect() error

	// Frame returns the next available capture. A nil color image with a nil
	// error means no frame is available right now; callers should back off
	// briefly and retry. depth is nil unless the device produces it.
	Frame(ctx context.Context) (color, depth image.Image, err error)
}

// DriverConstructor builds a driver for the given camera config. The driver
// is constructed disconnected.
type DriverConstructor func(conf Config, logger golog.Logger) (Driver, error)
