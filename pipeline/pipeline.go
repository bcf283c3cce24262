// Package pipeline defines the processing strategy interface cameras feed,
// the result model strategies produce, and the strategy registry.
package pipeline

import (
	"context"
	"encoding/json"
	"image"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Type identifies a registered pipeline strategy family.
type Type string

// Config describes one pipeline. Settings is an opaque blob interpreted by
// the strategy it configures.
type Config struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	CameraID string          `json:"camera_id"`
	Type     Type            `json:"type"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	if c.ID == "" {
		return errors.New("pipeline config must have an id")
	}
	if c.CameraID == "" {
		return errors.Errorf("pipeline %q must name its camera", c.ID)
	}
	if c.Type == "" {
		return errors.Errorf("pipeline %q must have a type", c.ID)
	}
	return nil
}

// DisplayName returns the configured name, falling back to the id.
func (c *Config) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// Pose is an estimated robot pose in the field frame, meters and degrees.
type Pose struct {
	Translation r3.Vector `json:"translation"`
	RollDeg     float64   `json:"roll_deg"`
	PitchDeg    float64   `json:"pitch_deg"`
	YawDeg      float64   `json:"yaw_deg"`
}

// Result is the output of processing one frame.
type Result struct {
	// Detections is the strategy-specific structured payload; it must be
	// JSON-marshalable for the API and telemetry layers.
	Detections any

	// Annotated is the input image with the strategy's overlay drawn on it.
	Annotated image.Image

	// ProcessingTime is how long Process spent on this frame.
	ProcessingTime time.Duration

	// Pose is an optional global pose estimate; nil when the strategy does
	// not localize.
	Pose *Pose
}

// A Pipeline is one pluggable processing strategy. Process is called from a
// single worker goroutine; UpdateConfig may be called concurrently with
// Process and must take effect without restarting the worker.
type Pipeline interface {
	Process(ctx context.Context, color, depth image.Image) (Result, error)
	UpdateConfig(settings json.RawMessage) error
	Close() error
}

// Constructor builds a strategy for the given pipeline config.
type Constructor func(conf Config, logger golog.Logger) (Pipeline, error)
