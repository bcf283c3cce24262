// Package config loads, validates, and persists the server's camera and
// pipeline configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/opensight-robotics/opensight/camera"
	"github.com/opensight-robotics/opensight/pipeline"
)

// DefaultBindAddress is where the web layer listens when unconfigured.
const DefaultBindAddress = ":5800"

// Web configures the HTTP surface.
type Web struct {
	BindAddress string `json:"bind_address,omitempty"`
}

// Telemetry configures the robot-side result bus. An empty broker disables
// publishing.
type Telemetry struct {
	MQTTBroker string `json:"mqtt_broker,omitempty"`
	ClientID   string `json:"client_id,omitempty"`
}

// Config is the full persisted server configuration.
type Config struct {
	Cameras   []camera.Config   `json:"cameras"`
	Pipelines []pipeline.Config `json:"pipelines"`
	Web       Web               `json:"web,omitempty"`
	Telemetry Telemetry         `json:"telemetry,omitempty"`
}

// Validate ensures every entity is valid, ids are unique, and every
// pipeline names a configured camera.
func (c *Config) Validate() error {
	cameraIDs := map[string]bool{}
	for i := range c.Cameras {
		conf := &c.Cameras[i]
		if err := conf.Validate(); err != nil {
			return err
		}
		if cameraIDs[conf.ID] {
			return errors.Errorf("duplicate camera id %q", conf.ID)
		}
		cameraIDs[conf.ID] = true
	}

	pipelineIDs := map[string]bool{}
	for i := range c.Pipelines {
		conf := &c.Pipelines[i]
		if err := conf.Validate(); err != nil {
			return err
		}
		if pipelineIDs[conf.ID] {
			return errors.Errorf("duplicate pipeline id %q", conf.ID)
		}
		pipelineIDs[conf.ID] = true
		if !cameraIDs[conf.CameraID] {
			return errors.Errorf("pipeline %q references unknown camera %q", conf.ID, conf.CameraID)
		}
	}
	return nil
}

// BindAddress returns the configured web address or the default.
func (c *Config) BindAddress() string {
	if c.Web.BindAddress != "" {
		return c.Web.BindAddress
	}
	return DefaultBindAddress
}

// Read loads and validates the config at path.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config %q", path)
	}
	var conf Config
	if err := json.Unmarshal(data, &conf); err != nil {
		return nil, errors.Wrapf(err, "cannot parse config %q", path)
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %q", path)
	}
	return &conf, nil
}

// Write persists the config to path through a temp file and rename, so a
// crash mid-write never leaves a torn config behind.
func (c *Config) Write(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot marshal config")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".opensight-config-*")
	if err != nil {
		return errors.Wrap(err, "cannot create temp config")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "cannot write temp config")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "cannot close temp config")
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "cannot replace config %q", path)
}
