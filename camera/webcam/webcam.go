// Package webcam implements a USB webcam driver on top of pion/mediadevices.
package webcam

import (
	"context"
	"image"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/edaniels/golog"
	driverutils "github.com/pion/mediadevices/pkg/driver"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"

	"github.com/opensight-robotics/opensight/camera"
)

// DriverType is the registered type for this driver.
const DriverType camera.DriverType = "webcam"

func init() {
	camera.RegisterDriver(DriverType, camera.Registration{
		Constructor: func(conf camera.Config, logger golog.Logger) (camera.Driver, error) {
			return &Driver{conf: conf, logger: logger}, nil
		},
		Availability: checkAvailability,
		Probe:        probe,
	})
}

func checkAvailability() error {
	mediadevicescamera.Initialize()
	if len(driverutils.GetManager().Query(driverutils.FilterVideoRecorder())) == 0 {
		return errors.New("no video capture devices present")
	}
	return nil
}

func probe(ctx context.Context, identifier string) bool {
	mediadevicescamera.Initialize()
	_, err := findDriver(identifier)
	return err == nil
}

// findDriver locates a video recorder whose label matches identifier; an
// empty identifier matches the first available device.
func findDriver(identifier string) (driverutils.Driver, error) {
	drivers := driverutils.GetManager().Query(driverutils.FilterVideoRecorder())
	for _, d := range drivers {
		if identifier == "" || strings.Contains(d.Info().Label, identifier) {
			return d, nil
		}
	}
	return nil, errors.Errorf("no webcam found matching %q", identifier)
}

// Driver captures frames from one USB webcam.
type Driver struct {
	conf   camera.Config
	logger golog.Logger

	mu     sync.Mutex
	drv    driverutils.Driver
	reader video.Reader
}

// Connect opens the matching device and starts its video stream.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reader != nil {
		return errors.Errorf("webcam %q already connected", d.conf.ID)
	}

	mediadevicescamera.Initialize()
	drv, err := findDriver(d.conf.Identifier)
	if err != nil {
		return err
	}
	if drv.Status() == driverutils.StateClosed {
		if err := drv.Open(); err != nil {
			return errors.Wrapf(err, "cannot open webcam %q", d.conf.ID)
		}
	}

	props := drv.Properties()
	if len(props) == 0 {
		goErr := drv.Close()
		return errors.Errorf("webcam %q advertises no video properties (close err: %v)", d.conf.ID, goErr)
	}

	recorder, ok := drv.(driverutils.VideoRecorder)
	if !ok {
		goErr := drv.Close()
		return errors.Errorf("webcam %q is not a video recorder (close err: %v)", d.conf.ID, goErr)
	}
	reader, err := recorder.VideoRecord(selectProp(props))
	if err != nil {
		goErr := drv.Close()
		if goErr != nil {
			err = errors.Wrapf(err, "additionally failed to close device: %v", goErr)
		}
		return errors.Wrapf(err, "cannot start video on webcam %q", d.conf.ID)
	}

	if d.conf.Exposure != 0 || d.conf.Gain != 0 {
		d.logger.Debugw("manual exposure/gain not supported by webcam driver; using device defaults",
			"camera", d.conf.ID)
	}

	d.drv = drv
	d.reader = reader
	return nil
}

// selectProp picks the media property the stream will use; the device's
// first advertised property is its preferred native mode.
func selectProp(props []prop.Media) prop.Media {
	return props[0]
}

// Disconnect stops the stream and closes the device. Safe to call when not
// connected.
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reader = nil
	if d.drv == nil {
		return nil
	}
	drv := d.drv
	d.drv = nil
	return drv.Close()
}

// Frame reads the next capture. The device buffer is reused by the reader,
// so the image is cloned before it escapes to shared consumers.
func (d *Driver) Frame(ctx context.Context) (image.Image, image.Image, error) {
	d.mu.Lock()
	reader := d.reader
	d.mu.Unlock()
	if reader == nil {
		return nil, nil, errors.Errorf("webcam %q not connected", d.conf.ID)
	}

	img, release, err := reader.Read()
	if release != nil {
		defer release()
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "webcam %q read failed", d.conf.ID)
	}
	if img == nil {
		return nil, nil, nil
	}
	return imaging.Clone(img), nil, nil
}
