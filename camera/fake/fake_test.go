package fake

import (
	"context"
	"image"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/opensight-robotics/opensight/camera"
)

func TestFakeDriverLifecycle(t *testing.T) {
	ctx := context.Background()
	logger := golog.NewTestLogger(t)
	d := NewDriver(camera.Config{ID: "cam1", Type: DriverType}, logger)

	_, _, err := d.Frame(ctx)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, d.Connect(ctx), test.ShouldBeNil)
	test.That(t, d.ConnectCount(), test.ShouldEqual, 1)
	test.That(t, d.Connected(), test.ShouldBeTrue)

	colorImg, depthImg, err := d.Frame(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, colorImg, test.ShouldNotBeNil)
	test.That(t, depthImg, test.ShouldBeNil)

	test.That(t, d.Disconnect(), test.ShouldBeNil)
	test.That(t, d.Connected(), test.ShouldBeFalse)
	test.That(t, d.Disconnect(), test.ShouldBeNil)
}

func TestFakeDriverDepth(t *testing.T) {
	ctx := context.Background()
	logger := golog.NewTestLogger(t)
	d := NewDriver(camera.Config{ID: "cam1", Type: DriverType, EnableDepth: true}, logger)
	test.That(t, d.Connect(ctx), test.ShouldBeNil)

	_, depthImg, err := d.Frame(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, depthImg, test.ShouldNotBeNil)
}

func TestFakeDriverFailConnect(t *testing.T) {
	ctx := context.Background()
	logger := golog.NewTestLogger(t)
	d := NewDriver(camera.Config{ID: "cam1", Type: DriverType}, logger)

	d.FailConnect(errors.New("no device"))
	test.That(t, d.Connect(ctx), test.ShouldNotBeNil)
	test.That(t, d.ConnectCount(), test.ShouldEqual, 0)

	d.FailConnect(nil)
	test.That(t, d.Connect(ctx), test.ShouldBeNil)
	test.That(t, d.ConnectCount(), test.ShouldEqual, 1)
}

func TestFakeDriverFrameFunc(t *testing.T) {
	ctx := context.Background()
	logger := golog.NewTestLogger(t)
	d := NewDriver(camera.Config{ID: "cam1", Type: DriverType}, logger)
	test.That(t, d.Connect(ctx), test.ShouldBeNil)

	custom := image.NewRGBA(image.Rect(0, 0, 8, 8))
	d.SetFrameFunc(func() (image.Image, image.Image, error) {
		return custom, nil, nil
	})

	colorImg, _, err := d.Frame(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, colorImg, test.ShouldEqual, custom)

	// A starved device returns no frame and no error.
	d.SetFrameFunc(func() (image.Image, image.Image, error) {
		return nil, nil, nil
	})
	colorImg, _, err = d.Frame(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, colorImg, test.ShouldBeNil)
}

func TestFakeDriverRegistered(t *testing.T) {
	logger := golog.NewTestLogger(t)
	drv, err := camera.NewDriver(camera.Config{ID: "cam1", Type: DriverType}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, drv, test.ShouldNotBeNil)
	test.That(t, camera.Probe(context.Background(), camera.Config{Type: DriverType}), test.ShouldBeTrue)
}
