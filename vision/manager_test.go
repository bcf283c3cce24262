package vision

import (
	"context"
	"encoding/json"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/opensight-robotics/opensight/camera"
	camerafake "github.com/opensight-robotics/opensight/camera/fake"
	"github.com/opensight-robotics/opensight/pipeline"
	pipelinefake "github.com/opensight-robotics/opensight/pipeline/fake"
)

const (
	injectDriverType   camera.DriverType = "vision-test-inject"
	injectPipelineType pipeline.Type     = "vision-test-inject"
)

var (
	injectMu         sync.Mutex
	injectDrivers    = map[string]*camerafake.Driver{}
	injectConstructs = map[string]int{}
	injectPipelines  = map[string]*pipelinefake.Pipeline{}
)

func init() {
	camera.RegisterDriver(injectDriverType, camera.Registration{
		Constructor: func(conf camera.Config, logger golog.Logger) (camera.Driver, error) {
			d := camerafake.NewDriver(conf, logger)
			if conf.Identifier == "fail-connect" {
				d.FailConnect(errors.New("device busy"))
			}
			injectMu.Lock()
			injectDrivers[conf.ID] = d
			injectConstructs[conf.ID]++
			injectMu.Unlock()
			return d, nil
		},
	})
	camera.RegisterDriver("vision-test-unavailable", camera.Registration{
		Constructor: func(conf camera.Config, logger golog.Logger) (camera.Driver, error) {
			return camerafake.NewDriver(conf, logger), nil
		},
		Availability: func() error { return errors.New("sdk missing") },
	})
	pipeline.Register(injectPipelineType, func(conf pipeline.Config, logger golog.Logger) (pipeline.Pipeline, error) {
		p := pipelinefake.New(conf, logger)
		injectMu.Lock()
		injectPipelines[conf.ID] = p
		injectMu.Unlock()
		return p, nil
	})
}

func injectedDriver(id string) *camerafake.Driver {
	injectMu.Lock()
	defer injectMu.Unlock()
	return injectDrivers[id]
}

func constructCount(id string) int {
	injectMu.Lock()
	defer injectMu.Unlock()
	return injectConstructs[id]
}

func injectedPipeline(id string) *pipelinefake.Pipeline {
	injectMu.Lock()
	defer injectMu.Unlock()
	return injectPipelines[id]
}

func camConf(id string) camera.Config {
	return camera.Config{ID: id, Type: injectDriverType}
}

func pipeConf(id, cameraID string) pipeline.Config {
	return pipeline.Config{ID: id, CameraID: cameraID, Type: injectPipelineType}
}

func TestStartCameraIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(golog.NewTestLogger(t))
	defer func() {
		test.That(t, m.Close(ctx), test.ShouldBeNil)
	}()

	test.That(t, m.StartCamera(ctx, camConf("cam-idem")), test.ShouldBeNil)
	test.That(t, m.CameraRunning("cam-idem"), test.ShouldBeTrue)

	// Second start is a no-op success: no second worker, no second driver.
	test.That(t, m.StartCamera(ctx, camConf("cam-idem")), test.ShouldBeNil)
	test.That(t, constructCount("cam-idem"), test.ShouldEqual, 1)
	test.That(t, injectedDriver("cam-idem").ConnectCount(), test.ShouldEqual, 1)
}

func TestStartCameraFailures(t *testing.T) {
	ctx := context.Background()
	m := NewManager(golog.NewTestLogger(t))

	err := m.StartCamera(ctx, camera.Config{ID: "cam-x", Type: "no-such-type"})
	test.That(t, err, test.ShouldNotBeNil)

	err = m.StartCamera(ctx, camera.Config{ID: "cam-x", Type: "vision-test-unavailable"})
	test.That(t, errors.Is(err, camera.ErrDriverUnavailable), test.ShouldBeTrue)

	conf := camConf("cam-noconn")
	conf.Identifier = "fail-connect"
	err = m.StartCamera(ctx, conf)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, m.CameraRunning("cam-noconn"), test.ShouldBeFalse)

	// A failed start leaves no topology behind.
	m.mu.Lock()
	test.That(t, m.cameras, test.ShouldBeEmpty)
	m.mu.Unlock()
}

func TestStartPipelineRequiresRunningCamera(t *testing.T) {
	ctx := context.Background()
	m := NewManager(golog.NewTestLogger(t))

	err := m.StartPipeline(ctx, pipeConf("p-orphan", "cam-none"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not running")

	m.mu.Lock()
	test.That(t, m.pipelines, test.ShouldBeEmpty)
	test.That(t, m.pipelineCameras, test.ShouldBeEmpty)
	test.That(t, m.pipelineQueues, test.ShouldBeEmpty)
	m.mu.Unlock()
}

func TestPipelineLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewManager(golog.NewTestLogger(t))
	defer func() {
		test.That(t, m.Close(ctx), test.ShouldBeNil)
	}()

	test.That(t, m.StartCamera(ctx, camConf("cam-life")), test.ShouldBeNil)
	test.That(t, m.StartPipeline(ctx, pipeConf("p-life", "cam-life")), test.ShouldBeNil)
	test.That(t, m.PipelineRunning("p-life"), test.ShouldBeTrue)

	m.mu.Lock()
	camWorker := m.cameras["cam-life"]
	m.mu.Unlock()
	test.That(t, camWorker.QueueCount(), test.ShouldEqual, 1)

	// Idempotent start.
	test.That(t, m.StartPipeline(ctx, pipeConf("p-life", "cam-life")), test.ShouldBeNil)
	test.That(t, camWorker.QueueCount(), test.ShouldEqual, 1)

	// Results flow.
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		_, err := m.PipelineResult("p-life")
		test.That(tb, err, test.ShouldBeNil)
	})

	// Teardown unregisters the queue from the camera and removes all
	// topology entries.
	test.That(t, m.StopPipeline("p-life"), test.ShouldBeNil)
	test.That(t, camWorker.QueueCount(), test.ShouldEqual, 0)
	test.That(t, m.PipelineRunning("p-life"), test.ShouldBeFalse)
	test.That(t, injectedPipeline("p-life").Closed(), test.ShouldBeTrue)
	m.mu.Lock()
	test.That(t, m.pipelines, test.ShouldBeEmpty)
	test.That(t, m.pipelineQueues, test.ShouldBeEmpty)
	m.mu.Unlock()

	// Stopping an unknown pipeline is a no-op.
	test.That(t, m.StopPipeline("p-life"), test.ShouldBeNil)
}

func TestStopCameraLeavesPipelinesStalled(t *testing.T) {
	ctx := context.Background()
	m := NewManager(golog.NewTestLogger(t))
	defer func() {
		test.That(t, m.Close(ctx), test.ShouldBeNil)
	}()

	test.That(t, m.StartCamera(ctx, camConf("cam-stall")), test.ShouldBeNil)
	test.That(t, m.StartPipeline(ctx, pipeConf("p-stall", "cam-stall")), test.ShouldBeNil)

	test.That(t, m.StopCamera("cam-stall"), test.ShouldBeNil)
	test.That(t, m.CameraRunning("cam-stall"), test.ShouldBeFalse)

	// The pipeline stays up, stalling at its pop timeout.
	time.Sleep(3 * popTimeout)
	test.That(t, m.PipelineRunning("p-stall"), test.ShouldBeTrue)

	// Restarting the camera re-attaches the pipeline's queue.
	test.That(t, m.StartCamera(ctx, camConf("cam-stall")), test.ShouldBeNil)
	restartedAt := time.Now()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		snapshot, err := m.PipelineResult("p-stall")
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, snapshot.CapturedAt.After(restartedAt), test.ShouldBeTrue)
	})
}

func TestCameraResults(t *testing.T) {
	ctx := context.Background()
	m := NewManager(golog.NewTestLogger(t))
	defer func() {
		test.That(t, m.Close(ctx), test.ShouldBeNil)
	}()

	test.That(t, m.StartCamera(ctx, camConf("cam-agg1")), test.ShouldBeNil)
	test.That(t, m.StartCamera(ctx, camConf("cam-agg2")), test.ShouldBeNil)
	test.That(t, m.StartPipeline(ctx, pipeConf("p-agg1", "cam-agg1")), test.ShouldBeNil)
	test.That(t, m.StartPipeline(ctx, pipeConf("p-agg2", "cam-agg1")), test.ShouldBeNil)
	test.That(t, m.StartPipeline(ctx, pipeConf("p-agg3", "cam-agg2")), test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, m.CameraResults("cam-agg1"), test.ShouldHaveLength, 2)
		test.That(tb, m.CameraResults("cam-agg2"), test.ShouldHaveLength, 1)
	})

	ids := map[string]bool{}
	for _, snapshot := range m.CameraResults("cam-agg1") {
		ids[snapshot.PipelineID] = true
	}
	test.That(t, ids, test.ShouldResemble, map[string]bool{"p-agg1": true, "p-agg2": true})
	test.That(t, m.CameraResults("cam-unknown"), test.ShouldHaveLength, 0)
}

func TestUpdatePipelineConfigViaManager(t *testing.T) {
	ctx := context.Background()
	m := NewManager(golog.NewTestLogger(t))
	defer func() {
		test.That(t, m.Close(ctx), test.ShouldBeNil)
	}()

	test.That(t, m.StartCamera(ctx, camConf("cam-upd")), test.ShouldBeNil)
	test.That(t, m.StartPipeline(ctx, pipeConf("p-upd", "cam-upd")), test.ShouldBeNil)

	settings := json.RawMessage(`{"exposure": 3}`)
	test.That(t, m.UpdatePipelineConfig("p-upd", settings), test.ShouldBeNil)
	test.That(t, injectedPipeline("p-upd").LastSettings(), test.ShouldResemble, settings)

	err := m.UpdatePipelineConfig("p-nope", settings)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestExecuteWithCameraPaused(t *testing.T) {
	ctx := context.Background()
	m := NewManager(golog.NewTestLogger(t))
	defer func() {
		test.That(t, m.Close(ctx), test.ShouldBeNil)
	}()

	conf := camConf("cam-pause")
	test.That(t, m.StartCamera(ctx, conf), test.ShouldBeNil)

	m.mu.Lock()
	pausedWorker := m.cameras["cam-pause"]
	m.mu.Unlock()

	var sawStopped bool
	err := m.ExecuteWithCameraPaused(ctx, "cam-pause", func(ctx context.Context, current camera.Config) (camera.Config, error) {
		sawStopped = !pausedWorker.Running() && !injectedDriver("cam-pause").Connected()
		return current, nil
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sawStopped, test.ShouldBeTrue)
	test.That(t, m.CameraRunning("cam-pause"), test.ShouldBeTrue)

	m.mu.Lock()
	test.That(t, m.cameras["cam-pause"].Config(), test.ShouldResemble, conf)
	m.mu.Unlock()

	// The action can hand back updated settings for the restart.
	err = m.ExecuteWithCameraPaused(ctx, "cam-pause", func(ctx context.Context, current camera.Config) (camera.Config, error) {
		current.Orientation = camera.OrientationFlip
		return current, nil
	})
	test.That(t, err, test.ShouldBeNil)
	m.mu.Lock()
	test.That(t, m.cameras["cam-pause"].Config().Orientation, test.ShouldEqual, camera.OrientationFlip)
	m.mu.Unlock()

	// A failing action restarts with the previous config and surfaces the
	// error.
	err = m.ExecuteWithCameraPaused(ctx, "cam-pause", func(ctx context.Context, current camera.Config) (camera.Config, error) {
		return camera.Config{}, errors.New("probe failed")
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "probe failed")
	test.That(t, m.CameraRunning("cam-pause"), test.ShouldBeTrue)
	m.mu.Lock()
	test.That(t, m.cameras["cam-pause"].Config().Orientation, test.ShouldEqual, camera.OrientationFlip)
	m.mu.Unlock()

	err = m.ExecuteWithCameraPaused(ctx, "cam-absent", func(ctx context.Context, current camera.Config) (camera.Config, error) {
		return current, nil
	})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRestartCamera(t *testing.T) {
	ctx := context.Background()
	m := NewManager(golog.NewTestLogger(t))
	defer func() {
		test.That(t, m.Close(ctx), test.ShouldBeNil)
	}()

	test.That(t, m.StartCamera(ctx, camConf("cam-restart")), test.ShouldBeNil)
	test.That(t, m.StartPipeline(ctx, pipeConf("p-restart", "cam-restart")), test.ShouldBeNil)

	newConf := camConf("cam-restart")
	newConf.Orientation = camera.OrientationFlip
	test.That(t, m.RestartCamera(ctx, newConf), test.ShouldBeNil)
	test.That(t, constructCount("cam-restart"), test.ShouldEqual, 2)
	test.That(t, m.CameraRunning("cam-restart"), test.ShouldBeTrue)

	// The pipeline keeps receiving frames from the new worker.
	restartedAt := time.Now()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		snapshot, err := m.PipelineResult("p-restart")
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, snapshot.CapturedAt.After(restartedAt), test.ShouldBeTrue)
	})
}

func TestManagerNotFoundQueries(t *testing.T) {
	m := NewManager(golog.NewTestLogger(t))

	_, err := m.CameraFrame("cam-none")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = m.PipelineFrame("p-none")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = m.PipelineResult("p-none")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, m.CameraRunning("cam-none"), test.ShouldBeFalse)
	test.That(t, m.PipelineRunning("p-none"), test.ShouldBeFalse)
	test.That(t, m.StopCamera("cam-none"), test.ShouldBeNil)
}

type teardownRecorder struct {
	mu  sync.Mutex
	log []string
}

func (r *teardownRecorder) record(entry string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, entry)
}

type orderDriver struct {
	id  string
	rec *teardownRecorder
}

func (d *orderDriver) Connect(ctx context.Context) error { return nil }
func (d *orderDriver) Disconnect() error {
	d.rec.record("camera:" + d.id)
	return nil
}

func (d *orderDriver) Frame(ctx context.Context) (image.Image, image.Image, error) {
	return nil, nil, nil
}

type orderStrategy struct {
	*pipelinefake.Pipeline
	id  string
	rec *teardownRecorder
}

func (s *orderStrategy) Close() error {
	s.rec.record("pipeline:" + s.id)
	return nil
}

var closeOrderRec = &teardownRecorder{}

func init() {
	camera.RegisterDriver("vision-test-order", camera.Registration{
		Constructor: func(conf camera.Config, logger golog.Logger) (camera.Driver, error) {
			return &orderDriver{id: conf.ID, rec: closeOrderRec}, nil
		},
	})
	pipeline.Register("vision-test-order", func(conf pipeline.Config, logger golog.Logger) (pipeline.Pipeline, error) {
		return &orderStrategy{
			Pipeline: pipelinefake.New(conf, logger),
			id:       conf.ID,
			rec:      closeOrderRec,
		}, nil
	})
}

func TestManagerCloseStopsPipelinesFirst(t *testing.T) {
	ctx := context.Background()
	m := NewManager(golog.NewTestLogger(t))

	for _, id := range []string{"cam-o1", "cam-o2"} {
		conf := camera.Config{ID: id, Type: "vision-test-order"}
		test.That(t, m.StartCamera(ctx, conf), test.ShouldBeNil)
	}
	for id, cam := range map[string]string{"p-o1": "cam-o1", "p-o2": "cam-o1", "p-o3": "cam-o2"} {
		conf := pipeline.Config{ID: id, CameraID: cam, Type: "vision-test-order"}
		test.That(t, m.StartPipeline(ctx, conf), test.ShouldBeNil)
	}

	test.That(t, m.Close(ctx), test.ShouldBeNil)

	closeOrderRec.mu.Lock()
	log := append([]string{}, closeOrderRec.log...)
	closeOrderRec.mu.Unlock()
	test.That(t, log, test.ShouldHaveLength, 5)

	lastPipeline, firstCamera := -1, len(log)
	for i, entry := range log {
		if strings.HasPrefix(entry, "pipeline:") && i > lastPipeline {
			lastPipeline = i
		}
		if strings.HasPrefix(entry, "camera:") && i < firstCamera {
			firstCamera = i
		}
	}
	// Every pipeline stops before any camera does.
	test.That(t, lastPipeline, test.ShouldBeLessThan, firstCamera)
}
