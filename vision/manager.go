package vision

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/opensight-robotics/opensight/camera"
	"github.com/opensight-robotics/opensight/frame"
	"github.com/opensight-robotics/opensight/pipeline"
)

// A Manager is the sole owner of the runtime topology: it is the only
// component that creates and destroys acquisition and processing workers and
// wires queues between them.
type Manager struct {
	logger golog.Logger
	sink   ResultSink

	// mu guards the topology maps only; it is never held while calling into
	// a worker's own-locked result accessors.
	mu              sync.Mutex
	cameras         map[string]*AcquisitionWorker
	pipelines       map[string]*ProcessingWorker
	pipelineCameras map[string]string
	pipelineQueues  map[string]*frame.Queue
}

// Option configures a Manager.
type Option func(*Manager)

// WithResultSink pushes every new result snapshot to sink.
func WithResultSink(sink ResultSink) Option {
	return func(m *Manager) {
		m.sink = sink
	}
}

// NewManager returns an empty topology.
func NewManager(logger golog.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:          logger,
		cameras:         map[string]*AcquisitionWorker{},
		pipelines:       map[string]*ProcessingWorker{},
		pipelineCameras: map[string]string{},
		pipelineQueues:  map[string]*frame.Queue{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartCamera builds a driver for conf and starts its acquisition worker.
// Starting an already-running camera id is a no-op success. A driver that
// cannot be created (unsupported type, SDK unavailable) or connected fails
// the call and nothing is recorded.
func (m *Manager) StartCamera(ctx context.Context, conf camera.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cameras[conf.ID]; ok {
		return nil
	}
	return m.startCameraLocked(ctx, conf)
}

// startCameraLocked starts a worker for conf and re-registers the queues of
// any pipelines already mapped to this camera id, so a restarted camera
// resumes feeding its stalled pipelines. Assumes m.mu is held.
func (m *Manager) startCameraLocked(ctx context.Context, conf camera.Config) error {
	driver, err := camera.NewDriver(conf, m.logger)
	if err != nil {
		return err
	}
	worker := NewAcquisitionWorker(conf, driver, m.logger)
	for pid, cid := range m.pipelineCameras {
		if cid == conf.ID {
			worker.RegisterQueue(pid, m.pipelineQueues[pid])
		}
	}
	if err := worker.Start(ctx); err != nil {
		return err
	}
	m.cameras[conf.ID] = worker
	return nil
}

// StopCamera stops and removes the camera's worker if present. Pipelines
// still mapped to this camera are left alone: they stall benignly at their
// queue timeouts until stopped themselves or until the camera restarts.
func (m *Manager) StopCamera(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	worker, ok := m.cameras[id]
	if !ok {
		return nil
	}
	delete(m.cameras, id)
	return worker.Stop()
}

// CameraRunning reports whether the camera id has a live worker.
func (m *Manager) CameraRunning(id string) bool {
	m.mu.Lock()
	worker, ok := m.cameras[id]
	m.mu.Unlock()
	return ok && worker.Running()
}

// CameraFrame returns the camera's latest raw display frame; the frame is
// nil before the first capture.
func (m *Manager) CameraFrame(id string) (*frame.Frame, error) {
	m.mu.Lock()
	worker, ok := m.cameras[id]
	m.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("camera %q is not running", id)
	}
	return worker.LatestFrame(), nil
}

// StartPipeline builds the strategy for conf, wires a bounded queue between
// the owning camera and a new processing worker, and records the topology.
// Starting an already-running pipeline id is a no-op success. It fails if
// the owning camera is not running: pipelines never implicitly start
// cameras.
func (m *Manager) StartPipeline(ctx context.Context, conf pipeline.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipelines[conf.ID]; ok {
		return nil
	}
	cam, ok := m.cameras[conf.CameraID]
	if !ok {
		return errors.Errorf("camera %q is not running; start it before pipeline %q", conf.CameraID, conf.ID)
	}

	strategy, err := pipeline.New(conf, m.logger)
	if err != nil {
		return err
	}

	q := frame.NewQueue(frame.DefaultQueueCapacity)
	cam.RegisterQueue(conf.ID, q)
	worker := NewProcessingWorker(conf, strategy, m.sink, m.logger)
	worker.Start(q)

	m.pipelines[conf.ID] = worker
	m.pipelineCameras[conf.ID] = conf.CameraID
	m.pipelineQueues[conf.ID] = q
	return nil
}

// StopPipeline tears a pipeline down: unregister its queue from the owning
// camera first, then stop the worker, then discard the queue and mappings.
// Unregister-before-destroy ensures no frame is ever pushed into a queue
// nobody will drain again. Stopping an unknown id is a no-op.
func (m *Manager) StopPipeline(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopPipelineLocked(id)
}

func (m *Manager) stopPipelineLocked(id string) error {
	worker, ok := m.pipelines[id]
	if !ok {
		return nil
	}
	if cam, ok := m.cameras[m.pipelineCameras[id]]; ok {
		cam.UnregisterQueue(id)
	}
	err := worker.Stop()
	if q, ok := m.pipelineQueues[id]; ok {
		q.Clear()
	}
	delete(m.pipelines, id)
	delete(m.pipelineCameras, id)
	delete(m.pipelineQueues, id)
	return err
}

// PipelineRunning reports whether the pipeline id has a live worker.
func (m *Manager) PipelineRunning(id string) bool {
	m.mu.Lock()
	worker, ok := m.pipelines[id]
	m.mu.Unlock()
	return ok && worker.Running()
}

// PipelineFrame returns the pipeline's latest processed frame; the frame is
// nil before the first successful process.
func (m *Manager) PipelineFrame(id string) (*frame.Frame, error) {
	m.mu.Lock()
	worker, ok := m.pipelines[id]
	m.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("pipeline %q is not running", id)
	}
	return worker.LatestFrame(), nil
}

// PipelineResult returns the pipeline's latest result snapshot.
func (m *Manager) PipelineResult(id string) (ResultSnapshot, error) {
	m.mu.Lock()
	worker, ok := m.pipelines[id]
	m.mu.Unlock()
	if !ok {
		return ResultSnapshot{}, errors.Errorf("pipeline %q is not running", id)
	}
	snapshot, ok := worker.LatestResult()
	if !ok {
		return ResultSnapshot{}, errors.Errorf("pipeline %q has no result yet", id)
	}
	return snapshot, nil
}

// UpdatePipelineConfig forwards new settings to a running pipeline's
// strategy without restarting its worker.
func (m *Manager) UpdatePipelineConfig(id string, settings []byte) error {
	m.mu.Lock()
	worker, ok := m.pipelines[id]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("pipeline %q is not running", id)
	}
	return worker.UpdateConfig(settings)
}

// CameraResults returns the latest snapshot of every pipeline fed by the
// given camera. The topology lock is held only to collect worker
// references; each worker's own-locked accessor is called after it is
// released, so the topology lock never nests inside a worker lock.
func (m *Manager) CameraResults(cameraID string) []ResultSnapshot {
	m.mu.Lock()
	var workers []*ProcessingWorker
	for pid, cid := range m.pipelineCameras {
		if cid != cameraID {
			continue
		}
		if worker, ok := m.pipelines[pid]; ok {
			workers = append(workers, worker)
		}
	}
	m.mu.Unlock()

	results := make([]ResultSnapshot, 0, len(workers))
	for _, worker := range workers {
		if snapshot, ok := worker.LatestResult(); ok {
			results = append(results, snapshot)
		}
	}
	return results
}

// Pipelines returns the configs of all running pipelines.
func (m *Manager) Pipelines() []pipeline.Config {
	m.mu.Lock()
	workers := make([]*ProcessingWorker, 0, len(m.pipelines))
	for _, worker := range m.pipelines {
		workers = append(workers, worker)
	}
	m.mu.Unlock()

	confs := make([]pipeline.Config, 0, len(workers))
	for _, worker := range workers {
		confs = append(confs, worker.Config())
	}
	return confs
}

// Cameras returns the configs of all running cameras.
func (m *Manager) Cameras() []camera.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	confs := make([]camera.Config, 0, len(m.cameras))
	for _, worker := range m.cameras {
		confs = append(confs, worker.Config())
	}
	return confs
}

// RestartCamera stops the camera id if running and starts it again with
// conf. Pipelines mapped to the camera are re-attached to the new worker.
func (m *Manager) RestartCamera(ctx context.Context, conf camera.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if worker, ok := m.cameras[conf.ID]; ok {
		delete(m.cameras, conf.ID)
		err = worker.Stop()
	}
	return multierr.Append(err, m.startCameraLocked(ctx, conf))
}

// PausedAction runs while a camera is stopped and may return an updated
// config for the restart.
type PausedAction func(ctx context.Context, conf camera.Config) (camera.Config, error)

// ExecuteWithCameraPaused stops the camera's worker, runs action with
// exclusive access to the device, and starts the worker again with the
// config action returned. Some device operations (resolution changes,
// exclusive-access queries) conflict with a live capture loop; this is the
// primitive that makes them safe while the process stays up. If action
// fails, the camera restarts with its previous config and the action's
// error is returned alongside any restart error.
func (m *Manager) ExecuteWithCameraPaused(ctx context.Context, id string, action PausedAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	worker, ok := m.cameras[id]
	if !ok {
		return errors.Errorf("camera %q is not running", id)
	}
	conf := worker.Config()
	delete(m.cameras, id)
	if err := worker.Stop(); err != nil {
		m.logger.Errorw("camera stop failed before paused action", "camera", id, "error", err)
	}

	newConf, actionErr := action(ctx, conf)
	if actionErr != nil {
		newConf = conf
	}
	return multierr.Append(actionErr, m.startCameraLocked(ctx, newConf))
}

// Close tears the whole topology down: every processing worker stops before
// its upstream acquisition worker disappears.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	for id := range m.pipelines {
		err = multierr.Append(err, m.stopPipelineLocked(id))
	}
	for id, worker := range m.cameras {
		err = multierr.Append(err, worker.Stop())
		delete(m.cameras, id)
	}
	return err
}
