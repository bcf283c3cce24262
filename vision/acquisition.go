// Package vision contains the frame acquisition and processing workers and
// the manager that owns their lifecycles and wiring.
package vision

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/opensight-robotics/opensight/camera"
	"github.com/opensight-robotics/opensight/frame"
)

// emptyFrameBackoff is how long the capture loop waits after the driver
// reports no frame available. Starved devices are a transient hardware
// hiccup, never an error.
const emptyFrameBackoff = 10 * time.Millisecond

// An AcquisitionWorker owns one camera driver and turns it into a
// continuous, orientation-corrected frame source fanned out to every
// registered queue.
type AcquisitionWorker struct {
	conf   camera.Config
	driver camera.Driver
	logger golog.Logger

	queuesMu sync.Mutex
	queues   map[string]*frame.Queue

	latestMu sync.Mutex
	latest   *frame.Frame

	stateMu                 sync.Mutex
	running                 bool
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewAcquisitionWorker wraps a disconnected driver. Start connects it.
func NewAcquisitionWorker(conf camera.Config, driver camera.Driver, logger golog.Logger) *AcquisitionWorker {
	return &AcquisitionWorker{
		conf:   conf,
		driver: driver,
		logger: logger.Named("camera." + conf.ID),
		queues: map[string]*frame.Queue{},
	}
}

// Config returns the camera config this worker was started with.
func (w *AcquisitionWorker) Config() camera.Config {
	return w.conf
}

// Start connects the driver and begins the capture loop. A connect failure
// leaves the worker not running and is reported to the caller; there is no
// internal retry. Starting a running worker is a no-op success.
func (w *AcquisitionWorker) Start(ctx context.Context) error {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.running {
		return nil
	}
	if err := w.driver.Connect(ctx); err != nil {
		return errors.Wrapf(err, "camera %q failed to connect", w.conf.ID)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true
	w.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		w.captureLoop(cancelCtx)
	}, w.activeBackgroundWorkers.Done)
	return nil
}

func (w *AcquisitionWorker) captureLoop(ctx context.Context) {
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		colorImg, depthImg, err := w.driver.Frame(ctx)
		if err != nil {
			w.logger.Debugw("frame capture failed; backing off", "error", err)
			if !goutils.SelectContextOrWait(ctx, emptyFrameBackoff) {
				return
			}
			continue
		}
		if colorImg == nil {
			// Device momentarily starved.
			if !goutils.SelectContextOrWait(ctx, emptyFrameBackoff) {
				return
			}
			continue
		}

		seq++
		f := frame.New(orient(colorImg, w.conf.Orientation), depthImg, seq, time.Now())
		framesCaptured.WithLabelValues(w.conf.ID).Inc()

		w.latestMu.Lock()
		w.latest = f
		w.latestMu.Unlock()

		w.queuesMu.Lock()
		for _, q := range w.queues {
			// Approximate: the consumer may drain between the check and the push.
			if q.Len() == q.Cap() {
				framesDropped.WithLabelValues(w.conf.ID).Inc()
			}
			q.Push(f)
		}
		w.queuesMu.Unlock()
	}
}

// orient applies the camera's fixed clockwise rotation. The depth image
// keeps its native orientation; calibration accounts for it.
func orient(img image.Image, o camera.Orientation) image.Image {
	switch o {
	case camera.OrientationRight:
		return imaging.Rotate270(img)
	case camera.OrientationFlip:
		return imaging.Rotate180(img)
	case camera.OrientationLeft:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// Stop signals the loop to exit, joins it, and disconnects the driver. Safe
// to call repeatedly and on a never-started worker.
func (w *AcquisitionWorker) Stop() error {
	w.stateMu.Lock()
	if !w.running {
		w.stateMu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	w.stateMu.Unlock()

	w.activeBackgroundWorkers.Wait()
	if err := w.driver.Disconnect(); err != nil {
		return errors.Wrapf(err, "camera %q failed to disconnect", w.conf.ID)
	}
	return nil
}

// Running reports whether the capture loop is live.
func (w *AcquisitionWorker) Running() bool {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.running
}

// RegisterQueue adds a fan-out target for the given pipeline. Safe to call
// concurrently with the capture loop; acquisition never stops for a
// topology change.
func (w *AcquisitionWorker) RegisterQueue(pipelineID string, q *frame.Queue) {
	w.queuesMu.Lock()
	defer w.queuesMu.Unlock()
	w.queues[pipelineID] = q
}

// UnregisterQueue removes the pipeline's fan-out target.
func (w *AcquisitionWorker) UnregisterQueue(pipelineID string) {
	w.queuesMu.Lock()
	defer w.queuesMu.Unlock()
	delete(w.queues, pipelineID)
}

// QueueCount returns the number of registered fan-out targets.
func (w *AcquisitionWorker) QueueCount() int {
	w.queuesMu.Lock()
	defer w.queuesMu.Unlock()
	return len(w.queues)
}

// LatestFrame returns the most recent raw display frame, or nil before the
// first capture.
func (w *AcquisitionWorker) LatestFrame() *frame.Frame {
	w.latestMu.Lock()
	defer w.latestMu.Unlock()
	return w.latest
}
