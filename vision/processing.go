package vision

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/opensight-robotics/opensight/frame"
	"github.com/opensight-robotics/opensight/pipeline"
)

// popTimeout bounds each queue wait so Stop is observed within one interval
// without an extra wake primitive.
const popTimeout = 100 * time.Millisecond

// A ResultSnapshot is the structured output of the most recent successfully
// processed frame of one pipeline. There is no history buffer.
type ResultSnapshot struct {
	PipelineID       string         `json:"pipeline_id"`
	PipelineName     string         `json:"pipeline_name"`
	Detections       any            `json:"detections"`
	ProcessingTimeMs float64        `json:"processing_time_ms"`
	QueueLatencyMs   float64        `json:"queue_latency_ms"`
	Seq              uint64         `json:"seq"`
	CapturedAt       time.Time      `json:"captured_at"`
	Pose             *pipeline.Pose `json:"pose,omitempty"`
}

// A ResultSink receives every new snapshot, push-style (the robot-side
// telemetry bus). Publish must not block the caller.
type ResultSink interface {
	Publish(snapshot ResultSnapshot)
}

// A ProcessingWorker drains one frame queue through one pipeline strategy
// and publishes the latest annotated frame and result snapshot.
type ProcessingWorker struct {
	conf     pipeline.Config
	strategy pipeline.Pipeline
	sink     ResultSink
	logger   golog.Logger

	stateMu                 sync.Mutex
	running                 bool
	queue                   *frame.Queue
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup

	latestMu     sync.Mutex
	latestFrame  *frame.Frame
	latestResult *ResultSnapshot
}

// NewProcessingWorker wraps a strategy. sink may be nil.
func NewProcessingWorker(conf pipeline.Config, strategy pipeline.Pipeline, sink ResultSink, logger golog.Logger) *ProcessingWorker {
	return &ProcessingWorker{
		conf:     conf,
		strategy: strategy,
		sink:     sink,
		logger:   logger.Named("pipeline." + conf.ID),
	}
}

// Config returns the pipeline config this worker runs, including the most
// recently applied settings.
func (w *ProcessingWorker) Config() pipeline.Config {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.conf
}

// CameraID returns the id of the camera feeding this worker.
func (w *ProcessingWorker) CameraID() string {
	return w.conf.CameraID
}

// Start begins draining queue on a dedicated goroutine. Starting a running
// worker is a no-op.
func (w *ProcessingWorker) Start(queue *frame.Queue) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.running {
		return
	}
	w.queue = queue

	cancelCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true
	w.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		w.processLoop(cancelCtx, queue)
	}, w.activeBackgroundWorkers.Done)
}

func (w *ProcessingWorker) processLoop(ctx context.Context, queue *frame.Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f, enqueuedAt, ok := queue.Pop(popTimeout)
		if !ok {
			// Timed out; loop so a pending stop is observed.
			continue
		}
		if f == nil || f.Color() == nil {
			continue
		}

		start := time.Now()
		res, err := w.strategy.Process(ctx, f.Color(), f.Depth())
		if err != nil {
			// One bad frame must not kill the pipeline.
			processErrors.WithLabelValues(w.conf.ID).Inc()
			w.logger.Errorw("processing failed", "seq", f.Seq(), "error", err)
			continue
		}

		procTime := res.ProcessingTime
		if procTime <= 0 {
			procTime = time.Since(start)
		}
		snapshot := ResultSnapshot{
			PipelineID:       w.conf.ID,
			PipelineName:     w.conf.DisplayName(),
			Detections:       res.Detections,
			ProcessingTimeMs: float64(procTime) / float64(time.Millisecond),
			QueueLatencyMs:   float64(start.Sub(enqueuedAt)) / float64(time.Millisecond),
			Seq:              f.Seq(),
			CapturedAt:       f.CapturedAt(),
			Pose:             res.Pose,
		}

		// The annotated view carries the input's sequence number so raw and
		// processed frames correlate.
		annotated := f
		if res.Annotated != nil {
			annotated = f.WithImage(res.Annotated)
		}

		w.latestMu.Lock()
		w.latestFrame = annotated
		w.latestResult = &snapshot
		w.latestMu.Unlock()

		framesProcessed.WithLabelValues(w.conf.ID).Inc()
		processingSeconds.WithLabelValues(w.conf.ID).Observe(procTime.Seconds())

		if w.sink != nil {
			w.sink.Publish(snapshot)
		}
	}
}

// UpdateConfig forwards new settings to the strategy without disturbing the
// worker loop or its queue.
func (w *ProcessingWorker) UpdateConfig(settings []byte) error {
	if err := w.strategy.UpdateConfig(settings); err != nil {
		return errors.Wrapf(err, "pipeline %q rejected new config", w.conf.ID)
	}
	w.stateMu.Lock()
	w.conf.Settings = settings
	w.stateMu.Unlock()
	return nil
}

// Stop signals the loop to exit, joins it, and closes the strategy. Safe to
// call repeatedly.
func (w *ProcessingWorker) Stop() error {
	w.stateMu.Lock()
	if !w.running {
		w.stateMu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	w.stateMu.Unlock()

	w.activeBackgroundWorkers.Wait()
	if err := w.strategy.Close(); err != nil {
		return errors.Wrapf(err, "pipeline %q strategy close failed", w.conf.ID)
	}
	return nil
}

// Running reports whether the drain loop is live.
func (w *ProcessingWorker) Running() bool {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.running
}

// LatestFrame returns the most recent annotated frame, or nil before the
// first successful process.
func (w *ProcessingWorker) LatestFrame() *frame.Frame {
	w.latestMu.Lock()
	defer w.latestMu.Unlock()
	return w.latestFrame
}

// LatestResult returns the most recent snapshot; ok is false before the
// first successful process.
func (w *ProcessingWorker) LatestResult() (ResultSnapshot, bool) {
	w.latestMu.Lock()
	defer w.latestMu.Unlock()
	if w.latestResult == nil {
		return ResultSnapshot{}, false
	}
	return *w.latestResult, true
}
