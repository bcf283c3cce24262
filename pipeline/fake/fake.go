// Package fake implements an injectable pipeline strategy for tests.
package fake

import (
	"context"
	"encoding/json"
	"image"
	"sync"
	"time"

	"github.com/edaniels/golog"

	"github.com/opensight-robotics/opensight/pipeline"
)

// Type is the registered type for this strategy.
const Type pipeline.Type = "fake"

func init() {
	pipeline.Register(Type, func(conf pipeline.Config, logger golog.Logger) (pipeline.Pipeline, error) {
		return New(conf, logger), nil
	})
}

// ProcessFunc replaces the strategy's Process behavior.
type ProcessFunc func(ctx context.Context, color, depth image.Image) (pipeline.Result, error)

// Pipeline is a strategy whose behavior tests can swap out at will.
type Pipeline struct {
	conf   pipeline.Config
	logger golog.Logger

	mu           sync.Mutex
	processFunc  ProcessFunc
	processed    int
	lastSettings json.RawMessage
	closed       bool
}

// New returns a fake strategy that echoes its input as the annotated image.
func New(conf pipeline.Config, logger golog.Logger) *Pipeline {
	p := &Pipeline{conf: conf, logger: logger, lastSettings: conf.Settings}
	p.processFunc = func(ctx context.Context, color, depth image.Image) (pipeline.Result, error) {
		return pipeline.Result{
			Detections:     []string{},
			Annotated:      color,
			ProcessingTime: time.Millisecond,
		}, nil
	}
	return p
}

// Process invokes the current process function.
func (p *Pipeline) Process(ctx context.Context, color, depth image.Image) (pipeline.Result, error) {
	p.mu.Lock()
	p.processed++
	fn := p.processFunc
	p.mu.Unlock()
	return fn(ctx, color, depth)
}

// UpdateConfig records the new settings.
func (p *Pipeline) UpdateConfig(settings json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSettings = settings
	return nil
}

// Close marks the strategy closed.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// SetProcessFunc swaps the process behavior.
func (p *Pipeline) SetProcessFunc(fn ProcessFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processFunc = fn
}

// ProcessCount returns how many times Process has been called.
func (p *Pipeline) ProcessCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed
}

// LastSettings returns the settings most recently passed to UpdateConfig.
func (p *Pipeline) LastSettings() json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSettings
}

// Closed reports whether Close has been called.
func (p *Pipeline) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
