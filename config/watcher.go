package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// debounceWindow absorbs the burst of filesystem events an editor or atomic
// rename produces for one logical save.
const debounceWindow = 100 * time.Millisecond

// A Watcher re-reads the config file whenever it changes and delivers each
// valid new config on its channel. Invalid intermediate states are logged
// and skipped; the previous config stays in effect.
type Watcher struct {
	path      string
	logger    golog.Logger
	fsWatcher *fsnotify.Watcher
	configs   chan *Config

	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewWatcher watches the config at path. The containing directory is
// watched rather than the file itself so renames (how Write replaces the
// file) are seen.
func NewWatcher(path string, logger golog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "cannot create fs watcher")
	}
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		goutils.UncheckedError(fsWatcher.Close())
		return nil, errors.Wrapf(err, "cannot watch %q", filepath.Dir(path))
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:      path,
		logger:    logger.Named("config_watcher"),
		fsWatcher: fsWatcher,
		configs:   make(chan *Config, 1),
		cancel:    cancel,
	}
	w.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		w.watch(cancelCtx)
	}, w.activeBackgroundWorkers.Done)
	return w, nil
}

// Config returns the channel of freshly loaded configs.
func (w *Watcher) Config() <-chan *Config {
	return w.configs
}

func (w *Watcher) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !goutils.SelectContextOrWait(ctx, debounceWindow) {
				return
			}
			w.drainEvents()

			conf, err := Read(w.path)
			if err != nil {
				w.logger.Errorw("config changed but cannot be loaded; keeping previous", "error", err)
				continue
			}
			w.deliver(ctx, conf)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorw("config watch error", "error", err)
		}
	}
}

func (w *Watcher) drainEvents() {
	for {
		select {
		case <-w.fsWatcher.Events:
		default:
			return
		}
	}
}

// deliver replaces any undelivered config so the consumer always gets the
// newest one.
func (w *Watcher) deliver(ctx context.Context, conf *Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case w.configs <- conf:
			return
		default:
		}
		select {
		case <-w.configs:
		default:
		}
	}
}

// Close stops watching. The config channel is not closed; callers select on
// it alongside their own shutdown signal.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fsWatcher.Close()
	w.activeBackgroundWorkers.Wait()
	return err
}
