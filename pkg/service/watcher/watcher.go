package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/utils/async"
	"github.com/secmon-lab/onboarder/pkg/utils/logging"
	"github.com/secmon-lab/onboarder/pkg/utils/safe"
)

// Handler processes one settled file
type Handler func(ctx context.Context, path string) error

// Watcher feeds files dropped into a directory to a Handler. Bursts of
// events for the same file are coalesced into one call after the file has
// been quiet for the debounce interval.
type Watcher struct {
	dir      string
	accept   func(name string) bool
	handle   Handler
	debounce time.Duration
	scan     bool

	mu     sync.Mutex
	timers map[string]*time.Timer
	tasks  async.Dispatcher
	ready  chan struct{}
}

// Option configures a Watcher
type Option func(*Watcher)

// WithDebounce sets how long a file must be quiet before it is handled
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithInitialScan handles files already present when Run starts
func WithInitialScan(enabled bool) Option {
	return func(w *Watcher) {
		w.scan = enabled
	}
}

// New creates a Watcher for dir. accept filters file names; a nil accept
// takes every file.
func New(dir string, accept func(name string) bool, handle Handler, opts ...Option) *Watcher {
	if accept == nil {
		accept = func(string) bool { return true }
	}
	w := &Watcher{
		dir:      filepath.Clean(dir),
		accept:   accept,
		handle:   handle,
		debounce: time.Second,
		timers:   make(map[string]*time.Timer),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Ready is closed once the directory is being watched
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches the directory until ctx is done. Handlers already started keep
// running; use Wait to drain them.
func (w *Watcher) Run(ctx context.Context) error {
	info, err := os.Stat(w.dir)
	if err != nil {
		return goerr.Wrap(err, "failed to stat watch directory", goerr.V("dir", w.dir))
	}
	if !info.IsDir() {
		return goerr.New("watch path is not a directory", goerr.V("dir", w.dir))
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return goerr.Wrap(err, "failed to create file watcher")
	}
	defer safe.Close(ctx, fw)

	if err := fw.Add(w.dir); err != nil {
		return goerr.Wrap(err, "failed to watch directory", goerr.V("dir", w.dir))
	}

	logger := logging.From(ctx).With(slog.String("dir", w.dir))
	logger.Info("watching directory for documents")
	close(w.ready)

	if w.scan {
		if err := w.scanDir(ctx); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			logger.Info("stopped watching directory")
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				w.stopTimers()
				return nil
			}
			switch {
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
				w.schedule(ctx, ev.Name)
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				w.cancel(ev.Name)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				w.stopTimers()
				return nil
			}
			logger.Warn("file watcher error", logging.ErrAttr(err))
		}
	}
}

// Wait blocks until every started handler returns or ctx is done
func (w *Watcher) Wait(ctx context.Context) error {
	return w.tasks.Wait(ctx)
}

func (w *Watcher) scanDir(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return goerr.Wrap(err, "failed to read watch directory", goerr.V("dir", w.dir))
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.schedule(ctx, filepath.Join(w.dir, e.Name()))
	}
	return nil
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !w.accept(name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.fire(ctx, path)
	})
}

func (w *Watcher) fire(ctx context.Context, path string) {
	w.mu.Lock()
	delete(w.timers, path)
	w.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	w.tasks.Dispatch(ctx, "watch:"+filepath.Base(path), func(ctx context.Context) error {
		return w.handle(ctx, path)
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}
