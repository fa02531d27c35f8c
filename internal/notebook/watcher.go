package notebook

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hochfrequenz/cellrun/internal/logging"
)

// ChangeCallback is called with the reloaded notebook after the file changes
type ChangeCallback func(nb *Notebook)

// Watcher reloads a notebook when its file is written
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	callback ChangeCallback
	debounce time.Duration
	logger   *zap.Logger

	timer *time.Timer
	mu    sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher watches the notebook at path. The parent directory is watched
// so editors that save by rename are noticed too.
func NewWatcher(path string, callback ChangeCallback, logger *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}

	return &Watcher{
		watcher:  watcher,
		path:     abs,
		callback: callback,
		debounce: 300 * time.Millisecond, // Debounce rapid saves
		logger:   logging.OrNop(logger),
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce sets how long to wait for writes to settle
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start begins watching for file changes
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("notebook watcher error", zap.Error(err))
			}
		}
	}()
}

// Stop stops watching and waits for the event loop to exit
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
	if w.cancel != nil {
		<-w.done
	}

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Reset or start debounce timer
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	nb, err := Load(w.path)
	if err != nil {
		// A half-written file parses badly; the next write triggers again
		w.logger.Debug("reloading notebook", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("notebook changed", zap.String("path", w.path), zap.Int("cells", len(nb.Cells)))
	if w.callback != nil {
		w.callback(nb)
	}
}
