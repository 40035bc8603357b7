package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"inferd/internal/logging"
)

// CatalogWatcher watches the module catalog file and hot-registers new or
// changed specs. It only ever adds or replaces specs; resident modules are
// never removed by a catalog edit.
type CatalogWatcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	manager *Manager
	path    string

	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	reloads int
	errors  int
}

// NewCatalogWatcher creates a watcher for the given catalog path.
func NewCatalogWatcher(path string, manager *Manager) (*CatalogWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &CatalogWatcher{
		watcher:     watcher,
		manager:     manager,
		path:        path,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
// Watching the parent directory survives editors that replace the file.
func (w *CatalogWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		logging.LifecycleWarn("catalog watch failed for %s: %v", dir, err)
	} else {
		logging.Lifecycle("watching catalog dir %s", dir)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *CatalogWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryLifecycle).Error("catalog watcher close: %v", err)
	}
}

func (w *CatalogWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
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
			logging.Get(logging.CategoryLifecycle).Error("catalog watcher: %v", err)
			w.mu.Lock()
			w.errors++
			w.mu.Unlock()

		case <-debounceTicker.C:
			w.processDebounced()
		}
	}
}

func (w *CatalogWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

func (w *CatalogWatcher) processDebounced() {
	w.mu.Lock()
	now := time.Now()
	reload := false
	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			delete(w.debounceMap, path)
			reload = true
		}
	}
	w.mu.Unlock()

	if reload {
		w.reload()
	}
}

// reload re-reads the catalog and registers its specs. Parse or validation
// failures keep the previous registry intact.
func (w *CatalogWatcher) reload() {
	cat, err := LoadCatalog(w.path)
	if err != nil {
		logging.LifecycleWarn("catalog reload failed: %v", err)
		w.mu.Lock()
		w.errors++
		w.mu.Unlock()
		return
	}
	if err := w.manager.RegisterCatalog(cat); err != nil {
		logging.LifecycleWarn("catalog re-register failed: %v", err)
		w.mu.Lock()
		w.errors++
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	logging.Lifecycle("catalog reloaded modules=%d", len(cat.Modules))
}

// Reloads reports how many successful hot reloads have happened.
func (w *CatalogWatcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}
