package setfarm

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce is how long the watcher waits after a file event
// before reloading, so editors that write in several syscalls trigger one
// reload.
const DefaultWatchDebounce = 500 * time.Millisecond

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets a structured logger for the watcher.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithWatchDebounce overrides the reload debounce.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// Watcher keeps an in-memory registry of workflow specs loaded from a
// directory of YAML files and hot-reloads it when the files change. A reload
// that fails validation keeps the previous registry, so a half-edited spec
// never takes effect.
type Watcher struct {
	dir      string
	logger   *slog.Logger
	debounce time.Duration

	mu    sync.RWMutex
	specs map[string]*WorkflowSpec
}

// NewWatcher creates a Watcher over a workflow-specs directory. Call Reload
// or Start to populate it.
func NewWatcher(dir string, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		dir:      dir,
		logger:   nopLogger,
		debounce: DefaultWatchDebounce,
		specs:    make(map[string]*WorkflowSpec),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Lookup returns the spec for a workflow id from the current registry.
func (w *Watcher) Lookup(id string) (*WorkflowSpec, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	spec, ok := w.specs[id]
	return spec, ok
}

// Workflows returns the current registry sorted by workflow id.
func (w *Watcher) Workflows() []*WorkflowSpec {
	w.mu.RLock()
	defer w.mu.RUnlock()
	specs := make([]*WorkflowSpec, 0, len(w.specs))
	for _, s := range w.specs {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}

// Reload loads the directory and swaps the registry. On error the previous
// registry stays in place.
func (w *Watcher) Reload() error {
	specs, err := LoadWorkflowDir(w.dir)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.specs = specs
	w.mu.Unlock()
	w.logger.Info("watcher: workflows loaded", "dir", w.dir, "workflows", len(specs))
	return nil
}

// Start loads the registry, then blocks watching the directory until the
// context is canceled. File events are debounced into whole-directory
// reloads; reload failures are logged and leave the registry untouched.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return Wrap(KindInternal, "watch workflows", err)
	}
	if err := w.Reload(); err != nil {
		w.logger.Error("watcher: initial load failed", "dir", w.dir, "error", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return Wrap(KindInternal, "watch workflows", err)
	}
	defer fsw.Close() //nolint:errcheck
	if err := fsw.Add(w.dir); err != nil {
		return Wrap(KindInternal, "watch workflows", err)
	}
	w.logger.Info("watcher: started", "dir", w.dir)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher: stopped")
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !isSpecPath(ev.Name) {
				continue
			}
			pending = time.After(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher: fs error", "error", err)
		case <-pending:
			pending = nil
			if err := w.Reload(); err != nil {
				w.logger.Error("watcher: reload failed, keeping previous registry", "error", err)
			}
		}
	}
}

func isSpecPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
