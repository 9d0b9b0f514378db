package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher invalidates cached policies when their files change and re-validates
// them, so long-running hosts pick up edits without restarting.
type Watcher struct {
	watcher  *fsnotify.Watcher
	cache    *Cache
	logger   *zap.Logger
	files    map[string]bool
	debounce time.Duration

	// OnReload, when set, is called after each reload attempt.
	OnReload func(path string, res ValidationResult, err error)
}

// NewWatcher watches the directories of the given policy files. Directories
// are watched rather than files so that editors that replace files by
// rename are still observed.
func NewWatcher(cache *Cache, logger *zap.Logger, paths ...string) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		watcher:  fw,
		cache:    cache,
		logger:   logger,
		files:    make(map[string]bool),
		debounce: 500 * time.Millisecond,
	}

	dirs := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		clean := filepath.Clean(p)
		w.files[clean] = true
		dirs[filepath.Dir(clean)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
		}
	}
	return w, nil
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var (
		mu     sync.Mutex
		timers = make(map[string]*time.Timer)
	)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			path := filepath.Clean(event.Name)
			if !w.files[path] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			w.cache.Invalidate(path)

			mu.Lock()
			if t, ok := timers[path]; ok {
				t.Stop()
			}
			timers[path] = time.AfterFunc(w.debounce, func() { w.reload(path) })
			mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(path string) {
	w.cache.Invalidate(path)
	_, res, err := w.cache.Get(path)
	switch {
	case err != nil:
		w.logger.Error("policy reload failed", zap.String("path", path), zap.Error(err))
	case !res.Valid:
		w.logger.Error("reloaded policy is invalid, checks will fail closed",
			zap.String("path", path), zap.Strings("errors", res.Errors))
	default:
		w.logger.Info("policy reloaded", zap.String("path", path), zap.Int("warnings", len(res.Warnings)))
	}
	if w.OnReload != nil {
		w.OnReload(path, res, err)
	}
}
