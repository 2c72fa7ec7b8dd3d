package mapping

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/raaihank/regexner/internal/ner"
)

// reloadDelay coalesces the burst of events editors produce for a single save.
const reloadDelay = 100 * time.Millisecond

// Watcher reloads the rule table whenever one of the mapping files changes.
// A reload that fails keeps the previous table and is only logged.
type Watcher struct {
	config   Config
	watcher  *fsnotify.Watcher
	files    map[string]struct{}
	onReload func(*ner.RuleTable)
	logger   *zap.Logger
}

// NewWatcher watches the directories holding the configured mapping files.
func NewWatcher(cfg Config, logger *zap.Logger, onReload func(*ner.RuleTable)) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		config:   cfg,
		watcher:  fw,
		files:    make(map[string]struct{}),
		onReload: onReload,
		logger:   logger,
	}

	dirs := make(map[string]struct{})
	for _, path := range cfg.Paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("resolve mapping path %s: %w", path, err)
		}
		w.files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}

	// Directories rather than files, so renames done by editors are still seen.
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	return w, nil
}

// Run processes file events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("Mapping file changed",
				zap.String("file", event.Name),
				zap.String("op", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Mapping watcher error", zap.Error(err))

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	_, ok := w.files[abs]
	return ok
}

func (w *Watcher) reload() {
	start := time.Now()
	table, err := Load(w.config)
	if err != nil {
		w.logger.Error("Failed to reload mapping, keeping previous rules", zap.Error(err))
		return
	}

	w.logger.Info("Mapping reloaded",
		zap.Int("rules", table.Len()),
		zap.Duration("duration", time.Since(start)))

	if w.onReload != nil {
		w.onReload(table)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
