package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DriftReport describes the on-disk state after a change was detected.
type DriftReport struct {
	Path    string
	Digest  string
	Drifted bool
	// Err is set when the new file does not load; a restart would fail.
	Err error
}

// Watcher notices when the configuration file on disk stops matching the one
// the process was started with. The running configuration is never changed;
// the watcher only reports that a restart is needed to pick the edit up.
type Watcher struct {
	path     string
	baseline string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	onChange func(DriftReport)
	debounce time.Duration

	mu      sync.RWMutex
	running bool
	drifted bool
	stopCh  chan struct{}
}

// NewWatcher creates a watcher for path. baseline is the Digest of the
// document the process loaded.
func NewWatcher(path, baseline string, logger *slog.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		path:     absPath,
		baseline: baseline,
		watcher:  watcher,
		logger:   logger.With("component", "config_watcher"),
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}, nil
}

// OnChange registers fn to be called after each debounced change. It must be
// set before Start.
func (w *Watcher) OnChange(fn func(DriftReport)) {
	w.onChange = fn
}

// Start begins watching. The parent directory is watched because editors
// often replace the file through a rename.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	w.logger.Info("Config watcher started", "config_path", w.path)

	go w.watchLoop(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	return w.watcher.Close()
}

// Drifted reports whether the file on disk currently differs from the
// loaded configuration.
func (w *Watcher) Drifted() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.drifted
}

func (w *Watcher) watchLoop(ctx context.Context) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}

			w.logger.Debug("Config file event detected", "event", event.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.check)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-w.stopCh:
			return

		case <-ctx.Done():
			return
		}
	}
}

// check recomputes the digest and reports drift.
func (w *Watcher) check() {
	report := DriftReport{Path: w.path}

	digest, err := FileDigest(w.path)
	if err != nil {
		report.Drifted = true
		report.Err = err
	} else {
		report.Digest = digest
		report.Drifted = digest != w.baseline
		if report.Drifted {
			_, report.Err = Load(w.path)
		}
	}

	w.mu.Lock()
	w.drifted = report.Drifted
	w.mu.Unlock()

	switch {
	case !report.Drifted:
		w.logger.Info("Config file matches the running configuration again")
	case report.Err != nil:
		w.logger.Error("Config file changed and no longer loads; the running configuration is unaffected",
			"config_path", w.path, "error", report.Err)
	default:
		w.logger.Warn("Config file changed; restart required to apply it",
			"config_path", w.path, "digest", report.Digest)
	}

	if w.onChange != nil {
		w.onChange(report)
	}
}
