package spike

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"pkt.systems/spike/internal/svcfields"
)

// DefaultReloadDebounce collapses bursts of file-system events into a
// single reload.
const DefaultReloadDebounce = 300 * time.Millisecond

// ConfigWatcher monitors the config files that contributed to a resolved
// configuration and fires a debounced callback when any of them changes.
// The callback normally re-runs Discover and hands the fresh ResolvedConfig
// to the fleet's ApplyConfigDiff.
type ConfigWatcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onChange func()
	logger   pslog.Logger

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

// WatchConfig starts watching paths. An empty debounce uses
// DefaultReloadDebounce. Close releases the watcher.
func WatchConfig(paths []string, debounce time.Duration, onChange func(), logger pslog.Logger) (*ConfigWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	w := &ConfigWatcher{
		watcher:  fw,
		debounce: debounce,
		onChange: onChange,
		logger:   svcfields.WithSubsystem(ensureLogger(logger), "config.watcher"),
		done:     make(chan struct{}),
	}
	for _, path := range paths {
		if err := fw.Add(path); err != nil {
			w.logger.Warn("config.watch.add_failed", "path", path, "error", err)
			continue
		}
		w.logger.Debug("config.watch.added", "path", path)
	}
	go w.loop()
	return w, nil
}

func (w *ConfigWatcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("config.watch.event", "path", event.Name, "op", event.Op.String())
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config.watch.error", "error", err)
		}
	}
}

// schedule arms (or re-arms) the debounce timer. Repeated events within the
// window collapse into one reload.
func (w *ConfigWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		w.logger.Info("config.reload.triggered")
		w.onChange()
	})
}

// Close stops the watcher and cancels any pending reload.
func (w *ConfigWatcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
