package config

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	rerrors "github.com/eprosima/ddsrecorder/internal/errors"
)

// Watcher reloads a config file on change and delivers the new value to a
// callback. Only a subset of fields are safe to apply live; the onReload
// callback passed to Watch decides what to do with a reloaded Config (see
// cmd/record).
type Watcher struct {
	path       string
	reloadTime time.Duration
	log        *zap.Logger

	fw   *fsnotify.Watcher
	stop chan struct{}
	done chan struct{}
}

// NewWatcher creates a Watcher for path. reloadTime debounces bursts of
// filesystem events (editors often emit several writes per save) before
// re-reading the file; a non-positive value uses a 200ms default.
func NewWatcher(path string, reloadTime time.Duration, log *zap.Logger) (*Watcher, error) {
	if reloadTime <= 0 {
		reloadTime = 200 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, rerrors.NewInitializationError("config.watch.new_watcher", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, rerrors.NewInitializationError("config.watch.add", err)
	}
	return &Watcher{path: path, reloadTime: reloadTime, log: log, fw: fw}, nil
}

// Watch starts the background loop, invoking onReload with the freshly
// loaded Config each time path changes and re-parses cleanly. Parse or
// validation failures are logged and skipped; the previous Config remains
// in effect. Returns immediately; call Stop to release resources.
func (w *Watcher) Watch(onReload func(*Config)) {
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(onReload)
}

func (w *Watcher) loop(onReload func(*Config)) {
	defer close(w.done)
	var pending *time.Timer
	var pendingC <-chan time.Time
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.NewTimer(w.reloadTime)
			pendingC = pending.C
		case <-pendingC:
			pendingC = nil
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn("config reload failed, keeping previous config", zap.String("path", w.path), zap.Error(err))
				continue
			}
			w.log.Info("config reloaded", zap.String("path", w.path))
			onReload(cfg)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", zap.Error(err))
		case <-w.stop:
			return
		}
	}
}

// Stop releases the underlying filesystem watch and waits for the
// background loop to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	_ = w.fw.Close()
	<-w.done
}
