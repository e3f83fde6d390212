package config

import (
	"github.com/fsnotify/fsnotify"

	"nexus/pkg/logging"
)

// Watcher watches a config file for writes and invokes onChange with the
// freshly reloaded Config. Reload errors are logged and the prior config is
// left in effect, rather than crashing the process.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	onChange func(*Config)
	done     chan struct{}
}

// Watch starts watching path's parent directory (fsnotify watches
// directories more reliably than single files across editors that
// write-then-rename) and calls onChange whenever path itself changes.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := parentDir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, fsw: fsw, onChange: onChange, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("config", nil, "watcher panic recovered: %v", r)
		}
	}()

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				logging.Warn("config", "reload of %s failed, keeping prior config: %v", w.path, err)
				continue
			}
			logging.Info("config", "reloaded %s", w.path)
			w.onChange(cfg)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("config", "watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
