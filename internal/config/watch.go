package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watcher reloads a config file whenever it changes on disk and hands every
// valid result to the callback. Invalid edits are logged and skipped so the
// previous config stays in effect.
type Watcher struct {
	path    string
	fn      func(Config)
	watcher *fsnotify.Watcher
	closed  chan struct{}
	once    sync.Once
}

// Watch starts watching path. The parent directory is watched rather than the
// file itself, since editors commonly replace files by rename.
func Watch(path string, fn func(Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		path:    abs,
		fn:      fn,
		watcher: fw,
		closed:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Warnf("hot reload of %s rejected: %v", w.path, err)
				continue
			}
			log.Infof("reloaded %s", w.path)
			w.fn(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.closed)
		err = w.watcher.Close()
	})
	return err
}

// ApplyLogLevels sets the global level and any per-subsystem overrides.
func ApplyLogLevels(l Log) error {
	if l.Level != "" {
		lvl, err := logging.LevelFromString(l.Level)
		if err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
		logging.SetAllLoggers(lvl)
	}
	for name, level := range l.Subsystems {
		if err := logging.SetLogLevel(name, level); err != nil {
			return fmt.Errorf("log.subsystems.%s: %w", name, err)
		}
	}
	return nil
}
