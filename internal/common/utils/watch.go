package utils

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gitlab.com/tozd/go/errors"

	"github.com/xuecangming/multidrive/internal/common/types"
	"github.com/xuecangming/multidrive/internal/core/logger"
)

// ConfigWatcher reloads the config file when it changes on disk and hands
// every successfully parsed version to a callback.
type ConfigWatcher struct {
	path     string
	onChange func(*types.Config)
	watcher  *fsnotify.Watcher
	log      logger.Logger
	done     chan struct{}
	once     sync.Once
}

// WatchConfig starts watching path. The parent directory is watched so that
// editors which replace the file through a rename are still noticed.
func WatchConfig(path string, log logger.Logger, onChange func(*types.Config)) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Errorf("create config watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, errors.WithStack(err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, errors.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &ConfigWatcher{
		path:     abs,
		onChange: onChange,
		watcher:  watcher,
		log:      logger.OrGlobal(log),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher
func (w *ConfigWatcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *ConfigWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", logger.Error(err))
		}
	}
}

func (w *ConfigWatcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.log.Warn("ignoring invalid config change", logger.String("path", w.path), logger.Error(err))
		return
	}
	w.log.Info("config reloaded", logger.String("path", w.path))
	w.onChange(cfg)
}
