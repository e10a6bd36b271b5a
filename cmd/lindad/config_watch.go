package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/lindad/internal/logswitch"
)

// logLevelWatcher re-reads log-level from the config file whenever the file
// changes and applies it to the switch. The parent directory is watched so
// editors that replace the file by rename are followed.
type logLevelWatcher struct {
	path    string
	sw      *logswitch.Switch
	logger  pslog.Logger
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func watchLogLevel(path string, sw *logswitch.Switch, logger pslog.Logger) (*logLevelWatcher, error) {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config watch %s: %w", filepath.Dir(path), err)
	}
	w := &logLevelWatcher{
		path:    path,
		sw:      sw,
		logger:  logger,
		watcher: watcher,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *logLevelWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *logLevelWatcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config.watch.error", "error", err)
		}
	}
}

func (w *logLevelWatcher) reload() {
	raw, err := readConfigLogLevel(w.path)
	if err != nil {
		w.logger.Warn("config.watch.read_failed", "path", w.path, "error", err)
		return
	}
	if raw == "" {
		return
	}
	level, ok := pslog.ParseLevel(raw)
	if !ok {
		w.logger.Warn("config.watch.invalid_level", "path", w.path, "log_level", raw)
		return
	}
	if w.sw.SetLevel(level) {
		w.logger.Info("config.watch.log_level", "log_level", pslog.LevelString(level))
	}
}

func readConfigLogLevel(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var doc struct {
		LogLevel string `yaml:"log-level"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", err
	}
	return strings.TrimSpace(doc.LogLevel), nil
}
