package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Agent holds the current Settings and keeps them fresh by watching the
// backing file for writes, mirroring the teacher's config.Agent: readers
// call Config() to get an atomically-swapped snapshot, never touching the
// file directly.
type Agent struct {
	mu       sync.RWMutex
	settings *Settings

	path    string
	logger  *logrus.Entry
	watcher *fsnotify.Watcher
}

// NewAgent loads path once synchronously and returns a ready Agent; call
// Start to begin watching for subsequent edits.
func NewAgent(path string, logger *logrus.Entry) (*Agent, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Agent{
		settings: s,
		path:     path,
		logger:   logger.WithField("component", "config-agent"),
	}, nil
}

// Config returns the current settings snapshot. The returned pointer must
// be treated as immutable by the caller.
func (a *Agent) Config() *Settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

// Start begins watching the config file for writes and reloads it on
// every change, logging and discarding the reload on parse/validation
// failure so a bad edit never takes down a running process.
func (a *Agent) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(a.path); err != nil {
		w.Close()
		return err
	}
	a.watcher = w

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				a.reload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				a.logger.WithError(err).Warn("config watcher error")
			}
		}
	}()
	return nil
}

// Stop shuts down the watcher goroutine.
func (a *Agent) Stop() error {
	if a.watcher == nil {
		return nil
	}
	return a.watcher.Close()
}

func (a *Agent) reload() {
	s, err := Load(a.path)
	if err != nil {
		a.logger.WithError(err).Error("failed to reload config, keeping previous settings")
		return
	}
	a.mu.Lock()
	a.settings = s
	a.mu.Unlock()
	a.logger.Info("config reloaded")
}
