package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ChangeHandler receives a validated configuration after a reload
type ChangeHandler func(cfg *Config)

// Watcher reloads the configuration file when it changes on disk
type Watcher struct {
	v      *viper.Viper
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	current  *Config
	handlers []ChangeHandler
}

// NewWatcher loads path and returns a watcher holding the result
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := newViper(path)
	cfg, err := readInto(v)
	if err != nil {
		return nil, err
	}
	return &Watcher{v: v, path: path, logger: logger, current: cfg}, nil
}

// Current returns the last valid configuration
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a handler for successful reloads
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	w.handlers = append(w.handlers, h)
	w.mu.Unlock()
}

// Start watches the file through fsnotify
func (w *Watcher) Start() {
	w.v.OnConfigChange(w.reload)
	w.v.WatchConfig()
	w.logger.Info("Watching configuration", zap.String("path", w.path))
}

// reload re-reads the file; invalid configurations are logged and ignored
func (w *Watcher) reload(e fsnotify.Event) {
	if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	cfg, err := readInto(w.v)
	if err != nil {
		w.logger.Warn("Ignoring invalid configuration reload",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	w.mu.Lock()
	w.current = cfg
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded", zap.String("path", w.path))
	for _, h := range handlers {
		h(cfg)
	}
}
