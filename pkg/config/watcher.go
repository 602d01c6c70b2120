package config

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher re-reads the sampling tunables (and nothing else — strategy,
// history limits, and codec settings are fixed for the life of a session)
// from configFile whenever it changes on disk, adapted from the teacher's
// pkg/hotreload.ConfigReloader but narrowed to the one thing it is safe to
// change after a session is already active: spec.md §4.6 forbids changing
// strategy after "active", so only SamplingConfig is swapped in place.
type Watcher struct {
	configFile string
	logger     *logrus.Logger
	fswatcher  *fsnotify.Watcher

	current atomic.Value // SamplingConfig

	onReload func(SamplingConfig)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher creates a Watcher seeded with the session's initial sampling
// config. Call Start to begin watching; Stop to release the fsnotify
// handle.
func NewWatcher(configFile string, initial SamplingConfig, logger *logrus.Logger) *Watcher {
	w := &Watcher{
		configFile: configFile,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
	w.current.Store(initial)
	return w
}

// Current returns the most recently applied SamplingConfig.
func (w *Watcher) Current() SamplingConfig {
	return w.current.Load().(SamplingConfig)
}

// OnReload registers a callback invoked (on the watcher's own goroutine)
// whenever a successfully-parsed, successfully-validated config is reloaded.
func (w *Watcher) OnReload(fn func(SamplingConfig)) { w.onReload = fn }

// Start begins watching configFile. A no-op if configFile is empty.
func (w *Watcher) Start() error {
	if w.configFile == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.configFile); err != nil {
		fsw.Close()
		return err
	}
	w.fswatcher = fsw

	w.wg.Add(1)
	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	var debounce *time.Timer
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fswatcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, w.reload)
		case err, ok := <-w.fswatcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg := &Config{}
	if err := loadFile(w.configFile, cfg); err != nil {
		w.logger.WithError(err).Warn("hot-reload: failed to parse config file, keeping previous sampling config")
		return
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		w.logger.WithError(err).Warn("hot-reload: invalid config, keeping previous sampling config")
		return
	}
	w.current.Store(cfg.Sampling)
	w.logger.WithFields(logrus.Fields{
		"p_medium": cfg.Sampling.PMedium,
		"p_small":  cfg.Sampling.PSmall,
	}).Info("hot-reloaded sampling configuration")
	if w.onReload != nil {
		w.onReload(cfg.Sampling)
	}
}

// Stop releases the fsnotify watcher and waits for the loop goroutine to
// exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	if w.fswatcher != nil {
		w.fswatcher.Close()
	}
	w.wg.Wait()
}
