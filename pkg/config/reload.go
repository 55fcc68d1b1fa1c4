package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// ErrReloadRequested is returned by ReloadWatcher.Run when the agent should
// stop its components, load a fresh snapshot and start again.
var ErrReloadRequested = errors.New("config: reload requested")

const reloadDebounce = 500 * time.Millisecond

// RequestReload drops the reload marker into dir.
func RequestReload(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ReloadMarker), nil, 0o644)
}

// ReloadRequested reports whether the marker exists in dir and removes it.
func ReloadRequested(dir string) (bool, error) {
	err := os.Remove(filepath.Join(dir, ReloadMarker))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("consume reload marker: %w", err)
	}
}

// ReloadWatcher waits for a reload marker or a write to the config file.
type ReloadWatcher struct {
	Dir string
	// ConfigFile is the base name of the config file; writes to it also trigger a reload. Optional.
	ConfigFile string
	// PollInterval drives the fallback check for platforms where fsnotify misses events.
	PollInterval time.Duration
	Logger       *log.Logger
}

// NewReloadWatcher watches the directory cfg was loaded from.
func NewReloadWatcher(cfg AgentConfig, logger *log.Logger) *ReloadWatcher {
	w := &ReloadWatcher{
		Dir:          cfg.ConfigDir(),
		PollInterval: cfg.ReloadCheckInterval.Std(),
		Logger:       logger,
	}
	if src := cfg.Source(); src != "" {
		w.ConfigFile = filepath.Base(src)
	}
	return w
}

// Run blocks until a reload is requested (ErrReloadRequested) or ctx ends.
// A marker left over from before Run started is discarded.
func (w *ReloadWatcher) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = log.Default()
	}
	if _, err := ReloadRequested(w.Dir); err != nil {
		logger.Warn("stale reload marker", "err", err)
	}

	poll := w.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if fw, err := fsnotify.NewWatcher(); err != nil {
		logger.Warn("fsnotify unavailable, polling only", "err", err)
	} else {
		defer fw.Close()
		if err := fw.Add(w.Dir); err != nil {
			logger.Warn("watch config dir", "dir", w.Dir, "err", err)
		} else {
			events, errs = fw.Events, fw.Errors
		}
	}

	// debounce timer; nil channel until armed
	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			base := filepath.Base(ev.Name)
			if base != ReloadMarker && (w.ConfigFile == "" || base != w.ConfigFile) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("config watcher", "err", err)
		case <-fire:
			fire = nil
			// a config write alone is enough; the marker is consumed if present
			if _, err := ReloadRequested(w.Dir); err != nil {
				logger.Warn("reload marker", "err", err)
			}
			logger.Info("reload requested", "dir", w.Dir)
			return ErrReloadRequested
		case <-ticker.C:
			ok, err := ReloadRequested(w.Dir)
			if err != nil {
				logger.Warn("reload marker", "err", err)
				continue
			}
			if ok {
				logger.Info("reload requested", "dir", w.Dir)
				return ErrReloadRequested
			}
		}
	}
}
