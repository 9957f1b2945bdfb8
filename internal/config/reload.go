package config

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// Reloader serves the current config, re-reading the file when its mtime
// changes. On reload failure the last-known-good config is retained and a
// rate-limited warning is emitted.
type Reloader struct {
	path string

	mu      sync.RWMutex
	current *Config
	mtime   time.Time

	warnLimiter *rate.Limiter

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewReloader loads the initial config. The initial load must succeed;
// only subsequent reloads degrade to last-known-good.
func NewReloader(path string) (*Reloader, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	r := &Reloader{
		path:        path,
		current:     cfg,
		warnLimiter: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
	if info, err := os.Stat(path); err == nil {
		r.mtime = info.ModTime()
	}
	return r, nil
}

// Static wraps a fixed config in a Reloader that never re-reads. Test seam.
func Static(cfg *Config) *Reloader {
	return &Reloader{
		current:     cfg,
		warnLimiter: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
}

// Current returns the live config without touching the filesystem.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// ReloadIfNeeded re-reads the config when the file mtime moved, and returns
// the (possibly unchanged) live config. Cheap enough for the event hot path.
func (r *Reloader) ReloadIfNeeded() *Config {
	if r.path == "" {
		return r.Current()
	}

	info, err := os.Stat(r.path)
	if err != nil {
		// Missing file is not an error (defaults apply); anything else warns.
		if !os.IsNotExist(err) && r.warnLimiter.Allow() {
			slog.Warn("config: stat failed, keeping last-known-good", "path", r.path, "error", err)
		}
		return r.Current()
	}

	r.mu.RLock()
	unchanged := info.ModTime().Equal(r.mtime)
	r.mu.RUnlock()
	if unchanged {
		return r.Current()
	}

	cfg, err := Load(r.path)
	if err != nil {
		if r.warnLimiter.Allow() {
			slog.Warn("config: reload failed, keeping last-known-good", "path", r.path, "error", err)
		}
		// Remember the mtime anyway so a broken file doesn't re-parse per event.
		r.mu.Lock()
		r.mtime = info.ModTime()
		r.mu.Unlock()
		return r.Current()
	}

	r.mu.Lock()
	r.current = cfg
	r.mtime = info.ModTime()
	r.mu.Unlock()
	slog.Info("config reloaded", "path", r.path)
	return cfg
}

// Watch additionally reloads on fsnotify events, so config changes apply even
// while no bus traffic arrives. Best-effort; mtime polling stays authoritative.
func (r *Reloader) Watch() error {
	if r.path == "" || r.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(r.path); err != nil {
		watcher.Close()
		return err
	}

	r.watcher = watcher
	r.done = make(chan struct{})
	go func() {
		for {
			select {
			case <-r.done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					r.ReloadIfNeeded()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if r.warnLimiter.Allow() {
					slog.Warn("config: watch error", "error", err)
				}
			}
		}
	}()
	return nil
}

// Close stops the watcher, if any.
func (r *Reloader) Close() {
	if r.watcher != nil {
		close(r.done)
		r.watcher.Close()
		r.watcher = nil
	}
}
