package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const policyDebounce = 25 * time.Millisecond

// PolicyWatcher monitors the TTL policy file and invokes the supplied callback
// with the parsed per-platform TTLs on start and whenever the file changes. It
// implements suture.Service.
type PolicyWatcher struct {
	path     string
	onChange func(map[string]time.Duration)
	onError  func(error)

	readyOnce sync.Once
	ready     chan struct{}
}

// NewPolicyWatcher prepares a watcher for path. onError may be nil.
func NewPolicyWatcher(path string, onChange func(map[string]time.Duration), onError func(error)) (*PolicyWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch policy requires a change callback")
	}
	if path == "" {
		return nil, errors.New("config: no policy file configured for watching")
	}
	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve policy file: %w", err)
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &PolicyWatcher{
		path:     filepath.Clean(resolved),
		onChange: onChange,
		onError:  onError,
		ready:    make(chan struct{}),
	}, nil
}

// Ready is closed once the initial policy was applied and the watch is armed.
func (w *PolicyWatcher) Ready() <-chan struct{} { return w.ready }

// Serve applies the current policy, then reloads it on every change until
// ctx is done. A policy that fails to parse is reported and the previous one
// stays in effect.
func (w *PolicyWatcher) Serve(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch policy: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			w.onError(fmt.Errorf("config: watch policy close: %w", err))
		}
	}()

	// The directory is watched so editors that replace the file atomically
	// are still observed.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config: watch add %s: %w", filepath.Dir(w.path), err)
	}
	w.reload()
	w.readyOnce.Do(func() { close(w.ready) })

	var reloadTimer *time.Timer
	var reloadSignal <-chan time.Time
	scheduleReload := func() {
		if reloadTimer == nil {
			reloadTimer = time.NewTimer(policyDebounce)
		} else {
			reloadTimer.Stop()
			reloadTimer.Reset(policyDebounce)
		}
		reloadSignal = reloadTimer.C
	}
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reloadSignal:
			reloadSignal = nil
			w.reload()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("config: policy watcher closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.onError(fmt.Errorf("config: policy file %s removed", w.path))
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Chmod) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("config: policy watcher closed")
			}
			w.onError(fmt.Errorf("config: watch error: %w", err))
		}
	}
}

func (w *PolicyWatcher) reload() {
	policy, err := LoadPolicy(w.path)
	if err != nil {
		w.onError(err)
		return
	}
	w.onChange(minutesToDurations(policy))
}

func (w *PolicyWatcher) String() string { return "policy-watcher" }
