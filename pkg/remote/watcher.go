// Copyright 2025 Vulntor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

package remote

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// defaultDebounce coalesces bursts of writes into one change notification.
const defaultDebounce = 100 * time.Millisecond

// Watcher reports changes to a set of files. Notifications are debounced so
// that a build writing a binary in several steps triggers one restart.
type Watcher struct {
	files    map[string]struct{}
	dirs     []string
	onChange func(paths []string)

	watcher       *fsnotify.Watcher
	debounceDelay time.Duration
	logger        zerolog.Logger

	// mu protects the debounce timer and the pending set
	mu            sync.Mutex
	debounceTimer *time.Timer
	pending       map[string]struct{}
}

// NewWatcher watches paths and calls onChange with the changed files after
// the debounce delay.
func NewWatcher(paths []string, onChange func(paths []string), logger zerolog.Logger) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("watcher: no paths")
	}

	files := make(map[string]struct{}, len(paths))
	dirSet := make(map[string]struct{})
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("watcher: %w", err)
		}
		files[abs] = struct{}{}
		dirSet[filepath.Dir(abs)] = struct{}{}
	}
	dirs := make([]string, 0, len(dirSet))
	for d := range dirSet {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		files:         files,
		dirs:          dirs,
		onChange:      onChange,
		watcher:       fw,
		debounceDelay: defaultDebounce,
		logger:        logger.With().Str("component", "remote.watcher").Logger(),
		pending:       make(map[string]struct{}),
	}, nil
}

// Start blocks until ctx is canceled or the watcher is closed.
//
//	go watcher.Start(ctx)
func (w *Watcher) Start(ctx context.Context) error {
	// fsnotify loses track of files replaced by rename, so watch directories
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			w.logger.Error().Err(err).Str("dir", dir).Msg("Failed to watch directory")
			_ = w.watcher.Close()
			return err
		}
	}

	w.logger.Debug().Strs("dirs", w.dirs).Dur("debounce", w.debounceDelay).Msg("Started watching files")

	defer func() {
		if err := w.watcher.Close(); err != nil {
			w.logger.Warn().Err(err).Msg("Error closing watcher")
		}
		w.mu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.mu.Unlock()
		w.logger.Debug().Msg("Stopped watching files")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if _, watched := w.files[filepath.Clean(ev.Name)]; !watched {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug().Str("op", ev.Op.String()).Str("file", ev.Name).Msg("Detected file change")
			w.schedule(filepath.Clean(ev.Name))

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("File watcher error")
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = struct{}{}
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	changed := make([]string, 0, len(w.pending))
	for p := range w.pending {
		changed = append(changed, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	sort.Strings(changed)
	w.onChange(changed)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
