// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package definitions

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Registry when its file changes on disk.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	onReload func(error)
}

// NewWatcher watches the directory of the registry's file. onReload, when
// set, is called after every reload attempt.
func NewWatcher(registry *Registry, onReload func(error)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors often replace files by rename, so the directory is watched
	// rather than the file itself.
	if err := w.Add(filepath.Dir(registry.Path())); err != nil {
		w.Close()
		return nil, err
	}
	return &Watcher{registry: registry, watcher: w, onReload: onReload}, nil
}

// Run processes file events until ctx is cancelled or Stop is called.
func (w *Watcher) Run(ctx context.Context) {
	target := filepath.Clean(w.registry.Path())
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Definitions watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) reload() {
	err := w.registry.Reload()
	if err != nil {
		slog.Warn("Definitions reload failed, keeping previous set",
			"path", w.registry.Path(),
			"error", err)
	} else {
		slog.Info("Definitions reloaded",
			"path", w.registry.Path(),
			"count", len(w.registry.List()))
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}

// Stop closes the underlying watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
