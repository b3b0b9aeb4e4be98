// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package inference

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// Model Watcher
// =============================================================================

// ModelWatcher tracks which weight files are present under models/.
//
// # Description
//
// Backends consult the watcher instead of stat-ing the filesystem on
// every call: readiness flips the moment the download collaborator
// finishes writing a weight file, via an fsnotify watch on the models
// directory. Partial downloads are written with a ".part" suffix by
// convention, so a Create event for the final name means the file is
// complete.
//
// # Thread Safety
//
// Safe for concurrent use; state is guarded by a RWMutex.
type ModelWatcher struct {
	mu      sync.RWMutex
	dir     string
	present map[string]bool
	watcher *fsnotify.Watcher
	log     *slog.Logger
}

// NewModelWatcher scans dir once and begins watching it.
//
// A watch that cannot be established is not fatal (the initial scan
// still works and Refresh can be called manually), but it is logged.
func NewModelWatcher(dir string, log *slog.Logger) (*ModelWatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	m := &ModelWatcher{
		dir:     dir,
		present: make(map[string]bool),
		log:     log,
	}
	if err := m.Refresh(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("model watcher could not start, readiness is scan-only", "error", err)
		return m, nil
	}
	if err := w.Add(dir); err != nil {
		log.Warn("model watcher could not watch the models dir", "dir", dir, "error", err)
		_ = w.Close()
		return m, nil
	}
	m.watcher = w
	go m.loop()
	return m, nil
}

// Refresh re-scans the models directory.
func (m *ModelWatcher) Refresh() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) != ".part" {
			present[e.Name()] = true
		}
	}
	m.mu.Lock()
	m.present = present
	m.mu.Unlock()
	return nil
}

// Has reports whether every named weight file is present.
func (m *ModelWatcher) Has(names ...string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range names {
		if name == "" {
			continue
		}
		if !m.present[name] {
			return false
		}
	}
	return true
}

// Present lists the weight files currently on disk.
func (m *ModelWatcher) Present() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.present))
	for name := range m.present {
		names = append(names, name)
	}
	return names
}

// loop applies fsnotify events to the presence map.
func (m *ModelWatcher) loop() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if filepath.Ext(name) == ".part" {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename):
				m.mu.Lock()
				m.present[name] = true
				m.mu.Unlock()
				m.log.Info("model weights detected", "file", name)
			case event.Op.Has(fsnotify.Remove):
				m.mu.Lock()
				delete(m.present, name)
				m.mu.Unlock()
				m.log.Warn("model weights removed", "file", name)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("model watcher error", "error", err)
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (m *ModelWatcher) Close() error {
	if m.watcher == nil {
		return nil
	}
	return m.watcher.Close()
}
