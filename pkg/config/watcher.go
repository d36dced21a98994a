// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/pkg/logger"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
)

const (
	changeBufferSize = 16

	// reloadDelay collapses the events of one save into a single reload.
	reloadDelay = 100 * time.Millisecond
)

// ManifestChange is the difference between two versions of the manifest, by
// resource key.
type ManifestChange struct {
	Config  AppHostConfig
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether no resource differs.
func (c ManifestChange) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// Diff compares the resource declarations of two manifests.
func Diff(previous, next AppHostConfig) ManifestChange {
	old := make(map[string]resource.Spec, len(previous.Resources))
	for _, spec := range previous.Resources {
		old[spec.Key()] = spec
	}

	change := ManifestChange{Config: next}

	for _, spec := range next.Resources {
		prev, ok := old[spec.Key()]
		switch {
		case !ok:
			change.Added = append(change.Added, spec.Key())
		case !reflect.DeepEqual(prev, spec):
			change.Changed = append(change.Changed, spec.Key())
		}

		delete(old, spec.Key())
	}

	for key := range old {
		change.Removed = append(change.Removed, key)
	}

	sort.Strings(change.Removed)

	return change
}

// Watcher reloads the manifest when the file is written and publishes the
// resulting ManifestChange. Manifests that fail to parse are logged and skipped.
type Watcher struct {
	watcher *fsnotify.Watcher
	changes chan ManifestChange
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	path    string
	current AppHostConfig
	logger  *zap.SugaredLogger
}

// NewWatcher prepares a watcher for path. initial is the manifest currently applied.
func NewWatcher(path string, initial AppHostConfig, log *zap.SugaredLogger) *Watcher {
	return &Watcher{
		changes: make(chan ManifestChange, changeBufferSize),
		stopCh:  make(chan struct{}),
		path:    filepath.Clean(path),
		current: initial,
		logger:  logger.OrDefault(log, logger.ComponentConfigManager),
	}
}

// Start watches the directory of the manifest so that editors replacing the
// file through a rename are noticed as well.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()

		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.watcher = watcher

	w.wg.Add(1)

	go w.watchLoop()

	w.logger.Infow("manifest_watcher_started", "path", w.path)

	return nil
}

// Changes delivers one ManifestChange per effective manifest update.
func (w *Watcher) Changes() <-chan ManifestChange {
	return w.changes
}

// Stop ends the watch loop and closes Changes.
func (w *Watcher) Stop() error {
	var err error

	w.once.Do(func() {
		close(w.stopCh)

		if w.watcher != nil {
			err = w.watcher.Close()
		}

		w.wg.Wait()
		close(w.changes)
	})

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	return nil
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	timer := time.NewTimer(reloadDelay)
	timer.Stop()

	defer timer.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			timer.Reset(reloadDelay)
		case <-timer.C:
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			w.logger.Warnw("manifest_watcher_error", "error", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Warnw("manifest_reload_failed", "path", w.path, "error", err)

		return
	}

	change := Diff(w.current, next)
	if change.Empty() {
		return
	}

	w.current = next

	w.logger.Infow("manifest_changed",
		"added", change.Added,
		"removed", change.Removed,
		"changed", change.Changed,
	)

	select {
	case w.changes <- change:
	case <-w.stopCh:
	}
}
