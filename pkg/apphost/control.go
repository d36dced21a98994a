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

package apphost

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/apphost/pkg/logstore"
	"github.com/united-manufacturing-hub/apphost/pkg/metrics"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/runtime"
	"github.com/united-manufacturing-hub/apphost/pkg/standarderrors"
	"github.com/united-manufacturing-hub/apphost/pkg/statestore"
)

func (h *AppHost) checkRunning() error {
	switch {
	case h.shutdown.Load():
		return ErrShutdown
	case !h.running.Load():
		return ErrNotRunning
	default:
		return nil
	}
}

// StartResource starts name: an explicit resource that never ran, or a new
// instance of a resource whose current instance terminated. It waits for the
// dependencies of name like the automatic start does and returns once the
// runtime accepted the launch.
func (h *AppHost) StartResource(ctx context.Context, name string) error {
	if err := h.checkRunning(); err != nil {
		return err
	}

	if !h.graph.Has(name) {
		return &standarderrors.UnknownResourceError{Name: name}
	}

	h.logger.Infow("resource_start_requested", "resource", name)

	return h.start(ctx, name)
}

// StopResource asks the runtime to stop the current instance of name.
// The runtime reports the resulting Exited state. A start of name that still
// waits for its dependencies is cancelled and name stays NotStarted.
func (h *AppHost) StopResource(ctx context.Context, name string) error {
	if err := h.checkRunning(); err != nil {
		return err
	}

	if !h.graph.Has(name) {
		return &standarderrors.UnknownResourceError{Name: name}
	}

	unlock, err := h.locks.Lock(ctx, resource.Key(name))
	if err != nil {
		return err
	}
	defer unlock()

	if h.cancelPending(name) {
		h.logger.Infow("pending_start_cancelled", "resource", name, "operation", "stop")
	}

	return h.stop(ctx, name)
}

func (h *AppHost) stop(ctx context.Context, name string) error {
	state, err := h.store.GetState(name)
	if err != nil {
		return err
	}

	if state.Tag == resource.TagNotStarted || state.IsTerminal() {
		return nil
	}

	h.logger.Infow("resource_stopping", "resource", name, "state", state.String())

	if err := h.runtime.Stop(ctx, name); err != nil && !errors.Is(err, runtime.ErrNotRunning) {
		metrics.IncErrorCount(metrics.ComponentRuntime, name)

		return fmt.Errorf("failed to stop %s: %w", name, err)
	}

	return nil
}

// RemoveResource stops name, removes it from the graph and releases its ports
// and captured output. A pending start of name is cancelled and pending waits
// on name fail with ResourceRemovedError.
func (h *AppHost) RemoveResource(ctx context.Context, name string) error {
	if !h.graph.Has(name) {
		return &standarderrors.UnknownResourceError{Name: name}
	}

	unlock, err := h.locks.Lock(ctx, resource.Key(name))
	if err != nil {
		return err
	}
	defer unlock()

	if h.cancelPending(name) {
		h.logger.Infow("pending_start_cancelled", "resource", name, "operation", "remove")
	}

	if h.running.Load() {
		if err := h.stop(ctx, name); err != nil && !errors.Is(err, standarderrors.ErrUnknownResource) {
			return err
		}
	}

	if err := h.graph.RemoveResource(name); err != nil {
		return err
	}

	released := h.ports.ReleaseResource(name)
	h.store.Untrack(name)
	h.logs.Clear(name)

	h.logger.Infow("resource_removed", "resource", name, "released_ports", released)

	return nil
}

// Report records a state observed by the runtime. Reports of a replaced
// instance or of removed resources are dropped.
func (h *AppHost) Report(r runtime.Report) {
	_, err := h.store.SetInstanceState(r.Resource, r.Instance, r.State)

	switch {
	case err == nil:
	case errors.Is(err, statestore.ErrStaleInstance), errors.Is(err, standarderrors.ErrUnknownResource):
		h.logger.Debugw("runtime_report_dropped", "resource", r.Resource, "instance", r.Instance, "state", r.State.String(), "reason", err)
	default:
		h.logger.Warnw("runtime_report_rejected", "resource", r.Resource, "instance", r.Instance, "state", r.State.String(), "error", err)
		h.logs.Append(r.Resource, logstore.System, fmt.Sprintf("rejected runtime report %s: %v", r.State, err))
		metrics.IncErrorCount(metrics.ComponentRuntime, r.Resource)
	}
}

// Shutdown stops the restart watcher first so nothing is restarted, cancels
// pending starts, then stops resources in reverse start order: dependents
// before the resources they depend on, each level concurrently.
// Later calls return the result of the first.
func (h *AppHost) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.shutdown.Store(true)
		h.shutdownErr = h.shutdownAll(ctx)
	})

	return h.shutdownErr
}

func (h *AppHost) shutdownAll(ctx context.Context) error {
	h.logger.Info("Shutting down app host")

	h.restarts.Stop()
	h.stalls.Stop()

	h.runMu.Lock()
	cancel := h.cancel
	h.runMu.Unlock()

	if cancel != nil {
		cancel()
	}

	h.pendingMu.Lock()
	for _, pending := range h.pending {
		pending.cancel()
	}
	h.pendingMu.Unlock()

	h.starts.Wait()

	var errs []error

	if h.running.Load() {
		levels := h.graph.TopologicalStartLevels()
		slices.Reverse(levels)

		for _, level := range levels {
			g, gctx := errgroup.WithContext(ctx)

			for _, name := range level {
				g.Go(func() error {
					unlock, err := h.locks.Lock(gctx, resource.Key(name))
					if err != nil {
						return err
					}
					defer unlock()

					return h.stop(gctx, name)
				})
			}

			if err := g.Wait(); err != nil {
				h.logger.Warnw("shutdown_level_failed", "resources", level, "error", err)
				errs = append(errs, err)
			}
		}
	}

	h.hooks.Stop()
	h.waiter.Close()
	h.events.Close()
	h.pool.Release()

	h.logger.Info("App host shut down")

	return errors.Join(errs...)
}
