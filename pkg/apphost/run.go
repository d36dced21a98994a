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

	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/apphost/pkg/backoff"
	"github.com/united-manufacturing-hub/apphost/pkg/lifecycle"
	"github.com/united-manufacturing-hub/apphost/pkg/logger"
	"github.com/united-manufacturing-hub/apphost/pkg/logstore"
	"github.com/united-manufacturing-hub/apphost/pkg/metrics"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/runtime"
	"github.com/united-manufacturing-hub/apphost/pkg/sentry"
	"github.com/united-manufacturing-hub/apphost/pkg/standarderrors"
	"github.com/united-manufacturing-hub/apphost/pkg/wait"
)

// dependencyReady is what a WaitFor dependency must reach before its dependents start.
var dependencyReady = resource.NewStateSet(resource.TagRunning, resource.TagHidden)

// Run executes the startup sequence and returns once every resource that
// starts automatically has been handed to its start goroutine:
//  1. BeforeStart hooks
//  2. endpoint allocation for every resource
//  3. AfterEndpointsAllocated hooks
//  4. state hook dispatch, restart watcher and stall checker
//  5. one start per non-explicit resource, gated on its dependencies
//
// A failing phase aborts Run; call Shutdown to release what was acquired.
// Use Waiter().WaitForQuorum to wait for the started resources.
func (h *AppHost) Run(ctx context.Context) error {
	if h.shutdown.Load() {
		return ErrShutdown
	}

	if !h.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	pc := lifecycle.PhaseContext{Resources: h.graph, Endpoints: h.store, Logger: h.logger}

	if err := h.hooks.RunPhase(ctx, lifecycle.BeforeStart, pc); err != nil {
		return fmt.Errorf("before start hooks failed: %w", err)
	}

	specs, err := h.graph.Specs()
	if err != nil {
		return err
	}

	failed := make(map[string]error)

	for _, spec := range specs {
		if err := h.allocate(ctx, spec); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			failed[spec.Name] = err
		}
	}

	if err := h.hooks.RunPhase(ctx, lifecycle.AfterEndpointsAllocated, pc); err != nil {
		return fmt.Errorf("after endpoints allocated hooks failed: %w", err)
	}

	h.runMu.Lock()
	h.runCtx, h.cancel = context.WithCancel(ctx)
	runCtx := h.runCtx
	h.runMu.Unlock()

	h.hooks.Start(runCtx, h.events)
	h.restarts.Start(runCtx)
	h.stalls.Start(runCtx)

	// Reported only now so the state hooks see the failures.
	for name, err := range failed {
		h.fail(name, "allocate_endpoints", err)
	}

	for _, name := range h.graph.TopologicalStartNames() {
		spec, err := h.graph.Get(name)
		if err != nil || spec.ExplicitStart {
			continue
		}

		if _, skip := failed[name]; skip {
			continue
		}

		h.starts.Add(1)

		go func() {
			defer h.starts.Done()

			if err := h.start(runCtx, name); err != nil && runCtx.Err() == nil {
				h.logger.Debugw("automatic_start_failed", "resource", name, "error", err)
			}
		}()
	}

	h.logger.Infow("apphost_started", "resources", len(specs), "endpoint_failures", len(failed))

	return nil
}

// allocate tracks spec and records the endpoints the port manager hands out.
func (h *AppHost) allocate(ctx context.Context, spec resource.Spec) error {
	if err := h.store.Track(spec.Name, spec.Endpoints); err != nil {
		return err
	}

	eps, err := h.ports.AllocateEndpoints(ctx, spec.Name, spec.Endpoints)
	if err != nil {
		return fmt.Errorf("endpoint allocation failed: %w", err)
	}

	if err := h.store.RecordAllocatedEndpoints(spec.Name, eps); err != nil {
		h.ports.ReleaseResource(spec.Name)

		return err
	}

	for _, ep := range eps {
		h.logger.Debugw("endpoint_allocated", "resource", spec.Name, "endpoint", ep.Name, "url", ep.URL())
	}

	return nil
}

// pendingStart is a start that waits for the dependencies of its resource.
type pendingStart struct {
	cancel context.CancelFunc
}

// start brings name from NotStarted, or from a terminated instance, to a
// launched instance. The key lock is held while the state is checked and while
// the instance is launched, never during the dependency wait, so StopResource
// and RemoveResource can cancel a start that still waits.
func (h *AppHost) start(ctx context.Context, name string) error {
	key := resource.Key(name)

	waitCtx, pending, err := h.beginStart(ctx, key, name)
	if err != nil {
		return err
	}

	waitErr := h.awaitDependencies(waitCtx, name)

	unlock, err := h.locks.Lock(ctx, key)
	if err != nil {
		h.endStart(key, pending)

		return err
	}
	defer unlock()
	defer h.endStart(key, pending)

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case waitCtx.Err() != nil:
		h.logger.Infow("start_cancelled", "resource", name)

		return fmt.Errorf("%w: %s", ErrStartCancelled, name)
	case waitErr != nil:
		h.fail(name, "await_dependencies", waitErr)

		return waitErr
	}

	return h.launch(ctx, name)
}

// beginStart checks that name may start and registers the pending start.
func (h *AppHost) beginStart(ctx context.Context, key, name string) (context.Context, *pendingStart, error) {
	unlock, err := h.locks.Lock(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	h.pendingMu.Lock()
	_, waiting := h.pending[key]
	h.pendingMu.Unlock()

	if waiting {
		return nil, nil, fmt.Errorf("%w: %s is waiting for its dependencies", ErrResourceActive, name)
	}

	state, err := h.store.GetState(name)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case state.IsTerminal():
		if _, err := h.store.NewInstance(name); err != nil {
			return nil, nil, err
		}
	case state.Tag != resource.TagNotStarted:
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrResourceActive, name, state)
	}

	waitCtx, cancel := context.WithCancel(ctx)
	pending := &pendingStart{cancel: cancel}

	h.pendingMu.Lock()
	h.pending[key] = pending
	h.pendingMu.Unlock()

	return waitCtx, pending, nil
}

func (h *AppHost) endStart(key string, pending *pendingStart) {
	pending.cancel()

	h.pendingMu.Lock()
	if h.pending[key] == pending {
		delete(h.pending, key)
	}
	h.pendingMu.Unlock()
}

// cancelPending ends the dependency wait of a pending start of name.
// The caller holds the key lock of name.
func (h *AppHost) cancelPending(name string) bool {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()

	pending, ok := h.pending[resource.Key(name)]
	if ok {
		pending.cancel()
	}

	return ok
}

// awaitDependencies blocks until every WaitFor dependency of name is Running or
// Hidden and every WaitForCompletion dependency exited with code 0.
// Dependencies removed while waiting no longer constrain name.
func (h *AppHost) awaitDependencies(ctx context.Context, name string) error {
	deps, err := h.graph.Dependencies(name)
	if err != nil {
		return err
	}

	if len(deps) == 0 {
		return nil
	}

	h.logger.Debugw("awaiting_dependencies", "resource", name, "count", len(deps))

	g, gctx := errgroup.WithContext(ctx)

	for _, dep := range deps {
		g.Go(func() error {
			var err error

			switch dep.Kind {
			case resource.WaitForCompletion:
				var state resource.State

				state, err = h.waiter.WaitForState(gctx, dep.Name, resource.NewStateSet(resource.TagExited))
				if err == nil && !state.Succeeded() {
					err = &standarderrors.ResourceTerminatedError{Resource: dep.Name, State: state.String()}
				}
			default:
				_, err = h.waiter.WaitForState(gctx, dep.Name, dependencyReady, wait.WithDisqualifying(resource.TagExited))
			}

			switch {
			case err == nil, errors.Is(err, standarderrors.ErrResourceRemoved):
				return nil
			case gctx.Err() != nil && !standarderrors.IsWaitOutcome(err):
				return err
			default:
				return fmt.Errorf("dependency %s (%s) of %s: %w", dep.Name, dep.Kind, name, err)
			}
		})
	}

	return g.Wait()
}

// launch moves the current instance of name to Starting and hands it to the
// runtime on a pool worker. Transient runtime errors are retried.
func (h *AppHost) launch(ctx context.Context, name string) error {
	spec, err := h.graph.Get(name)
	if err != nil {
		return err
	}

	env, err := h.graph.Environment(name)
	if err != nil {
		return err
	}

	endpoints, err := h.store.Endpoints(name)
	if err != nil {
		return err
	}

	snap, err := h.store.Snapshot(name)
	if err != nil {
		return err
	}

	if _, err := h.store.SetState(name, resource.Starting); err != nil {
		return err
	}

	launch := runtime.Launch{Spec: spec, Instance: snap.Instance, Env: env, Endpoints: endpoints}
	done := make(chan error, 1)

	task := func() {
		var err error

		defer func() {
			if v := recover(); v != nil {
				err = fmt.Errorf("runtime panicked while starting %s: %v", name, v)
			}

			done <- err
		}()

		err = backoff.Retry(ctx, h.retry, h.logger, func() error {
			return h.runtime.Start(ctx, launch, h)
		})
	}

	if err := h.pool.Submit(task); err != nil {
		h.fail(name, "submit_start", err)

		return err
	}

	if err := <-done; err != nil {
		h.fail(name, "runtime_start", err)

		return err
	}

	h.logger.Infow("resource_launched", "resource", name, "instance", launch.Instance, "endpoints", len(endpoints))

	return nil
}

// fail records FailedToStart for the current instance of name.
func (h *AppHost) fail(name, operation string, cause error) {
	h.logs.Append(name, logstore.System, fmt.Sprintf("failed to start: %v", cause))
	metrics.IncErrorCount(metrics.ComponentOrchestrator, name)

	switch {
	case standarderrors.IsWaitOutcome(cause):
		h.logger.Warnw("dependency_failed", "resource", name, "error", cause)
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		h.logger.Infow("start_aborted", "resource", name, "operation", operation)
	default:
		sentry.ReportResourceError(h.logger, name, logger.ComponentOrchestrator, operation, cause)
	}

	if _, err := h.store.SetState(name, resource.FailedToStart); err != nil {
		h.logger.Debugw("failed_state_not_recorded", "resource", name, "error", err)
	}
}
