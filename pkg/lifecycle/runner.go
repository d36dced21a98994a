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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/pkg/events"
	"github.com/united-manufacturing-hub/apphost/pkg/logger"
	"github.com/united-manufacturing-hub/apphost/pkg/metrics"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/sentry"
)

var (
	// ErrPhaseOutOfOrder is returned when a phase is run before its predecessor completed, or twice.
	ErrPhaseOutOfOrder = errors.New("lifecycle phase out of order")

	// ErrHookKindMismatch is returned when a hook does not implement the interface its point requires.
	ErrHookKindMismatch = errors.New("hook does not match extension point")
)

// Runner executes hooks at extension points in registration order.
type Runner struct {
	mu        sync.Mutex
	hooks     map[Point][]Registration
	completed Point

	dispatchMu sync.Mutex
	sub        *events.Subscription
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	logger *zap.SugaredLogger
}

// NewRunner creates a runner without hooks.
func NewRunner(log *zap.SugaredLogger) *Runner {
	return &Runner{
		hooks:  make(map[Point][]Registration),
		logger: logger.OrDefault(log, logger.ComponentHookRunner),
	}
}

// Register appends hook to point. Registering the same hook twice runs it twice.
func (r *Runner) Register(point Point, hook Hook) (Registration, error) {
	switch point {
	case BeforeStart, AfterEndpointsAllocated:
		if _, ok := hook.(PhaseHook); !ok {
			return Registration{}, fmt.Errorf("%w: %s needs a PhaseHook, got %T", ErrHookKindMismatch, point, hook)
		}
	case OnResourceStateChanged:
		if _, ok := hook.(StateHook); !ok {
			return Registration{}, fmt.Errorf("%w: %s needs a StateHook, got %T", ErrHookKindMismatch, point, hook)
		}
	default:
		return Registration{}, fmt.Errorf("unknown extension point %q", point)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg := Registration{Point: point, Index: len(r.hooks[point]), Name: hook.Name(), hook: hook}
	r.hooks[point] = append(r.hooks[point], reg)

	r.logger.Debugw("hook_registered", "point", point, "hook", reg.Name, "index", reg.Index)

	return reg, nil
}

// Registrations returns the hooks registered at point in order.
func (r *Runner) Registrations(point Point) []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Registration(nil), r.hooks[point]...)
}

// Completed returns the last phase that finished successfully, or "" before BeforeStart.
func (r *Runner) Completed() Point {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.completed
}

// RunPhase runs every hook registered at point, one after another.
// The first failing hook aborts the phase; later hooks do not run and the
// failure is returned as *HookError.
func (r *Runner) RunPhase(ctx context.Context, point Point, pc PhaseContext) error {
	r.mu.Lock()

	var expected Point

	switch point {
	case BeforeStart:
		expected = ""
	case AfterEndpointsAllocated:
		expected = BeforeStart
	default:
		r.mu.Unlock()

		return fmt.Errorf("%w: %s is not a startup phase", ErrPhaseOutOfOrder, point)
	}

	if r.completed != expected {
		completed := r.completed
		r.mu.Unlock()

		return fmt.Errorf("%w: cannot run %s after %q", ErrPhaseOutOfOrder, point, completed)
	}

	regs := append([]Registration(nil), r.hooks[point]...)
	r.mu.Unlock()

	if pc.Logger == nil {
		pc.Logger = r.logger
	}

	r.logger.Infow("phase_started", "point", point, "hooks", len(regs))

	for _, reg := range regs {
		if err := ctx.Err(); err != nil {
			return err
		}

		hook, _ := reg.hook.(PhaseHook)

		start := time.Now()
		err := safeCall(func() error { return hook.Run(ctx, pc) })
		metrics.ObserveHook(string(point), reg.Name, time.Since(start), err)

		if err != nil {
			r.logger.Errorw("phase_aborted", "point", point, "hook", reg.Name, "index", reg.Index, "error", err)

			return &HookError{Point: point, Index: reg.Index, Name: reg.Name, Err: err}
		}
	}

	r.mu.Lock()
	r.completed = point
	r.mu.Unlock()

	r.logger.Infow("phase_completed", "point", point)

	return nil
}

// Start subscribes to b and dispatches every event to the OnResourceStateChanged hooks
// on a dedicated goroutine. Hook failures are logged and reported, never returned.
func (r *Runner) Start(ctx context.Context, b *events.Broadcaster) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	if r.sub != nil {
		return
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.sub = b.Subscribe(events.WithLabel("lifecycle-hooks"))

	r.wg.Add(1)

	go func(sub *events.Subscription) {
		defer r.wg.Done()

		for {
			select {
			case <-dispatchCtx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}

				r.dispatch(dispatchCtx, ev)
			}
		}
	}(r.sub)
}

// Stop cancels the dispatch subscription and waits for the in-flight event to finish.
func (r *Runner) Stop() {
	r.dispatchMu.Lock()
	sub, cancel := r.sub, r.cancel
	r.sub, r.cancel = nil, nil
	r.dispatchMu.Unlock()

	if sub == nil {
		return
	}

	cancel()
	sub.Cancel()
	r.wg.Wait()
}

func (r *Runner) dispatch(ctx context.Context, ev resource.StateTransitionEvent) {
	for _, reg := range r.Registrations(OnResourceStateChanged) {
		hook, _ := reg.hook.(StateHook)

		start := time.Now()
		err := safeCall(func() error { return hook.OnStateChanged(ctx, ev) })
		metrics.ObserveHook(string(OnResourceStateChanged), reg.Name, time.Since(start), err)

		if err != nil {
			r.logger.Warnw("state_hook_failed", "hook", reg.Name, "resource", ev.Resource, "to", ev.New, "error", err)
			sentry.ReportResourceError(r.logger, ev.Resource, logger.ComponentHookRunner, reg.Name, err)
		}
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v}
		}
	}()

	return fn()
}
