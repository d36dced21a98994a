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

package fsm

import (
	"context"
	"errors"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/standarderrors"
)

// Guard vetoes entering a state. A non-nil error cancels the transition.
type Guard func() error

// ResourceInstance is the lifecycle state machine of one run of a resource.
// A restarted resource gets a fresh instance; terminal states are final per instance.
type ResourceInstance struct {
	mu sync.Mutex

	name     string
	instance int
	exitCode int

	fsm *fsm.FSM

	// guards run in "before_<event>" and may cancel the transition.
	guards map[resource.StateTag]Guard

	// Registered "enter_<state>" callbacks, for logging or bookkeeping only.
	callbacks map[string]fsm.Callback

	logger *zap.SugaredLogger
}

// NewResourceInstance creates a machine in NotStarted.
func NewResourceInstance(name string, instance int, logger *zap.SugaredLogger) *ResourceInstance {
	r := &ResourceInstance{
		name:      name,
		instance:  instance,
		guards:    make(map[resource.StateTag]Guard),
		callbacks: make(map[string]fsm.Callback),
		logger:    logger,
	}

	r.fsm = fsm.NewFSM(
		string(resource.TagNotStarted),
		fsm.Events(lifecycleEvents()),
		fsm.Callbacks{
			"before_event": func(_ context.Context, e *fsm.Event) {
				if guard, ok := r.guards[resource.StateTag(e.Dst)]; ok {
					if err := guard(); err != nil {
						e.Cancel(err)
					}
				}
			},
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				r.logger.Debugf("Resource %s#%d entering %s from %s", r.name, r.instance, e.Dst, e.Src)

				if cb, ok := r.callbacks["enter_"+e.Dst]; ok {
					cb(ctx, e)
				}
			},
		},
	)

	return r
}

// SetGuard installs a guard that is consulted before entering target.
func (r *ResourceInstance) SetGuard(target resource.StateTag, guard Guard) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.guards[target] = guard
}

// AddCallback registers a callback under the looplab key convention, e.g. "enter_Running".
func (r *ResourceInstance) AddCallback(name string, cb fsm.Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.callbacks[name] = cb
}

// Current returns the current state including the exit code.
func (r *ResourceInstance) Current() resource.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.currentLocked()
}

func (r *ResourceInstance) currentLocked() resource.State {
	tag := resource.StateTag(r.fsm.Current())
	if tag == resource.TagExited {
		return resource.Exited(r.exitCode)
	}

	return resource.State{Tag: tag}
}

// Instance returns the restart generation of this machine.
func (r *ResourceInstance) Instance() int { return r.instance }

// Can reports whether target is reachable from the current state in one step.
func (r *ResourceInstance) Can(target resource.StateTag) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.fsm.Can(eventFor(target))
}

// Transition moves the machine to target.
//
// Reporting the current non-terminal state again is a no-op and returns changed=false.
// Leaving a terminal state, an edge not in the lifecycle table and a vetoed
// transition all return *standarderrors.InvalidTransitionError.
func (r *ResourceInstance) Transition(ctx context.Context, target resource.State) (previous resource.State, changed bool, err error) {
	if ctx.Err() != nil {
		return resource.State{}, false, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous = r.currentLocked()

	invalid := func(reason string) error {
		return &standarderrors.InvalidTransitionError{
			Resource: r.name,
			From:     previous.String(),
			To:       target.String(),
			Reason:   reason,
		}
	}

	if !target.Tag.Valid() {
		return previous, false, invalid("unknown target state")
	}

	if previous.IsTerminal() {
		return previous, false, invalid("state is terminal for this instance")
	}

	if previous.Tag == target.Tag {
		return previous, false, nil
	}

	event := eventFor(target.Tag)
	if !r.fsm.Can(event) {
		return previous, false, invalid("not a lifecycle edge")
	}

	if err := r.fsm.Event(ctx, event); err != nil {
		var canceled fsm.CanceledError
		if errors.As(err, &canceled) && canceled.Err != nil {
			return previous, false, invalid(canceled.Err.Error())
		}

		return previous, false, invalid(err.Error())
	}

	if target.Tag == resource.TagExited {
		r.exitCode = target.ExitCode
	}

	return previous, true, nil
}
