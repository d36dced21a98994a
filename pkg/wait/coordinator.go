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

// Package wait resolves callers once resources reach target states.
//
// A wait subscribes to the broadcaster before it reads the current state, so a
// transition racing with the call is observed either by the read or by the
// subscription. Cancelling a wait only stops the caller's own observation.
package wait

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/apphost/pkg/events"
	"github.com/united-manufacturing-hub/apphost/pkg/logger"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/standarderrors"
)

// StartedOrTerminal resolves as soon as a resource has either come up or given up.
var StartedOrTerminal = resource.NewStateSet(resource.TagRunning, resource.TagFailedToStart, resource.TagExited)

// Graph is the part of the resource graph a coordinator needs.
type Graph interface {
	Has(name string) bool
	Specs() ([]resource.Spec, error)
	OnRemove(l func(name string)) (unregister func())
}

// StateReader reads the current state of a resource.
type StateReader interface {
	GetState(name string) (resource.State, error)
}

// Option adjusts a single wait.
type Option func(*request)

// WithDisqualifying fails the wait with ResourceTerminatedError when the resource
// reaches one of tags and the tag is not itself a target.
func WithDisqualifying(tags ...resource.StateTag) Option {
	return func(r *request) {
		for _, t := range tags {
			r.disqualifying[t] = struct{}{}
		}
	}
}

type request struct {
	name          string
	targets       resource.StateSet
	disqualifying resource.StateSet
}

// resolve returns done=true once state settles the request.
func (r *request) resolve(state resource.State) (done bool, err error) {
	switch {
	case r.targets.Contains(state.Tag):
		return true, nil
	case state.Tag == resource.TagFailedToStart:
		return true, &standarderrors.ResourceFailedToStartError{Resource: r.name}
	case r.disqualifying.Contains(state.Tag):
		return true, &standarderrors.ResourceTerminatedError{Resource: r.name, State: state.String()}
	default:
		return false, nil
	}
}

// Coordinator is safe for concurrent use. Close releases the graph listener.
type Coordinator struct {
	graph       Graph
	store       StateReader
	broadcaster *events.Broadcaster

	mu      sync.Mutex
	pending map[string]map[uint64]chan struct{}
	nextID  uint64

	unregister func()
	logger     *zap.SugaredLogger
}

// New creates a coordinator and starts listening for resource removals on g.
func New(g Graph, store StateReader, b *events.Broadcaster, log *zap.SugaredLogger) *Coordinator {
	c := &Coordinator{
		graph:       g,
		store:       store,
		broadcaster: b,
		pending:     make(map[string]map[uint64]chan struct{}),
		logger:      logger.OrDefault(log, logger.ComponentWaiter),
	}

	c.unregister = g.OnRemove(c.resourceRemoved)

	return c
}

// Close stops listening for removals. Waits in flight still honour their contexts.
func (c *Coordinator) Close() {
	c.unregister()
}

// Pending returns the number of waits currently in flight.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, waiters := range c.pending {
		n += len(waiters)
	}

	return n
}

func (c *Coordinator) resourceRemoved(name string) {
	key := resource.Key(name)

	c.mu.Lock()
	waiters := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}

	if len(waiters) > 0 {
		c.logger.Debugw("waiters_released_on_removal", "resource", name, "waiters", len(waiters))
	}
}

func (c *Coordinator) watchRemoval(name string) (<-chan struct{}, func()) {
	key := resource.Key(name)
	ch := make(chan struct{})

	c.mu.Lock()
	id := c.nextID
	c.nextID++

	if c.pending[key] == nil {
		c.pending[key] = make(map[uint64]chan struct{})
	}

	c.pending[key][id] = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if waiters, ok := c.pending[key]; ok {
			delete(waiters, id)

			if len(waiters) == 0 {
				delete(c.pending, key)
			}
		}
	}
}

// WaitForState blocks until name reaches one of targets and returns that state.
//
// It fails with ResourceFailedToStartError when FailedToStart is observed and not
// a target, with ResourceRemovedError when the resource leaves the graph, with
// UnknownResourceError when the resource is not in the graph at call time, and
// with ctx.Err() on cancellation. A resource that never transitions never resolves.
func (c *Coordinator) WaitForState(ctx context.Context, name string, targets resource.StateSet, opts ...Option) (resource.State, error) {
	if len(targets) == 0 {
		return resource.State{}, errors.New("wait needs at least one target state")
	}

	if !c.graph.Has(name) {
		return resource.State{}, &standarderrors.UnknownResourceError{Name: name}
	}

	req := &request{name: name, targets: targets, disqualifying: resource.NewStateSet()}
	for _, opt := range opts {
		opt(req)
	}

	removed, release := c.watchRemoval(name)
	defer release()

	sub := c.broadcaster.Subscribe(events.WithResourceFilter(name), events.WithLabel("wait:"+resource.Key(name)))
	defer sub.Cancel()

	// Removal may have happened between the Has check and watchRemoval.
	if !c.graph.Has(name) {
		return resource.State{}, &standarderrors.ResourceRemovedError{Resource: name}
	}

	current, err := c.store.GetState(name)

	switch {
	case errors.Is(err, standarderrors.ErrUnknownResource):
		// Declared but not tracked yet: nothing has happened to it.
		current = resource.NotStarted
	case err != nil:
		return resource.State{}, fmt.Errorf("read state of %q: %w", name, err)
	}

	if done, err := req.resolve(current); done {
		return current, err
	}

	c.logger.Debugw("wait_started", "resource", name, "targets", targets.Tags(), "current", current)

	for {
		select {
		case <-ctx.Done():
			return resource.State{}, ctx.Err()
		case <-removed:
			return resource.State{}, &standarderrors.ResourceRemovedError{Resource: name}
		case ev, ok := <-sub.C():
			if !ok {
				// Broadcaster closed underneath us.
				select {
				case <-ctx.Done():
					return resource.State{}, ctx.Err()
				case <-removed:
					return resource.State{}, &standarderrors.ResourceRemovedError{Resource: name}
				}
			}

			if done, err := req.resolve(ev.New); done {
				c.logger.Debugw("wait_resolved", "resource", name, "state", ev.New, "error", err)

				return ev.New, err
			}
		}
	}
}

// WaitForAll waits until every named resource reached one of targets or was
// removed from the graph. Removed resources are pruned instead of failing the
// call. The first other failure cancels the remaining waits and is returned.
func (c *Coordinator) WaitForAll(ctx context.Context, names []string, targets resource.StateSet, opts ...Option) error {
	seen := make(map[string]struct{}, len(names))
	unique := make([]string, 0, len(names))

	for _, n := range names {
		key := resource.Key(n)
		if _, dup := seen[key]; dup {
			continue
		}

		if !c.graph.Has(n) {
			return &standarderrors.UnknownResourceError{Name: n}
		}

		seen[key] = struct{}{}
		unique = append(unique, n)
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, n := range unique {
		g.Go(func() error {
			_, err := c.WaitForState(gctx, n, targets, opts...)

			switch {
			case err == nil:
				return nil
			case errors.Is(err, standarderrors.ErrResourceRemoved), errors.Is(err, standarderrors.ErrUnknownResource):
				c.logger.Debugw("wait_pruned", "resource", n)

				return nil
			default:
				return err
			}
		})
	}

	if err := g.Wait(); err != nil {
		// Surface the caller's cancellation rather than the derived one.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return err
	}

	return nil
}

// WaitForQuorum waits for every resource without ExplicitStart to reach one of targets.
func (c *Coordinator) WaitForQuorum(ctx context.Context, targets resource.StateSet, opts ...Option) error {
	specs, err := c.graph.Specs()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(specs))

	for _, s := range specs {
		if !s.ExplicitStart {
			names = append(names, s.Name)
		}
	}

	return c.WaitForAll(ctx, names, targets, opts...)
}
