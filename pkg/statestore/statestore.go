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

// Package statestore keeps the current lifecycle state, exit code and allocated
// endpoints of every tracked resource.
//
// Each resource owns a slot with its own mutex, so unrelated resources never
// serialise on each other. Events are handed to the Publisher while the slot
// lock is held; the publisher must not block.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/internal/fsm"
	"github.com/united-manufacturing-hub/apphost/pkg/logger"
	"github.com/united-manufacturing-hub/apphost/pkg/metrics"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/standarderrors"
)

// Publisher receives every recorded transition in per-resource order.
type Publisher interface {
	Publish(event resource.StateTransitionEvent)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(event resource.StateTransitionEvent)

func (f PublisherFunc) Publish(event resource.StateTransitionEvent) { f(event) }

var errEndpointsNotAllocated = errors.New("declared endpoints are not allocated")

// ErrStaleInstance is returned by SetInstanceState for reports of a replaced instance.
var ErrStaleInstance = errors.New("report belongs to a replaced instance")

type slot struct {
	mu sync.Mutex

	name     string
	declared []resource.EndpointSpec

	endpoints []resource.Endpoint
	allocated bool
	// ranInstance is set once the current instance reached Running.
	ranInstance bool

	machine   *fsm.ResourceInstance
	lastStamp time.Time
	since     time.Time
}

// Store is safe for concurrent use.
type Store struct {
	slots     cmap.ConcurrentMap[string, *slot]
	publisher Publisher
	sequence  atomic.Uint64
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store publishing to publisher. A nil publisher discards events.
func New(publisher Publisher, log *zap.SugaredLogger, opts ...Option) *Store {
	if publisher == nil {
		publisher = PublisherFunc(func(resource.StateTransitionEvent) {})
	}

	s := &Store{
		slots:     cmap.New[*slot](),
		publisher: publisher,
		now:       time.Now,
		logger:    logger.OrDefault(log, logger.ComponentStateStore),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Track starts tracking name in NotStarted.
func (s *Store) Track(name string, declared []resource.EndpointSpec) error {
	sl := &slot{
		name:     name,
		declared: append([]resource.EndpointSpec(nil), declared...),
		since:    s.now(),
	}
	sl.machine = s.newMachine(sl, 1)

	if !s.slots.SetIfAbsent(resource.Key(name), sl) {
		return &standarderrors.DuplicateResourceError{Name: name}
	}

	metrics.RecordTransition(name, resource.NotStarted)

	return nil
}

// Untrack forgets name. Pending waiters are released by the graph removal, not here.
func (s *Store) Untrack(name string) {
	s.slots.Remove(resource.Key(name))
	metrics.ForgetResource(name)
}

// Tracked reports whether name has a slot.
func (s *Store) Tracked(name string) bool {
	return s.slots.Has(resource.Key(name))
}

func (s *Store) newMachine(sl *slot, instance int) *fsm.ResourceInstance {
	m := fsm.NewResourceInstance(sl.name, instance, s.logger)

	// Runs inside SetState with sl.mu held.
	m.SetGuard(resource.TagRunning, func() error {
		if len(sl.declared) > 0 && !sl.allocated {
			return errEndpointsNotAllocated
		}

		return nil
	})

	return m
}

func (s *Store) slot(name string) (*slot, error) {
	sl, ok := s.slots.Get(resource.Key(name))
	if !ok {
		return nil, &standarderrors.UnknownResourceError{Name: name}
	}

	return sl, nil
}

// SetState validates and records a transition of name to state and publishes the event.
//
// Reporting the current non-terminal state again returns (nil, nil). Illegal
// transitions return *standarderrors.InvalidTransitionError and change nothing.
func (s *Store) SetState(name string, state resource.State) (*resource.StateTransitionEvent, error) {
	sl, err := s.slot(name)
	if err != nil {
		return nil, err
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	return s.setLocked(sl, state)
}

// SetInstanceState is SetState for reports tagged with the instance they observed.
// Reports of any other than the current instance return ErrStaleInstance.
func (s *Store) SetInstanceState(name string, instance int, state resource.State) (*resource.StateTransitionEvent, error) {
	sl, err := s.slot(name)
	if err != nil {
		return nil, err
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if current := sl.machine.Instance(); current != instance {
		return nil, fmt.Errorf("%w: %s instance %d, current is %d", ErrStaleInstance, sl.name, instance, current)
	}

	return s.setLocked(sl, state)
}

func (s *Store) setLocked(sl *slot, state resource.State) (*resource.StateTransitionEvent, error) {
	previous, changed, err := sl.machine.Transition(context.Background(), state)
	if err != nil {
		s.logger.Warnw("transition_rejected", "resource", sl.name, "from", previous, "to", state, "error", err)
		metrics.IncErrorCount(metrics.ComponentStateStore, sl.name)

		return nil, err
	}

	if !changed {
		return nil, nil
	}

	stamp := s.now()
	if !stamp.After(sl.lastStamp) {
		stamp = sl.lastStamp.Add(time.Nanosecond)
	}

	sl.lastStamp = stamp
	sl.since = stamp

	if state.Tag == resource.TagRunning {
		sl.ranInstance = true
	}

	event := resource.StateTransitionEvent{
		Resource:  sl.name,
		Instance:  sl.machine.Instance(),
		Previous:  previous,
		New:       state,
		Timestamp: stamp,
		Sequence:  s.sequence.Add(1),
	}

	if state.Tag == resource.TagExited {
		code := state.ExitCode
		event.ExitCode = &code
	}

	s.logger.Debugw("state_changed", "resource", sl.name, "instance", event.Instance, "from", previous, "to", state)
	metrics.RecordTransition(sl.name, state)
	s.publisher.Publish(event)

	return &event, nil
}

// GetState returns the current state. It only contends with writers of the same resource.
func (s *Store) GetState(name string) (resource.State, error) {
	sl, err := s.slot(name)
	if err != nil {
		return resource.State{}, err
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	return sl.machine.Current(), nil
}

// RecordAllocatedEndpoints stores the endpoints the runtime allocated for name.
// It is rejected once the current instance has reached Running or terminated,
// so the stored endpoints never change while that instance lives.
func (s *Store) RecordAllocatedEndpoints(name string, endpoints []resource.Endpoint) error {
	sl, err := s.slot(name)
	if err != nil {
		return err
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	current := sl.machine.Current()
	if sl.ranInstance || current.IsTerminal() {
		return &standarderrors.InvalidTransitionError{
			Resource: sl.name,
			From:     current.String(),
			To:       current.String(),
			Reason:   "endpoints are immutable once the resource reached Running",
		}
	}

	sl.endpoints = append([]resource.Endpoint(nil), endpoints...)
	sl.allocated = true

	s.logger.Debugw("endpoints_allocated", "resource", sl.name, "count", len(endpoints))

	return nil
}

// Endpoints returns a copy of the allocated endpoints of name.
func (s *Store) Endpoints(name string) ([]resource.Endpoint, error) {
	sl, err := s.slot(name)
	if err != nil {
		return nil, err
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	return append([]resource.Endpoint(nil), sl.endpoints...), nil
}

// NewInstance resets name to a fresh NotStarted instance for a restart.
// Endpoints stay allocated so the restarted process reuses its ports. No event is published.
func (s *Store) NewInstance(name string) (int, error) {
	sl, err := s.slot(name)
	if err != nil {
		return 0, err
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if cur := sl.machine.Current(); !cur.IsTerminal() {
		return 0, &standarderrors.InvalidTransitionError{
			Resource: sl.name,
			From:     cur.String(),
			To:       resource.NotStarted.String(),
			Reason:   "only a terminated instance can be replaced",
		}
	}

	next := sl.machine.Instance() + 1
	sl.machine = s.newMachine(sl, next)
	sl.ranInstance = false
	sl.since = s.now()

	s.logger.Infow("instance_created", "resource", sl.name, "instance", next)
	metrics.RecordTransition(sl.name, resource.NotStarted)

	return next, nil
}

// Names returns the display names of all tracked resources in no particular order.
func (s *Store) Names() []string {
	out := make([]string, 0, s.slots.Count())

	for item := range s.slots.IterBuffered() {
		out = append(out, item.Val.name)
	}

	return out
}

func (s *Store) String() string {
	return fmt.Sprintf("statestore(%d resources)", s.slots.Count())
}
