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

// Package events fans state transition events out to independent subscribers.
//
// Publish never blocks: every subscriber owns an unbounded queue drained by its
// own delivery goroutine into the channel returned by Subscription.C. A slow
// subscriber only grows its own queue.
package events

import (
	"sync"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/pkg/logger"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
)

// deliveryBatch is how many queued events a delivery goroutine takes at once.
const deliveryBatch = 32

// Broadcaster is single-writer per resource and multi-reader.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]*Subscription
	closed      bool

	logger *zap.SugaredLogger
}

// NewBroadcaster creates a broadcaster without subscribers.
func NewBroadcaster(log *zap.SugaredLogger) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[uuid.UUID]*Subscription),
		logger:      logger.OrDefault(log, logger.ComponentBroadcaster),
	}
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithResourceFilter delivers only events of the named resource.
func WithResourceFilter(name string) SubscribeOption {
	return func(s *Subscription) { s.filter = resource.Key(name) }
}

// WithMaxBuffered bounds the queue; when full the oldest event is dropped with a warning.
// Dropping can break ordering assumptions of hooks, so only use it for best-effort consumers.
func WithMaxBuffered(n int) SubscribeOption {
	return func(s *Subscription) { s.maxBuffered = int64(n) }
}

// WithLabel names the subscription in logs.
func WithLabel(label string) SubscribeOption {
	return func(s *Subscription) { s.label = label }
}

// Subscribe registers a new subscriber. Events published before Subscribe returns are not delivered.
func (b *Broadcaster) Subscribe(opts ...SubscribeOption) *Subscription {
	s := &Subscription{
		id:          uuid.New(),
		broadcaster: b,
		queue:       queue.New(deliveryBatch),
		out:         make(chan resource.StateTransitionEvent),
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.cancelOnce.Do(func() {
			close(s.done)
			s.queue.Dispose()
		})
		close(s.out)

		return s
	}

	b.subscribers[s.id] = s
	b.mu.Unlock()

	go s.deliver()

	b.logger.Debugw("subscribed", "subscription", s.id, "label", s.label, "filter", s.filter)

	return s
}

// Publish enqueues event for every matching subscriber.
func (b *Broadcaster) Publish(event resource.StateTransitionEvent) {
	key := resource.Key(event.Resource)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subscribers {
		if s.filter != "" && s.filter != key {
			continue
		}

		s.enqueue(event, b.logger)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscribers)
}

// Close cancels every subscription. Later subscriptions are born cancelled.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true

	subs := make([]*Subscription, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
}

func (b *Broadcaster) remove(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, id)
}
