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

package events

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/pkg/metrics"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
)

// Subscription is a cancellable, ordered, non-restartable stream of events.
type Subscription struct {
	id          uuid.UUID
	label       string
	filter      string
	maxBuffered int64

	broadcaster *Broadcaster
	queue       *queue.Queue
	out         chan resource.StateTransitionEvent
	done        chan struct{}
	cancelOnce  sync.Once
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() uuid.UUID { return s.id }

// C delivers events in publish order. It is closed after Cancel.
func (s *Subscription) C() <-chan resource.StateTransitionEvent { return s.out }

// Done is closed when the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Pending returns the number of queued, undelivered events.
func (s *Subscription) Pending() int64 { return s.queue.Len() }

// Cancel releases the queue. Events not yet delivered are discarded. Safe to call repeatedly.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
		s.queue.Dispose()
		s.broadcaster.remove(s.id)
	})
}

// All yields events until ctx is done or the subscription is cancelled.
// Breaking out of the loop cancels the subscription.
func (s *Subscription) All(ctx context.Context) iter.Seq[resource.StateTransitionEvent] {
	return func(yield func(resource.StateTransitionEvent) bool) {
		defer s.Cancel()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-s.out:
				if !ok || !yield(ev) {
					return
				}
			}
		}
	}
}

func (s *Subscription) enqueue(event resource.StateTransitionEvent, log *zap.SugaredLogger) {
	if s.maxBuffered > 0 && s.queue.Len() >= s.maxBuffered {
		dropped, err := s.queue.Poll(1, time.Millisecond)
		if err == nil && len(dropped) > 0 {
			metrics.IncDroppedEvents()
			log.Warnw("event_dropped", "subscription", s.id, "label", s.label, "dropped", dropped[0], "max_buffered", s.maxBuffered)
		}
	}

	// Put only fails after Dispose, which makes delivery a no-op anyway.
	_ = s.queue.Put(event)
}

func (s *Subscription) deliver() {
	defer close(s.out)

	for {
		items, err := s.queue.Get(deliveryBatch)
		if err != nil {
			return
		}

		for _, item := range items {
			ev, ok := item.(resource.StateTransitionEvent)
			if !ok {
				continue
			}

			select {
			case <-s.done:
				return
			default:
			}

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}
