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

package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/apphost/pkg/events"
	"github.com/united-manufacturing-hub/apphost/pkg/lifecycle"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
)

func TestLifecycle(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Lifecycle Suite")
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, s)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.calls...)
}

func phaseHook(rec *recorder, name string, err error) lifecycle.PhaseHook {
	return lifecycle.PhaseHookFunc(name, func(context.Context, lifecycle.PhaseContext) error {
		rec.add(name)

		return err
	})
}

var _ = Describe("Runner", func() {
	var (
		runner *lifecycle.Runner
		rec    *recorder
		ctx    context.Context
	)

	BeforeEach(func() {
		runner = lifecycle.NewRunner(zaptest.NewLogger(GinkgoT()).Sugar())
		rec = &recorder{}
		ctx = context.Background()
	})

	Describe("Register", func() {
		It("assigns per-point indexes in registration order", func() {
			first, err := runner.Register(lifecycle.BeforeStart, phaseHook(rec, "a", nil))
			Expect(err).NotTo(HaveOccurred())
			second, err := runner.Register(lifecycle.BeforeStart, phaseHook(rec, "b", nil))
			Expect(err).NotTo(HaveOccurred())
			other, err := runner.Register(lifecycle.AfterEndpointsAllocated, phaseHook(rec, "c", nil))
			Expect(err).NotTo(HaveOccurred())

			Expect(first.Index).To(Equal(0))
			Expect(second.Index).To(Equal(1))
			Expect(other.Index).To(Equal(0))
			Expect(runner.Registrations(lifecycle.BeforeStart)).To(HaveLen(2))
		})

		It("rejects hooks of the wrong kind", func() {
			state := lifecycle.StateHookFunc("s", func(context.Context, resource.StateTransitionEvent) error { return nil })

			_, err := runner.Register(lifecycle.BeforeStart, state)
			Expect(err).To(MatchError(lifecycle.ErrHookKindMismatch))

			_, err = runner.Register(lifecycle.OnResourceStateChanged, phaseHook(rec, "p", nil))
			Expect(err).To(MatchError(lifecycle.ErrHookKindMismatch))
		})
	})

	Describe("RunPhase", func() {
		It("runs hooks sequentially in registration order", func() {
			for _, name := range []string{"one", "two", "three"} {
				_, err := runner.Register(lifecycle.BeforeStart, phaseHook(rec, name, nil))
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(runner.RunPhase(ctx, lifecycle.BeforeStart, lifecycle.PhaseContext{})).To(Succeed())
			Expect(rec.get()).To(Equal([]string{"one", "two", "three"}))
			Expect(runner.Completed()).To(Equal(lifecycle.BeforeStart))
		})

		It("aborts on the first failure and identifies the hook", func() {
			boom := errors.New("boom") //nolint:err113 // Test needs dynamic error

			_, _ = runner.Register(lifecycle.BeforeStart, phaseHook(rec, "ok", nil))
			_, _ = runner.Register(lifecycle.BeforeStart, phaseHook(rec, "bad", boom))
			_, _ = runner.Register(lifecycle.BeforeStart, phaseHook(rec, "never", nil))

			err := runner.RunPhase(ctx, lifecycle.BeforeStart, lifecycle.PhaseContext{})

			var hookErr *lifecycle.HookError
			Expect(errors.As(err, &hookErr)).To(BeTrue())
			Expect(hookErr.Point).To(Equal(lifecycle.BeforeStart))
			Expect(hookErr.Index).To(Equal(1))
			Expect(hookErr.Name).To(Equal("bad"))
			Expect(err).To(MatchError(boom))
			Expect(rec.get()).To(Equal([]string{"ok", "bad"}))
			Expect(runner.Completed()).To(BeEmpty())
		})

		It("turns a panicking hook into an error", func() {
			_, _ = runner.Register(lifecycle.BeforeStart, lifecycle.PhaseHookFunc("panics", func(context.Context, lifecycle.PhaseContext) error {
				panic("kaputt")
			}))

			err := runner.RunPhase(ctx, lifecycle.BeforeStart, lifecycle.PhaseContext{})

			var panicErr *lifecycle.PanicError
			Expect(errors.As(err, &panicErr)).To(BeTrue())
			Expect(panicErr.Value).To(Equal("kaputt"))
		})

		It("enforces phase order", func() {
			err := runner.RunPhase(ctx, lifecycle.AfterEndpointsAllocated, lifecycle.PhaseContext{})
			Expect(err).To(MatchError(lifecycle.ErrPhaseOutOfOrder))

			Expect(runner.RunPhase(ctx, lifecycle.BeforeStart, lifecycle.PhaseContext{})).To(Succeed())
			Expect(runner.RunPhase(ctx, lifecycle.BeforeStart, lifecycle.PhaseContext{})).To(MatchError(lifecycle.ErrPhaseOutOfOrder))
			Expect(runner.RunPhase(ctx, lifecycle.AfterEndpointsAllocated, lifecycle.PhaseContext{})).To(Succeed())
			Expect(runner.RunPhase(ctx, lifecycle.OnResourceStateChanged, lifecycle.PhaseContext{})).To(MatchError(lifecycle.ErrPhaseOutOfOrder))
		})

		It("stops when the context is cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()

			_, _ = runner.Register(lifecycle.BeforeStart, phaseHook(rec, "never", nil))

			Expect(runner.RunPhase(cctx, lifecycle.BeforeStart, lifecycle.PhaseContext{})).To(MatchError(context.Canceled))
			Expect(rec.get()).To(BeEmpty())
		})
	})

	Describe("state change dispatch", func() {
		var b *events.Broadcaster

		BeforeEach(func() {
			b = events.NewBroadcaster(zaptest.NewLogger(GinkgoT()).Sugar())
		})

		AfterEach(func() {
			runner.Stop()
			b.Close()
		})

		It("keeps delivering to healthy hooks when one fails or panics", func() {
			_, _ = runner.Register(lifecycle.OnResourceStateChanged, lifecycle.StateHookFunc("panics",
				func(context.Context, resource.StateTransitionEvent) error { panic("no") }))
			_, _ = runner.Register(lifecycle.OnResourceStateChanged, lifecycle.StateHookFunc("fails",
				func(context.Context, resource.StateTransitionEvent) error {
					return errors.New("nope") //nolint:err113 // Test needs dynamic error
				}))
			_, _ = runner.Register(lifecycle.OnResourceStateChanged, lifecycle.StateHookFunc("records",
				func(_ context.Context, ev resource.StateTransitionEvent) error {
					rec.add(ev.Resource + ":" + ev.New.String())

					return nil
				}))

			runner.Start(ctx, b)

			b.Publish(resource.StateTransitionEvent{Resource: "api", New: resource.Starting, Sequence: 1})
			b.Publish(resource.StateTransitionEvent{Resource: "api", New: resource.Running, Sequence: 2})

			Eventually(rec.get).Should(Equal([]string{"api:Starting", "api:Running"}))
		})

		It("stops dispatching after Stop", func() {
			_, _ = runner.Register(lifecycle.OnResourceStateChanged, lifecycle.StateHookFunc("records",
				func(_ context.Context, ev resource.StateTransitionEvent) error {
					rec.add(ev.Resource)

					return nil
				}))

			runner.Start(ctx, b)
			Expect(b.Subscribers()).To(Equal(1))

			runner.Stop()
			Expect(b.Subscribers()).To(Equal(0))

			b.Publish(resource.StateTransitionEvent{Resource: "api", New: resource.Starting, Sequence: 1})
			Consistently(rec.get).Should(BeEmpty())
		})
	})
})
