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

package wait_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/apphost/pkg/events"
	"github.com/united-manufacturing-hub/apphost/pkg/graph"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/standarderrors"
	"github.com/united-manufacturing-hub/apphost/pkg/statestore"
	"github.com/united-manufacturing-hub/apphost/pkg/wait"
)

func TestWait(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Wait Suite")
}

type outcome struct {
	state resource.State
	err   error
}

var _ = Describe("Coordinator", func() {
	var (
		g     *graph.Graph
		store *statestore.Store
		b     *events.Broadcaster
		c     *wait.Coordinator
		ctx   context.Context
		stop  context.CancelFunc
	)

	running := resource.NewStateSet(resource.TagRunning)

	declare := func(specs ...resource.Spec) {
		GinkgoHelper()

		for _, s := range specs {
			_, err := g.AddResource(s)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Track(s.Name, nil)).To(Succeed())
		}

		for _, s := range specs {
			for _, dep := range s.WaitFor {
				Expect(g.AddDependency(s.Name, dep, resource.WaitFor)).To(Succeed())
			}
		}
	}

	move := func(name string, states ...resource.State) {
		GinkgoHelper()

		for _, st := range states {
			_, err := store.SetState(name, st)
			Expect(err).NotTo(HaveOccurred())
		}
	}

	waitAsync := func(name string, targets resource.StateSet, opts ...wait.Option) <-chan outcome {
		out := make(chan outcome, 1)

		go func() {
			st, err := c.WaitForState(ctx, name, targets, opts...)
			out <- outcome{state: st, err: err}
		}()

		return out
	}

	BeforeEach(func() {
		log := zaptest.NewLogger(GinkgoT()).Sugar()
		g = graph.New(log)
		b = events.NewBroadcaster(log)
		store = statestore.New(b, log)
		c = wait.New(g, store, b, log)
		ctx, stop = context.WithTimeout(context.Background(), 10*time.Second)
	})

	AfterEach(func() {
		stop()
		c.Close()
		b.Close()
	})

	Describe("WaitForState", func() {
		It("resolves for a dependent resource issued before its dependency starts", func() {
			declare(
				resource.Spec{Name: "A", Kind: resource.KindExecutable},
				resource.Spec{Name: "B", Kind: resource.KindExecutable, WaitFor: []string{"A"}},
			)

			result := waitAsync("B", running)
			Eventually(b.Subscribers).Should(Equal(1))

			move("A", resource.Starting, resource.Running)
			Consistently(result, 50*time.Millisecond).ShouldNot(Receive())

			move("B", resource.Starting, resource.Running)

			var o outcome
			Eventually(result).Should(Receive(&o))
			Expect(o.err).NotTo(HaveOccurred())
			Expect(o.state).To(Equal(resource.Running))
			Expect(c.Pending()).To(BeZero())
		})

		It("resolves immediately when the resource already is in a target state", func() {
			declare(resource.Spec{Name: "api", Kind: resource.KindContainer})
			move("api", resource.Starting, resource.Running)

			st, err := c.WaitForState(ctx, "API", running)
			Expect(err).NotTo(HaveOccurred())
			Expect(st).To(Equal(resource.Running))
		})

		It("rejects with ResourceFailedToStartError instead of hanging", func() {
			declare(resource.Spec{Name: "C", Kind: resource.KindContainer})

			result := waitAsync("C", running)
			move("C", resource.Starting, resource.FailedToStart)

			var o outcome
			Eventually(result).Should(Receive(&o))

			var failed *standarderrors.ResourceFailedToStartError
			Expect(errors.As(o.err, &failed)).To(BeTrue())
			Expect(failed.Resource).To(Equal("C"))
		})

		It("treats FailedToStart as success when it is a target", func() {
			declare(resource.Spec{Name: "C", Kind: resource.KindContainer})
			move("C", resource.Starting, resource.FailedToStart)

			st, err := c.WaitForState(ctx, "C", wait.StartedOrTerminal)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Tag).To(Equal(resource.TagFailedToStart))
		})

		It("keeps waiting through Exited unless it is disqualifying", func() {
			declare(resource.Spec{Name: "job", Kind: resource.KindExecutable})

			plain := waitAsync("job", resource.NewStateSet(resource.TagHidden))
			strict := waitAsync("job", resource.NewStateSet(resource.TagHidden), wait.WithDisqualifying(resource.TagExited))

			Eventually(b.Subscribers).Should(Equal(2))
			move("job", resource.Starting, resource.Exited(3))

			var o outcome
			Eventually(strict).Should(Receive(&o))
			Expect(o.err).To(MatchError(standarderrors.ErrResourceTerminated))
			Consistently(plain, 50*time.Millisecond).ShouldNot(Receive())
		})

		It("does not resolve on Hidden unless Hidden is a target", func() {
			declare(resource.Spec{Name: "svc", Kind: resource.KindProject})

			result := waitAsync("svc", running)
			Eventually(b.Subscribers).Should(Equal(1))

			move("svc", resource.Starting, resource.Hidden)
			Consistently(result, 50*time.Millisecond).ShouldNot(Receive())

			move("svc", resource.Running)
			Eventually(result).Should(Receive())
		})

		It("fails with ResourceRemovedError when the resource leaves the graph", func() {
			declare(resource.Spec{Name: "gone", Kind: resource.KindContainer})

			result := waitAsync("gone", running)
			Eventually(c.Pending).Should(Equal(1))

			Expect(g.RemoveResource("gone")).To(Succeed())

			var o outcome
			Eventually(result).Should(Receive(&o))
			Expect(o.err).To(MatchError(standarderrors.ErrResourceRemoved))
		})

		It("fails with UnknownResourceError for undeclared resources", func() {
			_, err := c.WaitForState(ctx, "nope", running)
			Expect(err).To(MatchError(standarderrors.ErrUnknownResource))
		})

		It("returns the context error on cancellation without touching other waiters", func() {
			declare(resource.Spec{Name: "api", Kind: resource.KindContainer})

			cctx, cancel := context.WithCancel(ctx)
			cancelled := make(chan error, 1)

			go func() {
				_, err := c.WaitForState(cctx, "api", running)
				cancelled <- err
			}()

			other := waitAsync("api", running)
			Eventually(c.Pending).Should(Equal(2))

			cancel()
			Eventually(cancelled).Should(Receive(MatchError(context.Canceled)))

			move("api", resource.Starting, resource.Running)
			Eventually(other).Should(Receive())

			st, err := store.GetState("api")
			Expect(err).NotTo(HaveOccurred())
			Expect(st).To(Equal(resource.Running))
		})
	})

	Describe("WaitForAll", func() {
		It("completes once the remaining resources are running when one is removed", func() {
			declare(
				resource.Spec{Name: "a", Kind: resource.KindContainer},
				resource.Spec{Name: "b", Kind: resource.KindContainer},
				resource.Spec{Name: "c", Kind: resource.KindContainer},
			)

			done := make(chan error, 1)

			go func() { done <- c.WaitForAll(ctx, []string{"a", "b", "c", "A"}, running) }()

			Eventually(c.Pending).Should(Equal(3))

			move("a", resource.Starting, resource.Running)
			Expect(g.RemoveResource("b")).To(Succeed())
			Consistently(done, 50*time.Millisecond).ShouldNot(Receive())

			move("c", resource.Starting, resource.Running)
			Eventually(done).Should(Receive(BeNil()))
		})

		It("returns the first hard failure and cancels the rest", func() {
			declare(
				resource.Spec{Name: "ok", Kind: resource.KindContainer},
				resource.Spec{Name: "bad", Kind: resource.KindContainer},
			)

			done := make(chan error, 1)

			go func() { done <- c.WaitForAll(ctx, []string{"ok", "bad"}, running) }()

			Eventually(c.Pending).Should(Equal(2))
			move("bad", resource.Starting, resource.FailedToStart)

			Eventually(done).Should(Receive(MatchError(standarderrors.ErrResourceFailedToStart)))
			Eventually(c.Pending).Should(BeZero())
		})

		It("rejects undeclared names up front", func() {
			declare(resource.Spec{Name: "a", Kind: resource.KindContainer})

			Expect(c.WaitForAll(ctx, []string{"a", "ghost"}, running)).To(MatchError(standarderrors.ErrUnknownResource))
		})
	})

	Describe("WaitForQuorum", func() {
		It("ignores explicitly started resources", func() {
			declare(
				resource.Spec{Name: "api", Kind: resource.KindContainer},
				resource.Spec{Name: "tool", Kind: resource.KindExecutable, ExplicitStart: true},
			)

			done := make(chan error, 1)

			go func() { done <- c.WaitForQuorum(ctx, wait.StartedOrTerminal) }()

			move("api", resource.Starting, resource.Running)
			Eventually(done).Should(Receive(BeNil()))

			st, err := store.GetState("tool")
			Expect(err).NotTo(HaveOccurred())
			Expect(st).To(Equal(resource.NotStarted))
		})
	})
})
