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

package statestore_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/standarderrors"
	"github.com/united-manufacturing-hub/apphost/pkg/statestore"
)

func TestStateStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "StateStore Suite")
}

type recorder struct {
	mu     sync.Mutex
	events []resource.StateTransitionEvent
}

func (r *recorder) Publish(e resource.StateTransitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
}

func (r *recorder) forResource(name string) []resource.StateTransitionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []resource.StateTransitionEvent

	for _, e := range r.events {
		if e.Resource == name {
			out = append(out, e)
		}
	}

	return out
}

var _ = Describe("Store", func() {
	var (
		rec   *recorder
		store *statestore.Store
	)

	BeforeEach(func() {
		rec = &recorder{}
		// A frozen clock forces the store to make timestamps unique itself.
		frozen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		store = statestore.New(rec, zaptest.NewLogger(GinkgoT()).Sugar(), statestore.WithClock(func() time.Time { return frozen }))
	})

	set := func(name string, state resource.State) *resource.StateTransitionEvent {
		GinkgoHelper()

		ev, err := store.SetState(name, state)
		Expect(err).NotTo(HaveOccurred())

		return ev
	}

	It("tracks resources once", func() {
		Expect(store.Track("api", nil)).To(Succeed())
		Expect(errors.Is(store.Track("API", nil), standarderrors.ErrDuplicateResource)).To(BeTrue())

		state, err := store.GetState("Api")
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(resource.NotStarted))
	})

	It("fails for untracked resources", func() {
		_, err := store.SetState("ghost", resource.Starting)
		Expect(errors.Is(err, standarderrors.ErrUnknownResource)).To(BeTrue())

		_, err = store.GetState("ghost")
		Expect(errors.Is(err, standarderrors.ErrUnknownResource)).To(BeTrue())
	})

	It("publishes one event per transition with strictly increasing timestamps", func() {
		Expect(store.Track("worker", nil)).To(Succeed())

		set("worker", resource.Starting)
		Expect(set("worker", resource.Starting)).To(BeNil())
		set("worker", resource.Running)
		ev := set("worker", resource.Exited(2))

		Expect(ev.ExitCode).NotTo(BeNil())
		Expect(*ev.ExitCode).To(Equal(2))

		events := rec.forResource("worker")
		Expect(events).To(HaveLen(3))

		for i := 1; i < len(events); i++ {
			Expect(events[i].Timestamp.After(events[i-1].Timestamp)).To(BeTrue())
			Expect(events[i].Previous).To(Equal(events[i-1].New))
		}
	})

	It("rejects transitions out of terminal states without publishing", func() {
		Expect(store.Track("job", nil)).To(Succeed())
		set("job", resource.Starting)
		set("job", resource.FailedToStart)

		_, err := store.SetState("job", resource.Running)
		Expect(errors.Is(err, standarderrors.ErrInvalidTransition)).To(BeTrue())
		Expect(rec.forResource("job")).To(HaveLen(2))
	})

	Context("with declared endpoints", func() {
		BeforeEach(func() {
			Expect(store.Track("web", []resource.EndpointSpec{{Name: "http"}})).To(Succeed())
		})

		It("refuses Running before allocation", func() {
			set("web", resource.Starting)

			_, err := store.SetState("web", resource.Running)
			Expect(err).To(MatchError(ContainSubstring("declared endpoints are not allocated")))
		})

		It("freezes endpoints once Running", func() {
			set("web", resource.Starting)
			Expect(store.RecordAllocatedEndpoints("web", []resource.Endpoint{{Name: "http", Host: "localhost", Port: 20001}})).To(Succeed())
			set("web", resource.Running)

			err := store.RecordAllocatedEndpoints("web", []resource.Endpoint{{Name: "http", Host: "localhost", Port: 20002}})
			Expect(errors.Is(err, standarderrors.ErrInvalidTransition)).To(BeTrue())

			set("web", resource.Hidden)
			err = store.RecordAllocatedEndpoints("web", nil)
			Expect(errors.Is(err, standarderrors.ErrInvalidTransition)).To(BeTrue())

			eps, err := store.Endpoints("web")
			Expect(err).NotTo(HaveOccurred())
			Expect(eps).To(ConsistOf(resource.Endpoint{Name: "http", Host: "localhost", Port: 20001}))
		})
	})

	Context("when restarting", func() {
		It("only replaces terminated instances and publishes nothing", func() {
			Expect(store.Track("svc", nil)).To(Succeed())
			set("svc", resource.Starting)

			_, err := store.NewInstance("svc")
			Expect(errors.Is(err, standarderrors.ErrInvalidTransition)).To(BeTrue())

			set("svc", resource.Exited(1))

			instance, err := store.NewInstance("svc")
			Expect(err).NotTo(HaveOccurred())
			Expect(instance).To(Equal(2))
			Expect(rec.forResource("svc")).To(HaveLen(2))

			ev := set("svc", resource.Starting)
			Expect(ev.Instance).To(Equal(2))
			Expect(ev.Previous).To(Equal(resource.NotStarted))
		})

		It("ignores reports of the replaced instance", func() {
			Expect(store.Track("svc", nil)).To(Succeed())
			set("svc", resource.Starting)
			set("svc", resource.Exited(137))

			_, err := store.NewInstance("svc")
			Expect(err).NotTo(HaveOccurred())

			_, err = store.SetInstanceState("svc", 1, resource.Starting)
			Expect(errors.Is(err, statestore.ErrStaleInstance)).To(BeTrue())

			ev, err := store.SetInstanceState("svc", 2, resource.Starting)
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.Instance).To(Equal(2))
		})
	})

	It("returns deep-copied snapshots", func() {
		Expect(store.Track("b", []resource.EndpointSpec{{Name: "tcp"}})).To(Succeed())
		Expect(store.Track("a", nil)).To(Succeed())
		Expect(store.RecordAllocatedEndpoints("b", []resource.Endpoint{{Name: "tcp", Port: 1}})).To(Succeed())

		snaps, err := store.Snapshots()
		Expect(err).NotTo(HaveOccurred())
		Expect(snaps).To(HaveLen(2))
		Expect(snaps[0].Name).To(Equal("a"))

		snaps[1].Endpoints[0].Port = 99

		again, err := store.Snapshot("b")
		Expect(err).NotTo(HaveOccurred())
		Expect(again.Endpoints[0].Port).To(Equal(uint16(1)))
	})

	It("keeps per-resource order under concurrent writers", func() {
		const n = 20

		for i := 0; i < n; i++ {
			Expect(store.Track(fmt.Sprintf("r%d", i), nil)).To(Succeed())
		}

		var wg sync.WaitGroup

		for i := 0; i < n; i++ {
			wg.Add(1)

			go func(name string) {
				defer GinkgoRecover()
				defer wg.Done()

				for _, s := range []resource.State{resource.Starting, resource.Running, resource.Exited(0)} {
					_, err := store.SetState(name, s)
					Expect(err).NotTo(HaveOccurred())
				}
			}(fmt.Sprintf("r%d", i))
		}

		wg.Wait()

		for i := 0; i < n; i++ {
			events := rec.forResource(fmt.Sprintf("r%d", i))
			Expect(events).To(HaveLen(3))
			Expect(events[2].New).To(Equal(resource.Exited(0)))
		}
	})
})
