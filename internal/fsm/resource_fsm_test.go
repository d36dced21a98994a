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
	"testing"

	"github.com/looplab/fsm"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/standarderrors"
)

func TestResourceFSM(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ResourceFSM Suite")
}

var _ = Describe("ResourceInstance", func() {
	var (
		ctx      context.Context
		instance *ResourceInstance
	)

	BeforeEach(func() {
		ctx = context.Background()
		instance = NewResourceInstance("api", 1, zaptest.NewLogger(GinkgoT()).Sugar())
	})

	move := func(target resource.State) {
		GinkgoHelper()

		_, changed, err := instance.Transition(ctx, target)
		Expect(err).NotTo(HaveOccurred())
		Expect(changed).To(BeTrue())
	}

	It("starts in NotStarted", func() {
		Expect(instance.Current()).To(Equal(resource.NotStarted))
		Expect(instance.Instance()).To(Equal(1))
	})

	It("walks the happy path and records the exit code", func() {
		move(resource.Starting)
		move(resource.Running)
		move(resource.Exited(137))

		Expect(instance.Current()).To(Equal(resource.Exited(137)))
	})

	It("treats a repeated non-terminal state as a no-op", func() {
		move(resource.Starting)

		prev, changed, err := instance.Transition(ctx, resource.Starting)
		Expect(err).NotTo(HaveOccurred())
		Expect(changed).To(BeFalse())
		Expect(prev).To(Equal(resource.Starting))
	})

	DescribeTable("rejects edges outside the lifecycle table",
		func(path []resource.State, target resource.State) {
			for _, s := range path {
				move(s)
			}

			_, _, err := instance.Transition(ctx, target)
			Expect(errors.Is(err, standarderrors.ErrInvalidTransition)).To(BeTrue())
		},
		Entry("NotStarted to Running", nil, resource.Running),
		Entry("NotStarted to Exited", nil, resource.Exited(0)),
		Entry("Running to Starting", []resource.State{resource.Starting, resource.Running}, resource.Starting),
		Entry("Running to FailedToStart", []resource.State{resource.Starting, resource.Running}, resource.FailedToStart),
		Entry("out of Exited", []resource.State{resource.Starting, resource.Exited(1)}, resource.Starting),
		Entry("Exited to Exited", []resource.State{resource.Starting, resource.Exited(1)}, resource.Exited(2)),
		Entry("out of FailedToStart", []resource.State{resource.FailedToStart}, resource.Starting),
	)

	It("lets a hidden resource become visible again", func() {
		move(resource.Hidden)
		move(resource.Starting)
		move(resource.Hidden)
		move(resource.Running)
	})

	It("turns a guard veto into an invalid transition", func() {
		instance.SetGuard(resource.TagRunning, func() error {
			return errors.New("endpoints not allocated") //nolint:err113 // Test needs dynamic error
		})

		move(resource.Starting)

		_, changed, err := instance.Transition(ctx, resource.Running)
		Expect(changed).To(BeFalse())
		Expect(err).To(MatchError(ContainSubstring("endpoints not allocated")))
		Expect(instance.Current()).To(Equal(resource.Starting))
	})

	It("fires enter callbacks", func() {
		var entered []string

		instance.AddCallback("enter_"+string(resource.TagRunning), func(_ context.Context, e *fsm.Event) {
			entered = append(entered, e.Dst)
		})

		move(resource.Starting)
		move(resource.Running)

		Expect(entered).To(Equal([]string{"Running"}))
	})

	It("refuses to transition with a cancelled context", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, _, err := instance.Transition(cancelled, resource.Starting)
		Expect(err).To(MatchError(context.Canceled))
		Expect(instance.Current()).To(Equal(resource.NotStarted))
	})

	It("answers Can from the table", func() {
		Expect(instance.Can(resource.TagStarting)).To(BeTrue())
		Expect(instance.Can(resource.TagRunning)).To(BeFalse())
	})
})
