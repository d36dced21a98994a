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

package restart_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/apphost/pkg/events"
	"github.com/united-manufacturing-hub/apphost/pkg/logstore"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/restart"
)

func TestRestart(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Restart Suite")
}

type fakeStarter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeStarter) StartResource(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, name)

	return f.err
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

func exited(name string, instance int, code int) resource.StateTransitionEvent {
	return resource.StateTransitionEvent{
		Resource: name,
		Instance: instance,
		Previous: resource.Running,
		New:      resource.Exited(code),
		ExitCode: &code,
	}
}

var _ = Describe("Watcher", func() {
	var (
		b       *events.Broadcaster
		logs    *logstore.Store
		starter *fakeStarter
		w       *restart.Watcher
		cfg     restart.Config
	)

	BeforeEach(func() {
		b = events.NewBroadcaster(zaptest.NewLogger(GinkgoT()).Sugar())
		logs = logstore.New(100)
		starter = &fakeStarter{}
		cfg = restart.Config{LogPatterns: []string{"OOM"}, MaxAttempts: 2}
	})

	JustBeforeEach(func() {
		w = restart.New(cfg, starter, logs, b, zaptest.NewLogger(GinkgoT()).Sugar())
		w.Start(context.Background())
	})

	AfterEach(func() {
		w.Stop()
		b.Close()
	})

	It("restarts at most MaxAttempts times", func() {
		logs.Append("worker", logstore.Stderr, "killed: OOM")

		for i := 1; i <= 3; i++ {
			b.Publish(exited("worker", i, 137))
		}

		Eventually(starter.count).Should(Equal(2))
		Consistently(starter.count, 100*time.Millisecond).Should(Equal(2))
		Expect(w.Attempts("WORKER")).To(Equal(2))
	})

	It("ignores clean exits", func() {
		logs.Append("worker", logstore.Stderr, "OOM")
		b.Publish(exited("worker", 1, 0))

		Consistently(starter.count, 50*time.Millisecond).Should(BeZero())
	})

	It("ignores failures whose logs do not match", func() {
		logs.Append("worker", logstore.Stderr, "segmentation fault")
		b.Publish(exited("worker", 1, 139))

		Consistently(starter.count, 50*time.Millisecond).Should(BeZero())
		Expect(w.Attempts("worker")).To(BeZero())
	})

	It("ignores states other than Exited", func() {
		logs.Append("worker", logstore.Stderr, "OOM")
		b.Publish(resource.StateTransitionEvent{Resource: "worker", New: resource.FailedToStart})

		Consistently(starter.count, 50*time.Millisecond).Should(BeZero())
	})

	It("counts failed restarts", func() {
		starter.err = errors.New("runtime unavailable") //nolint:err113 // Test needs dynamic error
		logs.Append("worker", logstore.Stderr, "OOM")

		b.Publish(exited("worker", 1, 1))
		b.Publish(exited("worker", 1, 1))
		b.Publish(exited("worker", 1, 1))

		Eventually(starter.count).Should(Equal(2))
		Expect(w.Attempts("worker")).To(Equal(2))
	})

	Context("with an empty pattern list", func() {
		BeforeEach(func() {
			cfg.LogPatterns = nil
		})

		It("never restarts", func() {
			logs.Append("worker", logstore.Stderr, "OOM")
			b.Publish(exited("worker", 1, 1))

			Consistently(starter.count, 50*time.Millisecond).Should(BeZero())
		})
	})

	Context("with a backoff", func() {
		BeforeEach(func() {
			cfg.InitialBackoff = 200 * time.Millisecond
		})

		It("delays the restart", func() {
			logs.Append("worker", logstore.Stderr, "OOM")
			b.Publish(exited("worker", 1, 1))

			Consistently(starter.count, 100*time.Millisecond).Should(BeZero())
			Eventually(starter.count).Should(Equal(1))
		})
	})

	It("stops observing after Stop", func() {
		w.Stop()

		logs.Append("worker", logstore.Stderr, "OOM")
		b.Publish(exited("worker", 1, 1))

		Consistently(starter.count, 50*time.Millisecond).Should(BeZero())
	})
})
