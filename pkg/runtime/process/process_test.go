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

package process_test

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/apphost/pkg/backoff"
	"github.com/united-manufacturing-hub/apphost/pkg/logstore"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/runtime"
	"github.com/united-manufacturing-hub/apphost/pkg/runtime/process"
)

func TestProcess(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Process Runtime Suite")
}

type collector struct {
	mu      sync.Mutex
	reports []runtime.Report
}

func (c *collector) Report(r runtime.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reports = append(c.reports, r)
}

func (c *collector) states() []resource.State {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]resource.State, 0, len(c.reports))
	for _, r := range c.reports {
		out = append(out, r.State)
	}

	return out
}

func shell(name, script string) runtime.Launch {
	return runtime.Launch{
		Spec:     resource.Spec{Name: name, Kind: resource.KindExecutable, Command: "/bin/sh", Args: []string{"-c", script}},
		Instance: 1,
	}
}

var _ = Describe("Runtime", func() {
	var (
		logs *logstore.Store
		rt   *process.Runtime
		rep  *collector
		ctx  context.Context
	)

	BeforeEach(func() {
		logs = logstore.New(100)
		rt = process.New(logs, time.Second, zaptest.NewLogger(GinkgoT()).Sugar())
		rep = &collector{}
		ctx = context.Background()
	})

	It("reports Running, captures output and reports the exit code", func() {
		launch := shell("job", `echo "hello $GREETING"; echo "OOM" >&2; exit 3`)
		launch.Env = map[string]string{"GREETING": "world"}

		Expect(rt.Start(ctx, launch, rep)).To(Succeed())

		Eventually(rep.states).Should(Equal([]resource.State{resource.Running, resource.Exited(3)}))
		Expect(logs.Contains("job", []string{"hello world"})).To(BeTrue())
		Expect(logs.Contains("job", []string{"OOM"})).To(BeTrue())
		Eventually(rt.Running).Should(BeEmpty())
	})

	It("stops a long running process with SIGTERM", func() {
		Expect(rt.Start(ctx, shell("sleeper", "sleep 30"), rep)).To(Succeed())
		Expect(rt.Running()).To(Equal([]string{"sleeper"}))

		stats, err := rt.Stats(ctx, "sleeper")
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.PID).To(BeNumerically(">", 0))

		Expect(rt.Stop(ctx, "sleeper")).To(Succeed())
		Expect(rep.states()).To(Equal([]resource.State{resource.Running, resource.Exited(143)}))
		Expect(rt.Running()).To(BeEmpty())
	})

	It("keeps reading output with lines longer than the line limit", func() {
		script := `head -c 100000 /dev/zero | tr '\0' a; echo; ` +
			`head -c 300000 /dev/zero | tr '\0' b; echo; ` +
			`echo OOM; exit 3`

		Expect(rt.Start(ctx, shell("chatty", script), rep)).To(Succeed())

		Eventually(rep.states, 5*time.Second).Should(Equal([]resource.State{resource.Running, resource.Exited(3)}))
		Expect(logs.Contains("chatty", []string{"OOM"})).To(BeTrue())

		lines := logs.Lines("chatty", 0)
		for _, line := range lines {
			Expect(len(line.Content)).To(BeNumerically("<=", logstore.MaxLineBytes))
		}
	})

	It("refuses a second instance while the first runs", func() {
		Expect(rt.Start(ctx, shell("sleeper", "sleep 30"), rep)).To(Succeed())
		DeferCleanup(func() { _ = rt.Stop(ctx, "sleeper") })

		Expect(rt.Start(ctx, shell("sleeper", "sleep 30"), rep)).To(HaveOccurred())
	})

	It("rejects containers permanently", func() {
		err := rt.Start(ctx, runtime.Launch{Spec: resource.Spec{Name: "db", Kind: resource.KindContainer, Image: "postgres"}}, rep)
		Expect(err).To(MatchError(process.ErrUnsupportedKind))
		Expect(backoff.IsPermanentError(err)).To(BeTrue())
	})

	It("treats a missing binary as permanent", func() {
		launch := runtime.Launch{Spec: resource.Spec{Name: "ghost", Kind: resource.KindExecutable, Command: "/definitely/not/here"}}

		err := rt.Start(ctx, launch, rep)
		Expect(backoff.IsPermanentError(err)).To(BeTrue())
		Expect(rep.states()).To(BeEmpty())
	})

	It("fails to stop unknown resources", func() {
		Expect(rt.Stop(ctx, "nobody")).To(MatchError(runtime.ErrNotRunning))
	})
})
