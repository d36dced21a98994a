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

package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/apphost/pkg/config"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
)

const twoResources = `
resources:
  - name: db
    kind: container
    image: postgres:16
  - name: Worker
    kind: executable
    command: /bin/worker
`

const workerChanged = `
resources:
  - name: worker
    kind: executable
    command: /bin/worker
    args: ["--fast"]
  - name: cache
    kind: container
    image: redis
`

var _ = Describe("Diff", func() {
	It("classifies resources by key", func() {
		previous, err := config.Parse([]byte(twoResources))
		Expect(err).NotTo(HaveOccurred())
		next, err := config.Parse([]byte(workerChanged))
		Expect(err).NotTo(HaveOccurred())

		change := config.Diff(previous, next)
		Expect(change.Added).To(Equal([]string{"cache"}))
		Expect(change.Removed).To(Equal([]string{"db"}))
		Expect(change.Changed).To(Equal([]string{"worker"}))
		Expect(change.Empty()).To(BeFalse())
	})

	It("is empty for identical manifests", func() {
		cfg, err := config.Parse([]byte(twoResources))
		Expect(err).NotTo(HaveOccurred())

		Expect(config.Diff(cfg, cfg).Empty()).To(BeTrue())
	})
})

var _ = Describe("Watcher", func() {
	var (
		path    string
		watcher *config.Watcher
	)

	BeforeEach(func() {
		path = filepath.Join(GinkgoT().TempDir(), "apphost.yaml")
		Expect(os.WriteFile(path, []byte(twoResources), 0o600)).To(Succeed())

		initial, err := config.Load(path)
		Expect(err).NotTo(HaveOccurred())

		watcher = config.NewWatcher(path, initial, zaptest.NewLogger(GinkgoT()).Sugar())
		Expect(watcher.Start()).To(Succeed())
		DeferCleanup(watcher.Stop)
	})

	It("publishes the change when the manifest is rewritten", func() {
		Expect(os.WriteFile(path, []byte(workerChanged), 0o600)).To(Succeed())

		var change config.ManifestChange
		Eventually(watcher.Changes(), 5*time.Second).Should(Receive(&change))
		Expect(change.Removed).To(Equal([]string{"db"}))
		Expect(change.Config.Resources).To(ContainElement(HaveField("Kind", resource.KindContainer)))
	})

	It("skips manifests that do not parse", func() {
		Expect(os.WriteFile(path, []byte("resources: [\n"), 0o600)).To(Succeed())

		Consistently(watcher.Changes(), 300*time.Millisecond).ShouldNot(Receive())
	})

	It("closes the change channel on stop", func() {
		Expect(watcher.Stop()).To(Succeed())
		Eventually(watcher.Changes()).Should(BeClosed())
	})
})
