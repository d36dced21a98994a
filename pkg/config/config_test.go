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
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/apphost/pkg/config"
	"github.com/united-manufacturing-hub/apphost/pkg/constants"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

const manifest = `
resources:
  - name: db
    kind: container
    image: postgres:16
    endpoints:
      - name: tcp
        scheme: tcp
        port: 5432
  - name: migrate
    kind: executable
    command: /usr/bin/migrate
    waitFor: [db]
  - name: api
    kind: project
    command: /usr/bin/api
    waitForCompletion: [migrate]
    references: [db]
    env:
      LOG_LEVEL: debug
    endpoints:
      - name: http
        envVar: PORT
restart:
  logPatterns: ["OOMKilled"]
  maxAttempts: 2
  initialBackoff: 100ms
observability:
  apiPort: 9191
`

var _ = Describe("AppHostConfig", func() {
	It("parses a manifest and fills defaults", func() {
		cfg, err := config.Parse([]byte(manifest))
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.Resources).To(HaveLen(3))
		Expect(cfg.Resources[0].Kind).To(Equal(resource.KindContainer))
		Expect(cfg.Resources[0].Endpoints[0].Port).To(Equal(uint16(5432)))
		Expect(cfg.Resources[2].WaitForCompletion).To(Equal([]string{"migrate"}))
		Expect(cfg.Resources[2].Env).To(HaveKeyWithValue("LOG_LEVEL", "debug"))

		Expect(cfg.Restart.MaxAttempts).To(Equal(2))
		Expect(cfg.Restart.InitialBackoff).To(Equal(100 * time.Millisecond))
		Expect(cfg.Restart.MaxBackoff).To(Equal(constants.DefaultRestartMaxBackoff))

		Expect(cfg.Observability.APIPort).To(Equal(9191))
		Expect(cfg.Observability.MetricsPort).To(Equal(constants.DefaultMetricsPort))
		Expect(cfg.Startup.Workers).To(Equal(constants.DefaultStartWorkers))
	})

	It("accepts an empty manifest", func() {
		cfg, err := config.Parse(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Resources).To(BeEmpty())
		Expect(cfg.Observability.LogLinesPerResource).To(Equal(constants.DefaultLogLinesPerResource))
	})

	It("rejects unknown fields", func() {
		_, err := config.Parse([]byte("resources: []\nbogus: true\n"))
		Expect(err).To(HaveOccurred())
	})

	It("rejects duplicate names case-insensitively", func() {
		_, err := config.Parse([]byte("resources:\n  - {name: db, kind: container}\n  - {name: DB, kind: container}\n"))
		Expect(err).To(MatchError(ContainSubstring("declared twice")))
	})

	It("rejects references to undeclared resources", func() {
		_, err := config.Parse([]byte("resources:\n  - {name: api, kind: project, waitFor: [db]}\n"))
		Expect(err).To(MatchError(ContainSubstring(`unknown resource "db"`)))
	})

	It("rejects a collector that is not declared", func() {
		cfg := config.Default()
		cfg.Collector.Resource = "otel"

		Expect(cfg.Validate()).To(MatchError(ContainSubstring("collector")))
	})

	It("clones deeply", func() {
		cfg, err := config.Parse([]byte(manifest))
		Expect(err).NotTo(HaveOccurred())

		clone, err := cfg.Clone()
		Expect(err).NotTo(HaveOccurred())

		clone.Resources[2].Env["LOG_LEVEL"] = "info"
		clone.Restart.LogPatterns[0] = "panic"

		Expect(cfg.Resources[2].Env["LOG_LEVEL"]).To(Equal("debug"))
		Expect(cfg.Restart.LogPatterns[0]).To(Equal("OOMKilled"))
	})

	It("round-trips through Marshal", func() {
		cfg, err := config.Parse([]byte(manifest))
		Expect(err).NotTo(HaveOccurred())

		data, err := cfg.Marshal()
		Expect(err).NotTo(HaveOccurred())

		again, err := config.Parse(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(Equal(cfg))
	})
})

var _ = Describe("LoadWithEnvOverrides", func() {
	var path string

	BeforeEach(func() {
		path = filepath.Join(GinkgoT().TempDir(), "apphost.yaml")
		Expect(os.WriteFile(path, []byte(manifest), 0o600)).To(Succeed())
	})

	It("lets environment variables win over the manifest", func() {
		GinkgoT().Setenv("APPHOST_API_PORT", "7000")
		GinkgoT().Setenv("APPHOST_METRICS_PORT", "7001")
		GinkgoT().Setenv("APPHOST_RESTART_MAX_ATTEMPTS", "0")
		GinkgoT().Setenv("APPHOST_RESTART_LOG_PATTERNS", "panic, fatal error")

		cfg, err := config.LoadWithEnvOverrides(path, zaptest.NewLogger(GinkgoT()).Sugar())
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.Observability.APIPort).To(Equal(7000))
		Expect(cfg.Observability.MetricsPort).To(Equal(7001))
		Expect(cfg.Restart.MaxAttempts).To(Equal(0))
		Expect(cfg.Restart.LogPatterns).To(Equal([]string{"panic", "fatal error"}))
	})

	It("ignores unparseable variables", func() {
		GinkgoT().Setenv("APPHOST_API_PORT", "not-a-port")

		cfg, err := config.LoadWithEnvOverrides(path, zaptest.NewLogger(GinkgoT()).Sugar())
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Observability.APIPort).To(Equal(9191))
	})

	It("starts from defaults when the manifest is missing", func() {
		cfg, err := config.LoadWithEnvOverrides(filepath.Join(GinkgoT().TempDir(), "missing.yaml"), zaptest.NewLogger(GinkgoT()).Sugar())
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Resources).To(BeEmpty())
	})
})
