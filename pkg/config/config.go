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

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tiendc/go-deepcopy"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/apphost/pkg/constants"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/restart"
)

// AppHostConfig is the manifest of an app host: the resources to run and how to run them.
type AppHostConfig struct {
	Resources     []resource.Spec     `yaml:"resources"`
	Startup       StartupConfig       `yaml:"startup,omitempty"`
	Restart       restart.Config      `yaml:"restart,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
	Collector     CollectorConfig     `yaml:"collector,omitempty"`
}

// StartupConfig tunes how resources are launched.
type StartupConfig struct {
	// Workers bounds concurrent resource starts.
	Workers int `yaml:"workers,omitempty"`
	// Retries is how often a transient runtime start error is retried.
	Retries int `yaml:"retries,omitempty"`
	// RetryInterval is the first delay between start retries.
	RetryInterval time.Duration `yaml:"retryInterval,omitempty"`
	// StopTimeout bounds graceful shutdown of a single process.
	StopTimeout time.Duration `yaml:"stopTimeout,omitempty"`
}

// ObservabilityConfig configures the local endpoints and diagnostics.
type ObservabilityConfig struct {
	MetricsPort         int           `yaml:"metricsPort,omitempty"`
	APIPort             int           `yaml:"apiPort,omitempty"`
	LogLinesPerResource int           `yaml:"logLinesPerResource,omitempty"`
	StallThreshold      time.Duration `yaml:"stallThreshold,omitempty"`
	StallCheckInterval  time.Duration `yaml:"stallCheckInterval,omitempty"`
	MaxGoroutines       int           `yaml:"maxGoroutines,omitempty"`
}

// CollectorConfig names the resource that receives OTLP telemetry of project resources.
type CollectorConfig struct {
	// Resource is the collector resource. Empty disables exporter injection.
	Resource string `yaml:"resource,omitempty"`
	// Endpoint is the collector endpoint to export to.
	Endpoint string `yaml:"endpoint,omitempty"`
}

// Default returns a config without resources and with every tunable set.
func Default() AppHostConfig {
	var c AppHostConfig
	c.ApplyDefaults()

	return c
}

// ApplyDefaults fills every zero tunable with its default.
func (c *AppHostConfig) ApplyDefaults() {
	if c.Startup.Workers == 0 {
		c.Startup.Workers = constants.DefaultStartWorkers
	}

	if c.Startup.Retries == 0 {
		c.Startup.Retries = constants.DefaultStartRetries
	}

	if c.Startup.RetryInterval == 0 {
		c.Startup.RetryInterval = constants.DefaultStartRetryInterval
	}

	if c.Startup.StopTimeout == 0 {
		c.Startup.StopTimeout = constants.ShutdownTimeout / 2
	}

	if c.Restart.MaxAttempts == 0 {
		c.Restart.MaxAttempts = constants.DefaultRestartMaxAttempts
	}

	if c.Restart.MaxBackoff == 0 {
		c.Restart.MaxBackoff = constants.DefaultRestartMaxBackoff
	}

	if c.Observability.MetricsPort == 0 {
		c.Observability.MetricsPort = constants.DefaultMetricsPort
	}

	if c.Observability.APIPort == 0 {
		c.Observability.APIPort = constants.DefaultAPIPort
	}

	if c.Observability.LogLinesPerResource == 0 {
		c.Observability.LogLinesPerResource = constants.DefaultLogLinesPerResource
	}

	if c.Observability.StallThreshold == 0 {
		c.Observability.StallThreshold = constants.StallThreshold
	}

	if c.Observability.StallCheckInterval == 0 {
		c.Observability.StallCheckInterval = constants.StallCheckInterval
	}

	if c.Observability.MaxGoroutines == 0 {
		c.Observability.MaxGoroutines = constants.DefaultMaxGoroutines
	}
}

// Clone creates a deep copy of AppHostConfig
func (c AppHostConfig) Clone() (AppHostConfig, error) {
	var clone AppHostConfig
	if err := deepcopy.Copy(&clone, &c); err != nil {
		return AppHostConfig{}, fmt.Errorf("failed to clone config: %w", err)
	}

	return clone, nil
}

// Validate checks the manifest for errors that would only surface at startup otherwise.
func (c AppHostConfig) Validate() error {
	var errs []error

	names := make(map[string]struct{}, len(c.Resources))

	for _, r := range c.Resources {
		if err := r.Validate(); err != nil {
			errs = append(errs, err)

			continue
		}

		if _, dup := names[r.Key()]; dup {
			errs = append(errs, fmt.Errorf("resource %q is declared twice", r.Name))
		}

		names[r.Key()] = struct{}{}
	}

	for _, r := range c.Resources {
		refs := make([]string, 0, len(r.WaitFor)+len(r.WaitForCompletion)+len(r.References))
		refs = append(refs, r.WaitFor...)
		refs = append(refs, r.WaitForCompletion...)
		refs = append(refs, r.References...)

		for _, ref := range refs {
			if _, ok := names[resource.Key(ref)]; !ok {
				errs = append(errs, fmt.Errorf("resource %q references unknown resource %q", r.Name, ref))
			}
		}
	}

	if c.Restart.MaxAttempts < 0 {
		errs = append(errs, errors.New("restart.maxAttempts must not be negative"))
	}

	if c.Restart.InitialBackoff < 0 || c.Restart.MaxBackoff < 0 {
		errs = append(errs, errors.New("restart backoff must not be negative"))
	}

	if c.Startup.Workers < 0 || c.Startup.Retries < 0 {
		errs = append(errs, errors.New("startup.workers and startup.retries must not be negative"))
	}

	for name, port := range map[string]int{"metricsPort": c.Observability.MetricsPort, "apiPort": c.Observability.APIPort} {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("observability.%s %d is out of range", name, port))
		}
	}

	if c.Collector.Resource != "" {
		if _, ok := names[resource.Key(c.Collector.Resource)]; !ok {
			errs = append(errs, fmt.Errorf("collector resource %q is not declared", c.Collector.Resource))
		}
	}

	return errors.Join(errs...)
}

// Parse decodes a YAML manifest. Unknown fields are rejected.
func Parse(data []byte) (AppHostConfig, error) {
	var c AppHostConfig

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return AppHostConfig{}, fmt.Errorf("failed to parse config: %w", err)
	}

	c.ApplyDefaults()

	if err := c.Validate(); err != nil {
		return AppHostConfig{}, fmt.Errorf("invalid config: %w", err)
	}

	return c, nil
}

// Load reads and parses the manifest at path.
func Load(path string) (AppHostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AppHostConfig{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	return Parse(data)
}

// Marshal encodes the config as YAML.
func (c AppHostConfig) Marshal() ([]byte, error) {
	var buf bytes.Buffer

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	return buf.Bytes(), nil
}
