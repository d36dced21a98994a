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

package constants

import "time"

const (
	// DefaultAppVersion is set when the binary was not built with a version through ldflags.
	DefaultAppVersion = "0.0.0-dev"

	DefaultProductionEnvironment  = "production"
	DefaultDevelopmentEnvironment = "development"

	// DefaultConfigPath is where the app host manifest is read from.
	DefaultConfigPath = "/data/apphost.yaml"
)

const (
	// DefaultMetricsPort serves /metrics and /debug/resources.
	DefaultMetricsPort = 8080

	// DefaultAPIPort serves the resource API and the health endpoints.
	DefaultAPIPort = 8081

	// ShutdownTimeout bounds stopping every resource and the HTTP servers.
	ShutdownTimeout = 10 * time.Second
)

const (
	// StallThreshold is how long a resource may stay in Starting before it is reported as stalled.
	StallThreshold = 60 * time.Second

	// StallCheckInterval is the tick of the stall checker.
	StallCheckInterval = 5 * time.Second
)

const (
	// DefaultStartWorkers bounds how many resources are started concurrently.
	DefaultStartWorkers = 16

	// DefaultStartRetries is the number of retries for transient runtime start errors.
	DefaultStartRetries = 3

	// DefaultStartRetryInterval is the first delay between start retries.
	DefaultStartRetryInterval = 500 * time.Millisecond
)

const (
	// DefaultRestartMaxAttempts applies when a restart policy sets no budget.
	DefaultRestartMaxAttempts = 3

	// DefaultRestartInitialBackoff is the delay before the first automatic restart.
	DefaultRestartInitialBackoff = 0 * time.Second

	// DefaultRestartMaxBackoff caps the delay between automatic restarts.
	DefaultRestartMaxBackoff = 30 * time.Second
)

const (
	// DefaultLogLinesPerResource bounds the captured output per resource.
	DefaultLogLinesPerResource = 1000

	// DefaultMaxGoroutines is the liveness threshold of the health handler.
	DefaultMaxGoroutines = 10000

	// PortRangeStart and PortRangeEnd bound dynamically allocated endpoint ports.
	PortRangeStart = 20000
	PortRangeEnd   = 32767
)
