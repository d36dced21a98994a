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
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/pkg/env"
	"github.com/united-manufacturing-hub/apphost/pkg/sentry"
)

// LoadWithEnvOverrides loads the manifest at path and applies environment variable overrides.
//
// Order of precedence (highest to lowest):
// 1. Environment variables (APPHOST_METRICS_PORT, APPHOST_API_PORT,
// APPHOST_RESTART_MAX_ATTEMPTS, APPHOST_RESTART_LOG_PATTERNS)
// 2. Manifest values
// 3. Default values
//
// A missing manifest is not an error: the app host then starts without resources.
// Unparseable variables are reported as warnings and ignored.
func LoadWithEnvOverrides(path string, log *zap.SugaredLogger) (AppHostConfig, error) {
	cfg, err := Load(path)

	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Warnf("Config file %s does not exist, starting without resources", path)

		cfg = Default()
	case err != nil:
		return AppHostConfig{}, err
	}

	if port, err := env.GetAsInt("APPHOST_METRICS_PORT", false, 0); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get APPHOST_METRICS_PORT: %w", err)
	} else if port != 0 {
		cfg.Observability.MetricsPort = port
	}

	if port, err := env.GetAsInt("APPHOST_API_PORT", false, 0); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get APPHOST_API_PORT: %w", err)
	} else if port != 0 {
		cfg.Observability.APIPort = port
	}

	if attempts, err := env.GetAsInt("APPHOST_RESTART_MAX_ATTEMPTS", false, -1); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get APPHOST_RESTART_MAX_ATTEMPTS: %w", err)
	} else if attempts >= 0 {
		cfg.Restart.MaxAttempts = attempts
	}

	if patterns, err := env.GetAsStringSlice("APPHOST_RESTART_LOG_PATTERNS", false, nil); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get APPHOST_RESTART_LOG_PATTERNS: %w", err)
	} else if len(patterns) > 0 {
		cfg.Restart.LogPatterns = patterns
	}

	if err := cfg.Validate(); err != nil {
		return AppHostConfig{}, fmt.Errorf("invalid config after environment overrides: %w", err)
	}

	return cfg, nil
}
