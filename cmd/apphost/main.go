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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/pkg/api"
	"github.com/united-manufacturing-hub/apphost/pkg/apphost"
	"github.com/united-manufacturing-hub/apphost/pkg/config"
	"github.com/united-manufacturing-hub/apphost/pkg/constants"
	"github.com/united-manufacturing-hub/apphost/pkg/env"
	"github.com/united-manufacturing-hub/apphost/pkg/health"
	"github.com/united-manufacturing-hub/apphost/pkg/logger"
	"github.com/united-manufacturing-hub/apphost/pkg/metrics"
	"github.com/united-manufacturing-hub/apphost/pkg/sentry"
)

// appVersion is set through -ldflags "-X main.appVersion=...".
var appVersion = constants.DefaultAppVersion

func main() {
	// Initialize the global logger first thing
	logger.Initialize()

	log := logger.For(logger.ComponentCore)

	dsn, _ := env.GetAsString("SENTRY_DSN", false, "")
	debounce, _ := env.GetAsDuration("SENTRY_DEBOUNCE", false, time.Minute)
	sentry.InitSentry(sentry.Options{DSN: dsn, AppVersion: appVersion, Debounce: debounce})

	log.Infof("Starting apphost %s...", appVersion)

	configPath, err := env.GetAsString("APPHOST_CONFIG", false, constants.DefaultConfigPath)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to read config path: %w", err)
		os.Exit(1)
	}

	cfg, err := config.LoadWithEnvOverrides(configPath, logger.For(logger.ComponentConfigManager))
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load config: %w", err)
		os.Exit(1)
	}

	host, err := apphost.New(cfg, apphost.Dependencies{})
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to build app host: %w", err)
		os.Exit(1)
	}

	checker, err := health.New(host.Graph(), host.Store(), cfg.Observability.MaxGoroutines, logger.For(logger.ComponentHealth))
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to set up health checks: %w", err)
		os.Exit(1)
	}

	metricsServer := metrics.SetupMetricsEndpoint(fmt.Sprintf(":%d", cfg.Observability.MetricsPort), host)

	gin.SetMode(gin.ReleaseMode)
	apiServer := api.NewServer(host, checker.Handler(), logger.For(logger.ComponentAPI)).
		Start(fmt.Sprintf(":%d", cfg.Observability.APIPort))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := host.Run(ctx); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to run app host: %w", err)
		os.Exit(1)
	}

	log.Infow("apphost_started", "resources", len(cfg.Resources), "metricsPort", cfg.Observability.MetricsPort, "apiPort", cfg.Observability.APIPort)

	watcher := config.NewWatcher(configPath, cfg, logger.For(logger.ComponentConfigManager))
	if err := watcher.Start(); err != nil {
		log.Warnf("Manifest changes will not be applied: %v", err)
	} else {
		go applyManifestChanges(ctx, host, watcher.Changes(), log)
	}

	<-ctx.Done()

	log.Info("Received shutdown signal, stopping resources")
	checker.SetShuttingDown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	if err := watcher.Stop(); err != nil {
		log.Warnf("Failed to stop manifest watcher: %v", err)
	}

	if err := host.Shutdown(shutdownCtx); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to stop all resources: %w", err)
	}

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Failed to shutdown API server: %v", err)
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Failed to shutdown metrics server: %v", err)
	}

	sentry.Flush(2 * time.Second)

	log.Info("apphost stopped")

	_ = logger.Sync()
}

// applyManifestChanges removes resources that were dropped from the manifest.
// New and modified declarations only take effect on the next start of the app host.
func applyManifestChanges(ctx context.Context, host *apphost.AppHost, changes <-chan config.ManifestChange, log *zap.SugaredLogger) {
	for change := range changes {
		for _, name := range change.Removed {
			if err := host.RemoveResource(ctx, name); err != nil {
				sentry.ReportResourceError(log, name, logger.ComponentConfigManager, "remove_resource", err)

				continue
			}

			log.Infow("resource_removed_from_manifest", "resource", name)
		}

		if len(change.Added) > 0 || len(change.Changed) > 0 {
			log.Warnw("manifest_change_requires_restart", "added", change.Added, "changed", change.Changed)
		}
	}
}
