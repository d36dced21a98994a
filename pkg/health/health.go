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

// Package health serves /live and /ready for the app host.
//
// Liveness only guards against goroutine leaks. Readiness holds one check per
// resource that starts automatically: the app host is ready once each of them
// is Running, Hidden or completed with exit code 0.
package health

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/pkg/logger"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/standarderrors"
)

var errShuttingDown = errors.New("shutting down")

// Graph is the view of the resource graph the checks need.
type Graph interface {
	Specs() ([]resource.Spec, error)
	Has(name string) bool
}

// States reads current states.
type States interface {
	GetState(name string) (resource.State, error)
}

// Checker owns the healthcheck handler.
type Checker struct {
	handler      healthcheck.Handler
	shuttingDown atomic.Bool
	logger       *zap.SugaredLogger
}

// New registers the liveness check and one readiness check per non-explicit
// resource currently in g.
func New(g Graph, states States, maxGoroutines int, log *zap.SugaredLogger) (*Checker, error) {
	c := &Checker{
		handler: healthcheck.NewHandler(),
		logger:  logger.OrDefault(log, logger.ComponentHealth),
	}

	c.handler.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	c.handler.AddReadinessCheck("shutdown", c.shutdownCheck())

	specs, err := g.Specs()
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	for _, spec := range specs {
		if spec.ExplicitStart {
			continue
		}

		c.handler.AddReadinessCheck("resource-"+spec.Key(), ResourceCheck(g, states, spec.Name))
	}

	c.logger.Debugf("Registered %d readiness checks", len(specs))

	return c, nil
}

// Handler serves the live and ready endpoints.
func (c *Checker) Handler() healthcheck.Handler {
	return c.handler
}

// SetShuttingDown makes readiness fail from now on.
func (c *Checker) SetShuttingDown() {
	c.shuttingDown.Store(true)
}

func (c *Checker) shutdownCheck() healthcheck.Check {
	return func() error {
		if c.shuttingDown.Load() {
			return errShuttingDown
		}

		return nil
	}
}

// ResourceCheck passes while name is Running, Hidden or Exited(0), and once
// name was removed from g.
func ResourceCheck(g Graph, states States, name string) healthcheck.Check {
	return func() error {
		if !g.Has(name) {
			return nil
		}

		state, err := states.GetState(name)
		if errors.Is(err, standarderrors.ErrUnknownResource) {
			return fmt.Errorf("resource %s is not tracked yet", name)
		}

		if err != nil {
			return err
		}

		switch {
		case state.Tag == resource.TagRunning, state.Tag == resource.TagHidden, state.Succeeded():
			return nil
		default:
			return fmt.Errorf("resource %s is %s", name, state)
		}
	}
}
