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

package stallchecker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/pkg/logger"
	"github.com/united-manufacturing-hub/apphost/pkg/metrics"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/sentry"
	"github.com/united-manufacturing-hub/apphost/pkg/statestore"
)

// SnapshotSource lists the current state of every tracked resource.
type SnapshotSource interface {
	Snapshots() ([]statestore.Snapshot, error)
}

// StallChecker warns about resources that stay in Starting for longer than a threshold.
//
// A resource stuck in Starting usually means the runtime never reported back,
// so anyone waiting for it hangs. The checker runs in a background goroutine
// and, for every stalled resource on every tick:
// - adds the tick interval to the stalled-time metric
// - logs a warning and reports it to sentry (debounced there).
type StallChecker struct {
	source    SnapshotSource
	threshold time.Duration
	interval  time.Duration
	now       func() time.Time

	mutex   sync.RWMutex
	stalled []string

	logger *zap.SugaredLogger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStallChecker creates a checker. Call Start to run it.
func NewStallChecker(source SnapshotSource, threshold, interval time.Duration, log *zap.SugaredLogger) *StallChecker {
	return &StallChecker{
		source:    source,
		threshold: threshold,
		interval:  interval,
		now:       time.Now,
		logger:    logger.OrDefault(log, logger.ComponentStallChecker),
	}
}

// Start launches the background loop. It ends with ctx or Stop.
func (s *StallChecker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)

	go s.loop(ctx)

	s.logger.Infof("Stall checker started with threshold %s", s.threshold)
}

func (s *StallChecker) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check()
		}
	}
}

// Check runs one inspection and returns the names of stalled resources.
func (s *StallChecker) Check() []string {
	snaps, err := s.source.Snapshots()
	if err != nil {
		s.logger.Warnw("stall_check_failed", "error", err)

		return s.Stalled()
	}

	now := s.now()

	var stalled []string

	for _, snap := range snaps {
		if snap.State.Tag != resource.TagStarting {
			continue
		}

		inState := now.Sub(snap.Since)
		if inState <= s.threshold {
			continue
		}

		stalled = append(stalled, snap.Name)

		metrics.AddStalledTime(snap.Name, s.interval.Seconds())
		sentry.ReportResourceWarningf(s.logger, snap.Name, logger.ComponentStallChecker, "stall_check",
			"resource %s has been starting for %.2f seconds", snap.Name, inState.Seconds())
	}

	sort.Strings(stalled)

	s.mutex.Lock()
	s.stalled = stalled
	s.mutex.Unlock()

	return stalled
}

// Stalled returns the result of the last check.
func (s *StallChecker) Stalled() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return append([]string(nil), s.stalled...)
}

// Stop terminates the background loop and waits for it.
func (s *StallChecker) Stop() {
	if s.cancel == nil {
		return
	}

	s.logger.Info("Stopping stall checker")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Stall checker stopped")
}
