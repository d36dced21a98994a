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

// Package restart restarts resources that exited with a failure whose logs match a pattern.
package restart

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/pkg/backoff"
	"github.com/united-manufacturing-hub/apphost/pkg/events"
	"github.com/united-manufacturing-hub/apphost/pkg/logger"
	"github.com/united-manufacturing-hub/apphost/pkg/metrics"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/sentry"
)

// Config is the restart policy. The zero value never restarts anything.
type Config struct {
	// LogPatterns are matched as substrings against the retained log lines.
	LogPatterns []string `yaml:"logPatterns" json:"logPatterns"`
	// MaxAttempts bounds restarts per resource over the life of the watcher.
	MaxAttempts int `yaml:"maxAttempts" json:"maxAttempts"`
	// InitialBackoff delays the first restart; later restarts grow exponentially.
	InitialBackoff time.Duration `yaml:"initialBackoff" json:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff" json:"maxBackoff"`
}

// Starter starts a new instance of a resource.
type Starter interface {
	StartResource(ctx context.Context, name string) error
}

// LogMatcher answers whether the logs of a resource contain any of patterns.
type LogMatcher interface {
	Contains(name string, patterns []string) bool
}

type counter struct {
	attempts  int
	exhausted bool
}

// Watcher observes state transitions and triggers restarts.
type Watcher struct {
	cfg         Config
	starter     Starter
	logs        LogMatcher
	broadcaster *events.Broadcaster

	mu       sync.Mutex
	counters map[string]*counter

	lifecycleMu sync.Mutex
	sub         *events.Subscription
	cancel      context.CancelFunc
	done        chan struct{}
	restarts    sync.WaitGroup

	logger *zap.SugaredLogger
}

// New creates a watcher. Call Start to begin observing b.
func New(cfg Config, starter Starter, logs LogMatcher, b *events.Broadcaster, log *zap.SugaredLogger) *Watcher {
	return &Watcher{
		cfg:         cfg,
		starter:     starter,
		logs:        logs,
		broadcaster: b,
		counters:    make(map[string]*counter),
		logger:      logger.OrDefault(log, logger.ComponentRestart),
	}
}

// Start subscribes to the broadcaster. Events published after Start returns are observed.
// The returned channel is closed once the watcher stopped and every pending restart returned.
func (w *Watcher) Start(ctx context.Context) <-chan struct{} {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.done != nil {
		return w.done
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.sub = w.broadcaster.Subscribe(events.WithLabel("restart-watcher"))

	go w.run(watchCtx, w.sub, w.done)

	w.logger.Infow("restart_watcher_started", "patterns", w.cfg.LogPatterns, "max_attempts", w.cfg.MaxAttempts)

	return w.done
}

// Stop ends observation and waits for in-flight restarts.
func (w *Watcher) Stop() {
	w.lifecycleMu.Lock()
	cancel, sub, done := w.cancel, w.sub, w.done
	w.lifecycleMu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	sub.Cancel()
	<-done
}

// Attempts returns how many restarts were triggered for name.
func (w *Watcher) Attempts(name string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if c, ok := w.counters[resource.Key(name)]; ok {
		return c.attempts
	}

	return 0
}

func (w *Watcher) run(ctx context.Context, sub *events.Subscription, done chan struct{}) {
	defer func() {
		w.restarts.Wait()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}

			w.handle(ctx, ev)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev resource.StateTransitionEvent) {
	if ev.New.Tag != resource.TagExited || ev.New.ExitCode == 0 {
		return
	}

	if !w.logs.Contains(ev.Resource, w.cfg.LogPatterns) {
		w.logger.Debugw("restart_skipped_no_match", "resource", ev.Resource, "exit_code", ev.New.ExitCode)

		return
	}

	attempt, ok := w.reserve(ev.Resource)
	if !ok {
		return
	}

	delay := backoff.Config{InitialInterval: w.cfg.InitialBackoff, MaxInterval: w.cfg.MaxBackoff}.Delay(attempt)

	w.logger.Infow("restart_scheduled", "resource", ev.Resource, "instance", ev.Instance,
		"exit_code", ev.New.ExitCode, "attempt", attempt, "max_attempts", w.cfg.MaxAttempts, "delay", delay)

	w.restarts.Add(1)

	go func() {
		defer w.restarts.Done()

		w.restart(ctx, ev.Resource, attempt, delay)
	}()
}

// reserve counts an attempt before it runs so that concurrent exits cannot exceed the limit.
func (w *Watcher) reserve(name string) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := resource.Key(name)

	c, ok := w.counters[key]
	if !ok {
		c = &counter{}
		w.counters[key] = c
	}

	if c.attempts >= w.cfg.MaxAttempts {
		if !c.exhausted {
			c.exhausted = true

			metrics.RecordRestart(name, metrics.RestartExhausted)
			w.logger.Warnw("restart_attempts_exhausted", "resource", name, "attempts", c.attempts)
		}

		return 0, false
	}

	c.attempts++

	return c.attempts, true
}

func (w *Watcher) restart(ctx context.Context, name string, attempt int, delay time.Duration) {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	if err := w.starter.StartResource(ctx, name); err != nil {
		metrics.RecordRestart(name, metrics.RestartFailed)
		w.logger.Errorw("restart_failed", "resource", name, "attempt", attempt, "error", err)
		sentry.ReportResourceError(w.logger, name, logger.ComponentRestart, "restart", err)

		return
	}

	metrics.RecordRestart(name, metrics.RestartStarted)
	w.logger.Infow("restart_started", "resource", name, "attempt", attempt)
}
