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

// Package apphost drives a set of resources from declaration to shutdown.
//
// An AppHost owns one of each engine component and wires them together:
//   - the resource graph holds the declarations and their dependency edges
//   - the state store records transitions and publishes them to the broadcaster
//   - the hook runner executes the startup phases and dispatches state hooks
//   - the wait coordinator gates every start on the state of its dependencies
//   - the restart watcher restarts resources whose failure logs match a pattern
//   - the stall checker reports resources stuck in Starting
//
// Launching itself is delegated to a runtime.Runtime, which reports back through
// AppHost.Report.
package apphost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/pkg/apphost/hooks"
	"github.com/united-manufacturing-hub/apphost/pkg/backoff"
	"github.com/united-manufacturing-hub/apphost/pkg/config"
	"github.com/united-manufacturing-hub/apphost/pkg/ctxutil/ctxmutex"
	"github.com/united-manufacturing-hub/apphost/pkg/events"
	"github.com/united-manufacturing-hub/apphost/pkg/graph"
	"github.com/united-manufacturing-hub/apphost/pkg/lifecycle"
	"github.com/united-manufacturing-hub/apphost/pkg/logger"
	"github.com/united-manufacturing-hub/apphost/pkg/logstore"
	"github.com/united-manufacturing-hub/apphost/pkg/portmanager"
	"github.com/united-manufacturing-hub/apphost/pkg/restart"
	"github.com/united-manufacturing-hub/apphost/pkg/runtime"
	"github.com/united-manufacturing-hub/apphost/pkg/runtime/process"
	"github.com/united-manufacturing-hub/apphost/pkg/stallchecker"
	"github.com/united-manufacturing-hub/apphost/pkg/statestore"
	"github.com/united-manufacturing-hub/apphost/pkg/wait"
)

var (
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("app host is already running")
	// ErrNotRunning is returned by operations that need Run to have been called.
	ErrNotRunning = errors.New("app host is not running")
	// ErrResourceActive is returned by StartResource for a resource whose instance has not terminated.
	ErrResourceActive = errors.New("resource is already active")
	// ErrShutdown is returned after Shutdown was called.
	ErrShutdown = errors.New("app host is shut down")
	// ErrStartCancelled is returned by a start whose dependency wait was ended by
	// StopResource or RemoveResource.
	ErrStartCancelled = errors.New("start cancelled")
)

// Dependencies are the pluggable parts of an AppHost. Nil fields get defaults:
// the local process runtime, the default port manager, a log store sized from
// the config and the global logger.
type Dependencies struct {
	Runtime     runtime.Runtime
	PortManager portmanager.PortManager
	Logs        *logstore.Store
	Logger      *zap.SugaredLogger
}

// AppHost is safe for concurrent use once New returned.
type AppHost struct {
	cfg config.AppHostConfig

	graph    *graph.Graph
	store    *statestore.Store
	events   *events.Broadcaster
	hooks    *lifecycle.Runner
	waiter   *wait.Coordinator
	restarts *restart.Watcher
	stalls   *stallchecker.StallChecker

	runtime runtime.Runtime
	ports   portmanager.PortManager
	logs    *logstore.Store

	// locks serialise state changes, stops and removal per resource. They are
	// never held while a start waits for its dependencies.
	locks *ctxmutex.KeyedMutex
	// pending holds the cancel func of every start that waits for its dependencies.
	pendingMu sync.Mutex
	pending   map[string]*pendingStart
	// pool bounds concurrent runtime starts.
	pool  *ants.Pool
	retry backoff.Config

	running  atomic.Bool
	shutdown atomic.Bool

	runMu  sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	starts sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error

	logger *zap.SugaredLogger
}

var (
	_ runtime.Reporter    = (*AppHost)(nil)
	_ restart.Starter     = (*AppHost)(nil)
	_ restart.LogMatcher  = (*logstore.Store)(nil)
	_ lifecycle.Resources = (*graph.Graph)(nil)
	_ lifecycle.Endpoints = (*statestore.Store)(nil)
)

// antsLogger routes pool messages into zap.
type antsLogger struct {
	log *zap.SugaredLogger
}

func (l antsLogger) Printf(format string, args ...interface{}) {
	l.log.Warnf(format, args...)
}

// New builds an app host for cfg. It validates cfg, builds the graph and
// registers the built-in hooks. Nothing is started before Run.
func New(cfg config.AppHostConfig, deps Dependencies) (*AppHost, error) {
	cfg, err := cfg.Clone()
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	named := func(component string) *zap.SugaredLogger {
		if deps.Logger == nil {
			return logger.For(component)
		}

		return deps.Logger.Named(component)
	}

	log := named(logger.ComponentOrchestrator)

	g, err := graph.Build(cfg.Resources, named(logger.ComponentGraph))
	if err != nil {
		return nil, fmt.Errorf("failed to build resource graph: %w", err)
	}

	logs := deps.Logs
	if logs == nil {
		logs = logstore.New(cfg.Observability.LogLinesPerResource)
	}

	rt := deps.Runtime
	if rt == nil {
		rt = process.New(logs, cfg.Startup.StopTimeout, named(logger.ComponentRuntime))
	}

	ports := deps.PortManager
	if ports == nil {
		ports = portmanager.NewDefaultPortManager(named(logger.ComponentPortManager))
	}

	pool, err := ants.NewPool(cfg.Startup.Workers, ants.WithLogger(antsLogger{log: log}))
	if err != nil {
		return nil, fmt.Errorf("failed to create start pool: %w", err)
	}

	b := events.NewBroadcaster(named(logger.ComponentBroadcaster))
	store := statestore.New(b, named(logger.ComponentStateStore))

	h := &AppHost{
		cfg:     cfg,
		graph:   g,
		store:   store,
		events:  b,
		hooks:   lifecycle.NewRunner(named(logger.ComponentHookRunner)),
		waiter:  wait.New(g, store, b, named(logger.ComponentWaiter)),
		runtime: rt,
		ports:   ports,
		logs:    logs,
		locks:   ctxmutex.NewKeyedMutex(),
		pending: make(map[string]*pendingStart),
		pool:    pool,
		retry: backoff.Config{
			InitialInterval: cfg.Startup.RetryInterval,
			MaxInterval:     10 * cfg.Startup.RetryInterval,
			MaxRetries:      uint64(cfg.Startup.Retries), //nolint:gosec // validated to be non-negative
		},
		logger: log,
	}

	h.restarts = restart.New(cfg.Restart, h, logs, b, named(logger.ComponentRestart))
	h.stalls = stallchecker.NewStallChecker(store, cfg.Observability.StallThreshold, cfg.Observability.StallCheckInterval, named(logger.ComponentStallChecker))

	if err := h.registerBuiltinHooks(); err != nil {
		pool.Release()

		return nil, err
	}

	return h, nil
}

type registration struct {
	point lifecycle.Point
	hook  lifecycle.Hook
}

func (h *AppHost) registerBuiltinHooks() error {
	builtins := []registration{
		{lifecycle.AfterEndpointsAllocated, hooks.PortEnvironment()},
		{lifecycle.AfterEndpointsAllocated, hooks.ServiceDiscovery()},
		{lifecycle.OnResourceStateChanged, hooks.StateLogger(h.logger)},
		{lifecycle.OnResourceStateChanged, hooks.LogRecorder(h.logs)},
	}

	if c := h.cfg.Collector; c.Resource != "" {
		builtins = append(builtins, registration{lifecycle.AfterEndpointsAllocated, hooks.OTLPExporter(c.Resource, c.Endpoint)})
	}

	for _, b := range builtins {
		if _, err := h.hooks.Register(b.point, b.hook); err != nil {
			return fmt.Errorf("failed to register hook %s: %w", b.hook.Name(), err)
		}
	}

	return nil
}

// RegisterHook adds hook at point. Startup hooks must be registered before Run.
func (h *AppHost) RegisterHook(point lifecycle.Point, hook lifecycle.Hook) (lifecycle.Registration, error) {
	return h.hooks.Register(point, hook)
}

// Config returns a copy of the effective configuration.
func (h *AppHost) Config() (config.AppHostConfig, error) {
	return h.cfg.Clone()
}

// Graph returns the resource graph.
func (h *AppHost) Graph() *graph.Graph {
	return h.graph
}

// Store returns the state store.
func (h *AppHost) Store() *statestore.Store {
	return h.store
}

// Events returns the broadcaster every transition is published to.
func (h *AppHost) Events() *events.Broadcaster {
	return h.events
}

// Waiter returns the wait coordinator.
func (h *AppHost) Waiter() *wait.Coordinator {
	return h.waiter
}

// Logs returns the captured resource output.
func (h *AppHost) Logs() *logstore.Store {
	return h.logs
}

// Hooks returns the lifecycle hook runner.
func (h *AppHost) Hooks() *lifecycle.Runner {
	return h.hooks
}

// Restarts returns the restart watcher.
func (h *AppHost) Restarts() *restart.Watcher {
	return h.restarts
}

// Stalls returns the stall checker.
func (h *AppHost) Stalls() *stallchecker.StallChecker {
	return h.stalls
}

// Runtime returns the runtime resources are launched with.
func (h *AppHost) Runtime() runtime.Runtime {
	return h.runtime
}
