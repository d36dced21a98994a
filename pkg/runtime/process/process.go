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

// Package process runs executable, project and node resources as local child processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/pkg/backoff"
	"github.com/united-manufacturing-hub/apphost/pkg/logger"
	"github.com/united-manufacturing-hub/apphost/pkg/logstore"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/runtime"
)

// ErrUnsupportedKind is returned for resources this runtime cannot launch.
var ErrUnsupportedKind = errors.New("resource kind not supported by the process runtime")

// DefaultStopTimeout is how long Stop waits after SIGTERM before it sends SIGKILL.
const DefaultStopTimeout = 5 * time.Second

// outputDrainDelay bounds how long output is read after the process exited,
// for children that inherited the pipes and keep them open.
const outputDrainDelay = time.Second

type proc struct {
	name     string
	instance int
	cmd      *exec.Cmd
	stdout   *logstore.LineWriter
	stderr   *logstore.LineWriter
	done     chan struct{}
}

// Runtime launches resources with os/exec. Each process gets its own process
// group so Stop reaches every child it spawned.
type Runtime struct {
	mu    sync.Mutex
	procs map[string]*proc

	logs        *logstore.Store
	stopTimeout time.Duration
	logger      *zap.SugaredLogger
}

var _ runtime.Runtime = (*Runtime)(nil)

// New creates a process runtime that streams output into logs.
func New(logs *logstore.Store, stopTimeout time.Duration, log *zap.SugaredLogger) *Runtime {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	return &Runtime{
		procs:       make(map[string]*proc),
		logs:        logs,
		stopTimeout: stopTimeout,
		logger:      logger.OrDefault(log, logger.ComponentRuntime),
	}
}

func environment(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := os.Environ()
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}

	return out
}

// Start launches the process, reports Running and returns. Exit is reported
// once both output streams are flushed, so log matching sees the last lines.
func (r *Runtime) Start(ctx context.Context, launch runtime.Launch, reporter runtime.Reporter) error {
	spec := launch.Spec

	switch spec.Kind {
	case resource.KindExecutable, resource.KindProject, resource.KindNode:
	default:
		return backoff.NewPermanentError(fmt.Errorf("%w: %s is a %s", ErrUnsupportedKind, spec.Name, spec.Kind))
	}

	if spec.Command == "" {
		return backoff.NewPermanentError(fmt.Errorf("resource %s has no command", spec.Name))
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	key := spec.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.procs[key]; ok {
		return fmt.Errorf("instance %d of %s is still running", existing.instance, spec.Name)
	}

	// The process outlives the start context, so exec.CommandContext is not used.
	cmd := exec.Command(spec.Command, spec.Args...) //nolint:gosec // commands come from the app host configuration
	cmd.Dir = spec.WorkingDir
	cmd.Env = environment(launch.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	stdout := r.logs.Writer(spec.Name, logstore.Stdout)
	stderr := r.logs.Writer(spec.Name, logstore.Stderr)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = outputDrainDelay

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return backoff.NewPermanentError(fmt.Errorf("error starting process: %w", err))
		}

		return fmt.Errorf("error starting process: %w", err)
	}

	p := &proc{name: spec.Name, instance: launch.Instance, cmd: cmd, stdout: stdout, stderr: stderr, done: make(chan struct{})}
	r.procs[key] = p

	r.logs.Append(spec.Name, logstore.System, fmt.Sprintf("started instance %d (pid %d)", launch.Instance, cmd.Process.Pid))
	r.logger.Infow("process_started", "resource", spec.Name, "instance", launch.Instance, "pid", cmd.Process.Pid)

	reporter.Report(runtime.Report{Resource: spec.Name, Instance: launch.Instance, State: resource.Running})

	go r.wait(key, p, reporter)

	return nil
}

func (r *Runtime) wait(key string, p *proc, reporter runtime.Reporter) {
	// Wait returns after the output copied so far reached the writers.
	code := exitCode(p.cmd.Wait())

	p.stdout.Flush()
	p.stderr.Flush()

	r.mu.Lock()
	if r.procs[key] == p {
		delete(r.procs, key)
	}
	r.mu.Unlock()

	r.logs.Append(p.name, logstore.System, fmt.Sprintf("instance %d exited with code %d", p.instance, code))
	r.logger.Infow("process_exited", "resource", p.name, "instance", p.instance, "exit_code", code)

	// Reported before done is closed so Stop returns with the exit recorded.
	reporter.Report(runtime.Report{Resource: p.name, Instance: p.instance, State: resource.Exited(code)})

	close(p.done)
}

// exitCode maps a Wait error to a shell style exit code; signals become 128+n.
func exitCode(err error) int {
	if err == nil || errors.Is(err, exec.ErrWaitDelay) {
		return 0
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}

	return exitErr.ExitCode()
}

// Stop sends SIGTERM to the process group, then SIGKILL after the stop timeout.
// The exit is reported by the goroutine that waits for the process.
func (r *Runtime) Stop(ctx context.Context, name string) error {
	r.mu.Lock()
	p, ok := r.procs[resource.Key(name)]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", runtime.ErrNotRunning, name)
	}

	pid := p.cmd.Process.Pid

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		r.logger.Warnw("sigterm_failed", "resource", name, "pid", pid, "error", err)

		return r.forceKill(p, pid)
	}

	timer := time.NewTimer(r.stopTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
		r.logger.Infow("process_terminated_gracefully", "resource", name, "pid", pid)

		return nil
	case <-timer.C:
		r.logger.Warnw("process_did_not_exit_gracefully", "resource", name, "pid", pid)
	case <-ctx.Done():
	}

	return r.forceKill(p, pid)
}

func (r *Runtime) forceKill(p *proc, pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("error killing process group %d: %w", pid, err)
	}

	<-p.done

	return nil
}

// Stats is a resource usage sample of a running process.
type Stats struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
}

// Stats samples CPU and memory of the running process of name.
func (r *Runtime) Stats(ctx context.Context, name string) (Stats, error) {
	r.mu.Lock()
	p, ok := r.procs[resource.Key(name)]
	r.mu.Unlock()

	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", runtime.ErrNotRunning, name)
	}

	pid := int32(p.cmd.Process.Pid) //nolint:gosec // pids fit into int32

	gp, err := gopsprocess.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Stats{}, fmt.Errorf("error inspecting pid %d: %w", pid, err)
	}

	cpu, err := gp.CPUPercentWithContext(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("error reading cpu of pid %d: %w", pid, err)
	}

	mem, err := gp.MemoryInfoWithContext(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("error reading memory of pid %d: %w", pid, err)
	}

	return Stats{PID: pid, CPUPercent: cpu, RSSBytes: mem.RSS}, nil
}

// Running returns the names of processes currently managed.
func (r *Runtime) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p.name)
	}

	sort.Strings(out)

	return out
}
