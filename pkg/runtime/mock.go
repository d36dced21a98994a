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

package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/united-manufacturing-hub/apphost/pkg/resource"
)

// MockRuntime is a scripted Runtime for tests.
//
// By default Start succeeds and reports Running right away. StartErrors makes
// Start fail for a resource; Manual leaves the resource in Starting until the
// test calls Run, Hide, Exit or FailToStart.
type MockRuntime struct {
	sync.Mutex

	// StartErrors are consumed one per Start call, per resource key.
	StartErrors map[string][]error
	// Manual resources are not reported Running by Start.
	Manual map[string]bool
	// StopExitCode is reported as the exit code of stopped resources.
	StopExitCode int

	Launches   []Launch
	StopCalls  []string
	active     map[string]Launch
	reporters  map[string]Reporter
	stopErrors map[string]error
}

// Ensure MockRuntime implements Runtime
var _ Runtime = (*MockRuntime)(nil)

// NewMockRuntime creates an empty mock runtime.
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		StartErrors: make(map[string][]error),
		Manual:      make(map[string]bool),
		active:      make(map[string]Launch),
		reporters:   make(map[string]Reporter),
		stopErrors:  make(map[string]error),
	}
}

// FailStart queues errs to be returned by the next Start calls of name.
func (m *MockRuntime) FailStart(name string, errs ...error) {
	m.Lock()
	defer m.Unlock()

	key := resource.Key(name)
	m.StartErrors[key] = append(m.StartErrors[key], errs...)
}

// SetManual keeps name in Starting after Start.
func (m *MockRuntime) SetManual(name string) {
	m.Lock()
	defer m.Unlock()

	m.Manual[resource.Key(name)] = true
}

// FailStop makes Stop of name return err.
func (m *MockRuntime) FailStop(name string, err error) {
	m.Lock()
	defer m.Unlock()

	m.stopErrors[resource.Key(name)] = err
}

// Start records the launch and reports Running unless name is manual.
func (m *MockRuntime) Start(ctx context.Context, launch Launch, reporter Reporter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := launch.Spec.Key()

	m.Lock()

	m.Launches = append(m.Launches, launch)

	if errs := m.StartErrors[key]; len(errs) > 0 {
		err := errs[0]
		m.StartErrors[key] = errs[1:]
		m.Unlock()

		return err
	}

	m.active[key] = launch
	m.reporters[key] = reporter
	manual := m.Manual[key]
	m.Unlock()

	if !manual {
		reporter.Report(Report{Resource: launch.Spec.Name, Instance: launch.Instance, State: resource.Running})
	}

	return nil
}

// Stop reports Exited(StopExitCode) for the active instance.
func (m *MockRuntime) Stop(_ context.Context, name string) error {
	key := resource.Key(name)

	m.Lock()
	m.StopCalls = append(m.StopCalls, name)

	if err := m.stopErrors[key]; err != nil {
		m.Unlock()

		return err
	}

	launch, ok := m.active[key]
	reporter := m.reporters[key]
	code := m.StopExitCode

	delete(m.active, key)
	m.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}

	reporter.Report(Report{Resource: launch.Spec.Name, Instance: launch.Instance, State: resource.Exited(code)})

	return nil
}

func (m *MockRuntime) report(name string, state resource.State, keep bool) error {
	key := resource.Key(name)

	m.Lock()
	launch, ok := m.active[key]
	reporter := m.reporters[key]

	if !keep {
		delete(m.active, key)
	}
	m.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}

	reporter.Report(Report{Resource: launch.Spec.Name, Instance: launch.Instance, State: state})

	return nil
}

// Run reports Running for the active instance of name.
func (m *MockRuntime) Run(name string) error { return m.report(name, resource.Running, true) }

// Hide reports Hidden for the active instance of name.
func (m *MockRuntime) Hide(name string) error { return m.report(name, resource.Hidden, true) }

// Exit reports Exited(code) and forgets the instance.
func (m *MockRuntime) Exit(name string, code int) error {
	return m.report(name, resource.Exited(code), false)
}

// FailToStart reports FailedToStart and forgets the instance.
func (m *MockRuntime) FailToStart(name string) error {
	return m.report(name, resource.FailedToStart, false)
}

// LaunchesOf returns the recorded launches of name in order.
func (m *MockRuntime) LaunchesOf(name string) []Launch {
	m.Lock()
	defer m.Unlock()

	key := resource.Key(name)

	var out []Launch

	for _, l := range m.Launches {
		if l.Spec.Key() == key {
			out = append(out, l)
		}
	}

	return out
}

// Active reports whether the runtime currently manages name.
func (m *MockRuntime) Active(name string) bool {
	m.Lock()
	defer m.Unlock()

	_, ok := m.active[resource.Key(name)]

	return ok
}
