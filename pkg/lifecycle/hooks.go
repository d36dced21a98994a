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

package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/pkg/resource"
)

// Point is a named extension point of the app host lifecycle.
type Point string

const (
	// BeforeStart runs once, before any resource enters Starting.
	BeforeStart Point = "BeforeStart"
	// AfterEndpointsAllocated runs once, after the runtime allocated every declared endpoint.
	AfterEndpointsAllocated Point = "AfterEndpointsAllocated"
	// OnResourceStateChanged fires for every recorded transition, for the life of the app host.
	OnResourceStateChanged Point = "OnResourceStateChanged"
)

// Resources is the narrow view of the resource graph that hooks may use.
type Resources interface {
	Specs() ([]resource.Spec, error)
	Get(name string) (resource.Spec, error)
	SetEnvironment(name, key, value string) error
}

// Endpoints exposes allocated endpoints to hooks.
type Endpoints interface {
	Endpoints(name string) ([]resource.Endpoint, error)
}

// PhaseContext is handed to BeforeStart and AfterEndpointsAllocated hooks.
type PhaseContext struct {
	Resources Resources
	Endpoints Endpoints
	Logger    *zap.SugaredLogger
}

// Hook is anything registered at an extension point.
type Hook interface {
	Name() string
}

// PhaseHook runs at BeforeStart or AfterEndpointsAllocated.
type PhaseHook interface {
	Hook
	Run(ctx context.Context, pc PhaseContext) error
}

// StateHook runs at OnResourceStateChanged.
type StateHook interface {
	Hook
	OnStateChanged(ctx context.Context, event resource.StateTransitionEvent) error
}

type phaseFunc struct {
	name string
	fn   func(ctx context.Context, pc PhaseContext) error
}

func (h phaseFunc) Name() string { return h.name }

func (h phaseFunc) Run(ctx context.Context, pc PhaseContext) error { return h.fn(ctx, pc) }

// PhaseHookFunc adapts a function to PhaseHook.
func PhaseHookFunc(name string, fn func(ctx context.Context, pc PhaseContext) error) PhaseHook {
	return phaseFunc{name: name, fn: fn}
}

type stateFunc struct {
	name string
	fn   func(ctx context.Context, event resource.StateTransitionEvent) error
}

func (h stateFunc) Name() string { return h.name }

func (h stateFunc) OnStateChanged(ctx context.Context, event resource.StateTransitionEvent) error {
	return h.fn(ctx, event)
}

// StateHookFunc adapts a function to StateHook.
func StateHookFunc(name string, fn func(ctx context.Context, event resource.StateTransitionEvent) error) StateHook {
	return stateFunc{name: name, fn: fn}
}

// Registration identifies one registered hook.
type Registration struct {
	Point Point
	// Index is the registration ordinal within Point.
	Index int
	Name  string

	hook Hook
}

// HookError wraps the error of the hook that aborted a phase.
type HookError struct {
	Point Point
	Index int
	Name  string
	Err   error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s hook %q (#%d) failed: %v", e.Point, e.Name, e.Index, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// PanicError is returned in place of a panic raised by a hook.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("hook panicked: %v", e.Value)
}
