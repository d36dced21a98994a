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

package standarderrors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateResource is returned when a resource name is registered twice (case-insensitive).
	ErrDuplicateResource = errors.New("duplicate resource")

	// ErrUnknownResource is returned when an operation names a resource that is not in the graph.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrCycleDetected is returned when a dependency edge would close a cycle.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrInvalidTransition is returned by the state store on an illegal state change.
	// It signals an integration bug in the reporting runtime and must not be retried.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrResourceFailedToStart is returned to waiters when the resource reached FailedToStart.
	ErrResourceFailedToStart = errors.New("resource failed to start")

	// ErrResourceRemoved is returned to waiters when the resource left the graph while pending.
	ErrResourceRemoved = errors.New("resource removed")

	// ErrResourceTerminated is returned to waiters when the resource reached a terminal
	// state the caller declared disqualifying.
	ErrResourceTerminated = errors.New("resource terminated")
)

// DuplicateResourceError names the resource that was already registered.
type DuplicateResourceError struct {
	Name string
}

func (e *DuplicateResourceError) Error() string {
	return fmt.Sprintf("resource %q already exists", e.Name)
}

func (e *DuplicateResourceError) Unwrap() error { return ErrDuplicateResource }

// UnknownResourceError names the resource that could not be found.
type UnknownResourceError struct {
	Name string
}

func (e *UnknownResourceError) Error() string {
	return fmt.Sprintf("resource %q not found", e.Name)
}

func (e *UnknownResourceError) Unwrap() error { return ErrUnknownResource }

// CycleDetectedError carries the rejected edge and the path that would have closed the cycle.
type CycleDetectedError struct {
	From string
	To   string
	// Path starts at To and ends at From, following existing dependency edges.
	Path []string
}

func (e *CycleDetectedError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("dependency %s -> %s would create a cycle", e.From, e.To)
	}

	return fmt.Sprintf("dependency %s -> %s would create a cycle: %s -> %s",
		e.From, e.To, e.From, strings.Join(e.Path, " -> "))
}

func (e *CycleDetectedError) Unwrap() error { return ErrCycleDetected }

// InvalidTransitionError describes a rejected state change.
type InvalidTransitionError struct {
	Resource string
	From     string
	To       string
	Reason   string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("resource %q cannot transition from %s to %s", e.Resource, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}

	return msg
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// ResourceFailedToStartError is the failure outcome of a wait on a resource that failed to start.
type ResourceFailedToStartError struct {
	Resource string
}

func (e *ResourceFailedToStartError) Error() string {
	return fmt.Sprintf("resource %q failed to start", e.Resource)
}

func (e *ResourceFailedToStartError) Unwrap() error { return ErrResourceFailedToStart }

// ResourceRemovedError is the failure outcome of a wait on a resource removed from the graph.
type ResourceRemovedError struct {
	Resource string
}

func (e *ResourceRemovedError) Error() string {
	return fmt.Sprintf("resource %q was removed while waiting", e.Resource)
}

func (e *ResourceRemovedError) Unwrap() error { return ErrResourceRemoved }

// ResourceTerminatedError is the failure outcome of a wait that observed a disqualifying terminal state.
type ResourceTerminatedError struct {
	Resource string
	State    string
}

func (e *ResourceTerminatedError) Error() string {
	return fmt.Sprintf("resource %q reached disqualifying state %s", e.Resource, e.State)
}

func (e *ResourceTerminatedError) Unwrap() error { return ErrResourceTerminated }

// IsWaitOutcome reports whether err is an expected failure outcome of a wait,
// as opposed to a construction or integration error.
func IsWaitOutcome(err error) bool {
	return errors.Is(err, ErrResourceFailedToStart) ||
		errors.Is(err, ErrResourceRemoved) ||
		errors.Is(err, ErrResourceTerminated)
}
