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

package apphost

import (
	"errors"
	"time"

	"github.com/united-manufacturing-hub/apphost/pkg/graph"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/standarderrors"
	"github.com/united-manufacturing-hub/apphost/pkg/statestore"
)

// ResourceStatus is the externally visible view of one resource.
type ResourceStatus struct {
	Name          string              `json:"name"`
	Kind          resource.Kind       `json:"kind"`
	ExplicitStart bool                `json:"explicitStart,omitempty"`
	State         resource.State      `json:"state"`
	Instance      int                 `json:"instance"`
	Since         time.Time           `json:"since"`
	Endpoints     []resource.Endpoint `json:"endpoints,omitempty"`
	Dependencies  []graph.Dependency  `json:"dependencies,omitempty"`
	Restarts      int                 `json:"restarts"`
	Stalled       bool                `json:"stalled,omitempty"`
}

// Resource returns the status of name. Resources not tracked yet are NotStarted.
func (h *AppHost) Resource(name string) (ResourceStatus, error) {
	spec, err := h.graph.Get(name)
	if err != nil {
		return ResourceStatus{}, err
	}

	deps, err := h.graph.Dependencies(name)
	if err != nil {
		return ResourceStatus{}, err
	}

	status := ResourceStatus{
		Name:          spec.Name,
		Kind:          spec.Kind,
		ExplicitStart: spec.ExplicitStart,
		State:         resource.NotStarted,
		Dependencies:  deps,
		Restarts:      h.restarts.Attempts(spec.Name),
	}

	snap, err := h.store.Snapshot(spec.Name)

	switch {
	case err == nil:
		status.State = snap.State
		status.Instance = snap.Instance
		status.Since = snap.Since
		status.Endpoints = snap.Endpoints
	case !errors.Is(err, standarderrors.ErrUnknownResource):
		return ResourceStatus{}, err
	}

	for _, stalled := range h.stalls.Stalled() {
		if resource.Key(stalled) == spec.Key() {
			status.Stalled = true
		}
	}

	return status, nil
}

// Resources returns the status of every resource in start order.
func (h *AppHost) Resources() ([]ResourceStatus, error) {
	names := h.graph.TopologicalStartNames()
	out := make([]ResourceStatus, 0, len(names))

	for _, name := range names {
		status, err := h.Resource(name)
		if errors.Is(err, standarderrors.ErrUnknownResource) {
			// removed concurrently
			continue
		}

		if err != nil {
			return nil, err
		}

		out = append(out, status)
	}

	return out, nil
}

type debugInfo struct {
	Resources   []ResourceStatus      `json:"resources"`
	Snapshots   []statestore.Snapshot `json:"snapshots"`
	Subscribers int                   `json:"subscribers"`
	Waits       int                   `json:"pendingWaits"`
	Stalled     []string              `json:"stalled"`
	Error       string                `json:"error,omitempty"`
}

// DebugInfo serves /debug/resources.
func (h *AppHost) DebugInfo() interface{} {
	info := debugInfo{
		Subscribers: h.events.Subscribers(),
		Waits:       h.waiter.Pending(),
		Stalled:     h.stalls.Stalled(),
	}

	var errs []error

	resources, err := h.Resources()
	errs = append(errs, err)
	info.Resources = resources

	snaps, err := h.store.Snapshots()
	errs = append(errs, err)
	info.Snapshots = snaps

	if err := errors.Join(errs...); err != nil {
		info.Error = err.Error()
	}

	return info
}
