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

package graph

import (
	"fmt"
	"sort"

	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/standarderrors"
)

// Has reports whether name is registered.
func (g *Graph) Has(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	_, ok := g.vertices[resource.Key(name)]

	return ok
}

// Len returns the number of resources.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return len(g.vertices)
}

// ID returns the id assigned by AddResource.
func (g *Graph) ID(name string) (ResourceID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	v, ok := g.vertices[resource.Key(name)]
	if !ok {
		return ResourceID{}, &standarderrors.UnknownResourceError{Name: name}
	}

	return v.id, nil
}

// Get returns a deep copy of the spec, with its current edges filled in.
func (g *Graph) Get(name string) (resource.Spec, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	v, ok := g.vertices[resource.Key(name)]
	if !ok {
		return resource.Spec{}, &standarderrors.UnknownResourceError{Name: name}
	}

	return g.specLocked(v)
}

func (g *Graph) specLocked(v *vertex) (resource.Spec, error) {
	var out resource.Spec
	if err := deepcopy.Copy(&out, &v.spec); err != nil {
		return resource.Spec{}, fmt.Errorf("failed to copy spec of %q: %w", v.spec.Name, err)
	}

	for _, e := range v.deps {
		depName := g.vertices[e.to].spec.Name
		if e.kind == resource.WaitFor {
			out.WaitFor = append(out.WaitFor, depName)
		} else {
			out.WaitForCompletion = append(out.WaitForCompletion, depName)
		}
	}

	return out, nil
}

// Specs returns every spec in registration order.
func (g *Graph) Specs() ([]resource.Spec, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]resource.Spec, 0, len(g.vertices))

	for _, v := range g.sortedLocked() {
		s, err := g.specLocked(v)
		if err != nil {
			return nil, err
		}

		out = append(out, s)
	}

	return out, nil
}

// Names returns the display names in registration order.
func (g *Graph) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	vs := g.sortedLocked()
	out := make([]string, len(vs))

	for i, v := range vs {
		out[i] = v.spec.Name
	}

	return out
}

// Dependencies returns the outgoing edges of name in insertion order.
func (g *Graph) Dependencies(name string) ([]Dependency, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	v, ok := g.vertices[resource.Key(name)]
	if !ok {
		return nil, &standarderrors.UnknownResourceError{Name: name}
	}

	out := make([]Dependency, len(v.deps))
	for i, e := range v.deps {
		out[i] = Dependency{Name: g.vertices[e.to].spec.Name, Kind: e.kind}
	}

	return out, nil
}

// Dependents returns the names of resources that depend on name, in registration order.
func (g *Graph) Dependents(name string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	key := resource.Key(name)
	if _, ok := g.vertices[key]; !ok {
		return nil, &standarderrors.UnknownResourceError{Name: name}
	}

	var out []string

	for _, v := range g.sortedLocked() {
		for _, e := range v.deps {
			if e.to == key {
				out = append(out, v.spec.Name)

				break
			}
		}
	}

	return out, nil
}

// SetEnvironment sets one environment variable on the resource.
// It is the only way hooks may change a declared resource.
func (g *Graph) SetEnvironment(name, key, value string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	v, ok := g.vertices[resource.Key(name)]
	if !ok {
		return &standarderrors.UnknownResourceError{Name: name}
	}

	if v.spec.Env == nil {
		v.spec.Env = make(map[string]string)
	}

	v.spec.Env[key] = value

	return nil
}

// Environment returns a copy of the resource's environment.
func (g *Graph) Environment(name string) (map[string]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	v, ok := g.vertices[resource.Key(name)]
	if !ok {
		return nil, &standarderrors.UnknownResourceError{Name: name}
	}

	out := make(map[string]string, len(v.spec.Env))
	for k, val := range v.spec.Env {
		out[k] = val
	}

	return out, nil
}

func (g *Graph) sortedLocked() []*vertex {
	vs := make([]*vertex, 0, len(g.vertices))
	for _, v := range g.vertices {
		vs = append(vs, v)
	}

	sort.Slice(vs, func(i, j int) bool { return vs[i].order < vs[j].order })

	return vs
}
