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

// Package graph holds the declared resources and their dependency edges.
//
// Edges point from a dependent to its dependency and always form a DAG: an edge
// that would close a cycle is rejected and the graph is left as it was.
package graph

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tiendc/go-deepcopy"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/pkg/logger"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/standarderrors"
)

// ResourceID identifies a resource for the lifetime of one graph.
type ResourceID = uuid.UUID

// Dependency is one outgoing edge of a resource.
type Dependency struct {
	Name string                  `json:"name"`
	Kind resource.DependencyKind `json:"kind"`
}

type edge struct {
	to   string
	kind resource.DependencyKind
}

type vertex struct {
	id    ResourceID
	order int
	spec  resource.Spec
	deps  []edge
}

func (v *vertex) hasEdge(to string, kind resource.DependencyKind) bool {
	for _, e := range v.deps {
		if e.to == to && e.kind == kind {
			return true
		}
	}

	return false
}

// RemovalListener is notified after a resource left the graph.
type RemovalListener = func(name string)

// Graph is safe for concurrent use.
type Graph struct {
	mu sync.RWMutex

	vertices map[string]*vertex
	nextID   int

	listenersMu sync.Mutex
	listeners   map[int]RemovalListener
	nextLID     int

	logger *zap.SugaredLogger
}

// New creates an empty graph.
func New(log *zap.SugaredLogger) *Graph {
	return &Graph{
		vertices:  make(map[string]*vertex),
		listeners: make(map[int]RemovalListener),
		logger:    logger.OrDefault(log, logger.ComponentGraph),
	}
}

// Build adds every spec and then every edge the specs declare.
func Build(specs []resource.Spec, log *zap.SugaredLogger) (*Graph, error) {
	g := New(log)

	for _, s := range specs {
		if _, err := g.AddResource(s); err != nil {
			return nil, err
		}
	}

	for _, s := range specs {
		for _, dep := range s.WaitFor {
			if err := g.AddDependency(s.Name, dep, resource.WaitFor); err != nil {
				return nil, err
			}
		}

		for _, dep := range s.WaitForCompletion {
			if err := g.AddDependency(s.Name, dep, resource.WaitForCompletion); err != nil {
				return nil, err
			}
		}
	}

	return g, nil
}

// AddResource registers spec. Edges listed in the spec are not added; use AddDependency or Build.
func (g *Graph) AddResource(spec resource.Spec) (ResourceID, error) {
	if err := spec.Validate(); err != nil {
		return uuid.Nil, err
	}

	var clone resource.Spec
	if err := deepcopy.Copy(&clone, &spec); err != nil {
		return uuid.Nil, fmt.Errorf("failed to copy spec of %q: %w", spec.Name, err)
	}

	clone.WaitFor = nil
	clone.WaitForCompletion = nil

	g.mu.Lock()
	defer g.mu.Unlock()

	key := spec.Key()
	if _, exists := g.vertices[key]; exists {
		return uuid.Nil, &standarderrors.DuplicateResourceError{Name: spec.Name}
	}

	g.nextID++
	v := &vertex{id: uuid.New(), order: g.nextID, spec: clone}
	g.vertices[key] = v

	g.logger.Debugw("resource_added", "resource", spec.Name, "kind", spec.Kind, "id", v.id)

	return v.id, nil
}

// AddDependency records that from must wait for to.
func (g *Graph) AddDependency(from, to string, kind resource.DependencyKind) error {
	if kind != resource.WaitFor && kind != resource.WaitForCompletion {
		return fmt.Errorf("unknown dependency kind %q", kind)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	fromKey, toKey := resource.Key(from), resource.Key(to)

	src, ok := g.vertices[fromKey]
	if !ok {
		return &standarderrors.UnknownResourceError{Name: from}
	}

	dst, ok := g.vertices[toKey]
	if !ok {
		return &standarderrors.UnknownResourceError{Name: to}
	}

	if src.hasEdge(toKey, kind) {
		return nil
	}

	if path := g.pathLocked(toKey, fromKey); path != nil {
		names := make([]string, len(path))
		for i, k := range path {
			names[i] = g.vertices[k].spec.Name
		}

		return &standarderrors.CycleDetectedError{From: src.spec.Name, To: dst.spec.Name, Path: names}
	}

	src.deps = append(src.deps, edge{to: toKey, kind: kind})

	g.logger.Debugw("dependency_added", "from", src.spec.Name, "to", dst.spec.Name, "kind", kind)

	return nil
}

// pathLocked returns a dependency path from start to target, or nil. A vertex reaches itself.
func (g *Graph) pathLocked(start, target string) []string {
	visited := make(map[string]bool, len(g.vertices))

	var walk func(k string) []string
	walk = func(k string) []string {
		if k == target {
			return []string{k}
		}

		if visited[k] {
			return nil
		}

		visited[k] = true

		for _, e := range g.vertices[k].deps {
			if rest := walk(e.to); rest != nil {
				return append([]string{k}, rest...)
			}
		}

		return nil
	}

	return walk(start)
}

// RemoveResource deletes the resource and every edge touching it, then notifies removal listeners.
func (g *Graph) RemoveResource(name string) error {
	key := resource.Key(name)

	g.mu.Lock()

	v, ok := g.vertices[key]
	if !ok {
		g.mu.Unlock()

		return &standarderrors.UnknownResourceError{Name: name}
	}

	delete(g.vertices, key)

	for _, other := range g.vertices {
		kept := other.deps[:0]

		for _, e := range other.deps {
			if e.to != key {
				kept = append(kept, e)
			}
		}

		other.deps = kept
	}

	g.mu.Unlock()

	g.logger.Infow("resource_removed", "resource", v.spec.Name)

	g.listenersMu.Lock()
	listeners := make([]RemovalListener, 0, len(g.listeners))

	for i := 0; i < g.nextLID; i++ {
		if l, ok := g.listeners[i]; ok {
			listeners = append(listeners, l)
		}
	}
	g.listenersMu.Unlock()

	for _, l := range listeners {
		l(v.spec.Name)
	}

	return nil
}

// OnRemove registers l and returns a function that unregisters it.
func (g *Graph) OnRemove(l RemovalListener) (unregister func()) {
	g.listenersMu.Lock()
	defer g.listenersMu.Unlock()

	id := g.nextLID
	g.nextLID++
	g.listeners[id] = l

	return func() {
		g.listenersMu.Lock()
		defer g.listenersMu.Unlock()

		delete(g.listeners, id)
	}
}
