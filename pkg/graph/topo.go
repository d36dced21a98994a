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

import "sort"

// TopologicalStartOrder returns every resource after all of its dependencies.
// Among resources that are ready at the same time, registration order wins.
//
// The order decides eligibility only; resources without unresolved
// dependencies may be started concurrently.
func (g *Graph) TopologicalStartOrder() []ResourceID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []ResourceID

	g.kahnLocked(func(level []*vertex) {
		for _, v := range level {
			out = append(out, v.id)
		}
	}, true)

	return out
}

// TopologicalStartLevels groups display names into waves: every resource in a
// wave depends only on resources of earlier waves.
func (g *Graph) TopologicalStartLevels() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out [][]string

	g.kahnLocked(func(level []*vertex) {
		names := make([]string, len(level))
		for i, v := range level {
			names[i] = v.spec.Name
		}

		out = append(out, names)
	}, false)

	return out
}

// TopologicalStartNames is TopologicalStartOrder rendered as display names.
func (g *Graph) TopologicalStartNames() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string

	g.kahnLocked(func(level []*vertex) {
		for _, v := range level {
			out = append(out, v.spec.Name)
		}
	}, true)

	return out
}

// kahnLocked runs Kahn's algorithm. With single set, emit receives one vertex
// per step (the lowest registration order among ready vertices); otherwise it
// receives every vertex that became ready in the same round.
func (g *Graph) kahnLocked(emit func([]*vertex), single bool) {
	pending := make(map[string]int, len(g.vertices))
	dependents := make(map[string][]string, len(g.vertices))

	for key, v := range g.vertices {
		seen := make(map[string]bool, len(v.deps))

		for _, e := range v.deps {
			// Both edge kinds to the same dependency count once.
			if seen[e.to] {
				continue
			}

			seen[e.to] = true
			pending[key]++
			dependents[e.to] = append(dependents[e.to], key)
		}
	}

	var ready []*vertex

	for key, v := range g.vertices {
		if pending[key] == 0 {
			ready = append(ready, v)
		}
	}

	byOrder := func(vs []*vertex) {
		sort.Slice(vs, func(i, j int) bool { return vs[i].order < vs[j].order })
	}

	release := func(v *vertex, into *[]*vertex) {
		for _, depKey := range dependents[v.spec.Key()] {
			pending[depKey]--
			if pending[depKey] == 0 {
				*into = append(*into, g.vertices[depKey])
			}
		}
	}

	if single {
		for len(ready) > 0 {
			byOrder(ready)
			next := ready[0]
			ready = ready[1:]

			emit([]*vertex{next})
			release(next, &ready)
		}

		return
	}

	for len(ready) > 0 {
		byOrder(ready)
		emit(ready)

		var next []*vertex
		for _, v := range ready {
			release(v, &next)
		}

		ready = next
	}
}
