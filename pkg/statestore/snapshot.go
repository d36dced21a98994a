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

package statestore

import (
	"fmt"
	"sort"
	"time"

	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/apphost/pkg/resource"
)

// Snapshot is a point-in-time copy of one slot. It shares no memory with the store.
type Snapshot struct {
	Name      string              `json:"name"`
	Instance  int                 `json:"instance"`
	State     resource.State      `json:"state"`
	Endpoints []resource.Endpoint `json:"endpoints,omitempty"`
	// Since is when the current state was entered.
	Since time.Time `json:"since"`
}

// Snapshot returns a copy of the slot of name.
func (s *Store) Snapshot(name string) (Snapshot, error) {
	sl, err := s.slot(name)
	if err != nil {
		return Snapshot{}, err
	}

	return sl.snapshot()
}

// Snapshots returns a copy of every slot, sorted by name.
func (s *Store) Snapshots() ([]Snapshot, error) {
	out := make([]Snapshot, 0, s.slots.Count())

	for item := range s.slots.IterBuffered() {
		snap, err := item.Val.snapshot()
		if err != nil {
			return nil, err
		}

		out = append(out, snap)
	}

	sort.Slice(out, func(i, j int) bool { return resource.Key(out[i].Name) < resource.Key(out[j].Name) })

	return out, nil
}

func (sl *slot) snapshot() (Snapshot, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	out := Snapshot{
		Name:     sl.name,
		Instance: sl.machine.Instance(),
		State:    sl.machine.Current(),
		Since:    sl.since,
	}

	if len(sl.endpoints) > 0 {
		if err := deepcopy.Copy(&out.Endpoints, &sl.endpoints); err != nil {
			return Snapshot{}, fmt.Errorf("failed to copy endpoints of %q: %w", sl.name, err)
		}
	}

	return out, nil
}
