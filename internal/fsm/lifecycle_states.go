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

package fsm

import (
	"github.com/looplab/fsm"

	"github.com/united-manufacturing-hub/apphost/pkg/resource"
)

// Lifecycle events. Each event has exactly one destination state.
const (
	EventStart       = "start"
	EventRun         = "run"
	EventHide        = "hide"
	EventFailToStart = "fail_to_start"
	EventExit        = "exit"
)

var eventByTarget = map[resource.StateTag]string{
	resource.TagStarting:      EventStart,
	resource.TagRunning:       EventRun,
	resource.TagHidden:        EventHide,
	resource.TagFailedToStart: EventFailToStart,
	resource.TagExited:        EventExit,
}

func eventFor(target resource.StateTag) string {
	return eventByTarget[target]
}

func tags(t ...resource.StateTag) []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = string(tag)
	}

	return out
}

// lifecycleEvents is the transition table:
//
//	NotStarted -> Starting | Hidden | FailedToStart
//	Starting   -> Running | Hidden | FailedToStart | Exited
//	Running    -> Hidden | Exited
//	Hidden     -> Starting | Running | FailedToStart | Exited
//
// FailedToStart and Exited have no outgoing edges.
func lifecycleEvents() []fsm.EventDesc {
	return []fsm.EventDesc{
		{
			Name: EventStart,
			Src:  tags(resource.TagNotStarted, resource.TagHidden),
			Dst:  string(resource.TagStarting),
		},
		{
			Name: EventRun,
			Src:  tags(resource.TagStarting, resource.TagHidden),
			Dst:  string(resource.TagRunning),
		},
		{
			Name: EventHide,
			Src:  tags(resource.TagNotStarted, resource.TagStarting, resource.TagRunning),
			Dst:  string(resource.TagHidden),
		},
		{
			Name: EventFailToStart,
			Src:  tags(resource.TagNotStarted, resource.TagStarting, resource.TagHidden),
			Dst:  string(resource.TagFailedToStart),
		},
		{
			Name: EventExit,
			Src:  tags(resource.TagStarting, resource.TagRunning, resource.TagHidden),
			Dst:  string(resource.TagExited),
		},
	}
}
