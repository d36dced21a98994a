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

package resource

import (
	"fmt"
	"sort"
	"time"
)

// StateTag identifies a lifecycle state without its payload.
type StateTag string

const (
	TagNotStarted    StateTag = "NotStarted"
	TagStarting      StateTag = "Starting"
	TagRunning       StateTag = "Running"
	TagHidden        StateTag = "Hidden"
	TagFailedToStart StateTag = "FailedToStart"
	TagExited        StateTag = "Exited"
)

// AllTags lists every tag in lifecycle order.
var AllTags = []StateTag{TagNotStarted, TagStarting, TagRunning, TagHidden, TagFailedToStart, TagExited}

// IsTerminal reports whether no transition may leave this state within one instance.
func (t StateTag) IsTerminal() bool {
	return t == TagFailedToStart || t == TagExited
}

// Valid reports whether t is a known tag.
func (t StateTag) Valid() bool {
	for _, known := range AllTags {
		if t == known {
			return true
		}
	}

	return false
}

// State is a tagged lifecycle state. ExitCode is only meaningful for Exited.
type State struct {
	Tag      StateTag `json:"tag"      yaml:"tag"`
	ExitCode int      `json:"exitCode" yaml:"exitCode"`
}

var (
	NotStarted    = State{Tag: TagNotStarted}
	Starting      = State{Tag: TagStarting}
	Running       = State{Tag: TagRunning}
	Hidden        = State{Tag: TagHidden}
	FailedToStart = State{Tag: TagFailedToStart}
)

// Exited returns the Exited state carrying code.
func Exited(code int) State {
	return State{Tag: TagExited, ExitCode: code}
}

// FromTag builds a payload-free state. For Exited the exit code is taken from exitCode, or 0.
func FromTag(tag StateTag, exitCode *int) State {
	if tag == TagExited && exitCode != nil {
		return Exited(*exitCode)
	}

	return State{Tag: tag}
}

// IsTerminal reports whether s is terminal.
func (s State) IsTerminal() bool { return s.Tag.IsTerminal() }

// Succeeded reports whether s is Exited(0).
func (s State) Succeeded() bool { return s.Tag == TagExited && s.ExitCode == 0 }

func (s State) String() string {
	if s.Tag == TagExited {
		return fmt.Sprintf("Exited(%d)", s.ExitCode)
	}

	return string(s.Tag)
}

// StateSet is an unordered set of state tags used as wait targets and disqualifiers.
type StateSet map[StateTag]struct{}

// NewStateSet builds a set from tags.
func NewStateSet(tags ...StateTag) StateSet {
	s := make(StateSet, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}

	return s
}

// Contains reports whether t is in the set. A nil set contains nothing.
func (s StateSet) Contains(t StateTag) bool {
	_, ok := s[t]

	return ok
}

// Tags returns the members in lifecycle order.
func (s StateSet) Tags() []StateTag {
	out := make([]StateTag, 0, len(s))
	for t := range s {
		out = append(out, t)
	}

	order := make(map[StateTag]int, len(AllTags))
	for i, t := range AllTags {
		order[t] = i
	}

	sort.Slice(out, func(i, j int) bool { return order[out[i]] < order[out[j]] })

	return out
}

// StateTransitionEvent is the immutable record of one observed transition.
type StateTransitionEvent struct {
	Resource string `json:"resource"`
	// Instance counts restarts of the resource, starting at 1.
	Instance  int       `json:"instance"`
	Previous  State     `json:"previous"`
	New       State     `json:"new"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Sequence is global across resources and only used for diagnostics.
	Sequence uint64 `json:"sequence"`
}

func (e StateTransitionEvent) String() string {
	return fmt.Sprintf("%s#%d %s -> %s", e.Resource, e.Instance, e.Previous, e.New)
}
