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

// Package resource holds the data model shared by the graph, the state store
// and everything that observes resource lifecycles.
package resource

import (
	"fmt"
	"strings"
)

// Kind discriminates how a resource is run.
type Kind string

const (
	KindContainer  Kind = "container"
	KindExecutable Kind = "executable"
	KindProject    Kind = "project"
	KindNode       Kind = "node"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindContainer, KindExecutable, KindProject, KindNode:
		return true
	default:
		return false
	}
}

// DependencyKind is the type of a dependency edge.
type DependencyKind string

const (
	// WaitFor requires the dependency to be Running (or Hidden) before the dependent starts.
	WaitFor DependencyKind = "WaitFor"
	// WaitForCompletion requires the dependency to have Exited(0) before the dependent starts.
	WaitForCompletion DependencyKind = "WaitForCompletion"
)

// Key normalises a resource name for case-insensitive lookups.
func Key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// EndpointSpec declares an endpoint the runtime must allocate before the resource may run.
type EndpointSpec struct {
	Name   string `json:"name"             yaml:"name"`
	Scheme string `json:"scheme,omitempty" yaml:"scheme,omitempty"`
	// Port pins the host port. Zero lets the port manager pick one.
	Port uint16 `json:"port,omitempty" yaml:"port,omitempty"`
	// TargetPort is the port the process listens on inside a container.
	TargetPort uint16 `json:"targetPort,omitempty" yaml:"targetPort,omitempty"`
	// EnvVar, when set, receives the allocated port.
	EnvVar string `json:"envVar,omitempty" yaml:"envVar,omitempty"`
}

// Endpoint is an allocated, reachable address.
type Endpoint struct {
	Name   string `json:"name"`
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Port   uint16 `json:"port"`
}

// URL renders the endpoint as scheme://host:port.
func (e Endpoint) URL() string {
	scheme := e.Scheme
	if scheme == "" {
		scheme = "http"
	}

	return fmt.Sprintf("%s://%s:%d", scheme, e.Host, e.Port)
}

// Spec is the declaration of a resource.
type Spec struct {
	Name string `json:"name" yaml:"name"`
	Kind Kind   `json:"kind" yaml:"kind"`

	Command    string   `json:"command,omitempty"    yaml:"command,omitempty"`
	Args       []string `json:"args,omitempty"       yaml:"args,omitempty"`
	Image      string   `json:"image,omitempty"      yaml:"image,omitempty"`
	WorkingDir string   `json:"workingDir,omitempty" yaml:"workingDir,omitempty"`

	Env       map[string]string `json:"env,omitempty"       yaml:"env,omitempty"`
	Endpoints []EndpointSpec    `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`

	WaitFor           []string `json:"waitFor,omitempty"           yaml:"waitFor,omitempty"`
	WaitForCompletion []string `json:"waitForCompletion,omitempty" yaml:"waitForCompletion,omitempty"`
	// References are resources whose endpoints are injected as service discovery variables.
	// They do not order startup.
	References []string `json:"references,omitempty" yaml:"references,omitempty"`

	// ExplicitStart resources are neither started automatically nor part of quorum waits.
	ExplicitStart bool `json:"explicitStart,omitempty" yaml:"explicitStart,omitempty"`
}

// Key returns the normalised name of the spec.
func (s Spec) Key() string { return Key(s.Name) }

// Validate checks the fields that do not depend on other resources.
func (s Spec) Validate() error {
	if Key(s.Name) == "" {
		return fmt.Errorf("resource name must not be empty")
	}

	if !s.Kind.Valid() {
		return fmt.Errorf("resource %q has unknown kind %q", s.Name, s.Kind)
	}

	seen := make(map[string]struct{}, len(s.Endpoints))

	for _, ep := range s.Endpoints {
		k := Key(ep.Name)
		if k == "" {
			return fmt.Errorf("resource %q declares an endpoint without a name", s.Name)
		}

		if _, dup := seen[k]; dup {
			return fmt.Errorf("resource %q declares endpoint %q twice", s.Name, ep.Name)
		}

		seen[k] = struct{}{}
	}

	return nil
}
