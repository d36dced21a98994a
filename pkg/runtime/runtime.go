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

// Package runtime defines how the app host launches resources and how launched
// resources report back.
//
// The app host moves a resource to Starting before calling Start. From then on
// the runtime owns the resource and reports Running, Hidden, Exited or
// FailedToStart through the Reporter, tagged with the instance it launched so
// reports from a replaced instance can be told apart.
package runtime

import (
	"context"
	"errors"

	"github.com/united-manufacturing-hub/apphost/pkg/resource"
)

// ErrNotRunning is returned by Stop for resources the runtime does not manage.
var ErrNotRunning = errors.New("resource is not running")

// Launch is everything a runtime needs to start one instance of a resource.
type Launch struct {
	Spec      resource.Spec
	Instance  int
	Env       map[string]string
	Endpoints []resource.Endpoint
}

// Report is one state observed by a runtime.
type Report struct {
	Resource string
	Instance int
	// State carries the exit code for Exited.
	State resource.State
}

// Reporter receives runtime observations.
type Reporter interface {
	Report(r Report)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(r Report)

func (f ReporterFunc) Report(r Report) { f(r) }

// Runtime launches and stops resources.
type Runtime interface {
	// Start launches the instance and returns once it was handed to the
	// underlying system. Errors wrapped with backoff.NewPermanentError are not retried.
	Start(ctx context.Context, launch Launch, reporter Reporter) error

	// Stop terminates the current instance of name. The runtime reports the
	// resulting Exited state.
	Stop(ctx context.Context, name string) error
}
