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

// Package hooks contains the lifecycle hooks every app host registers.
//
// The AfterEndpointsAllocated hooks turn allocated endpoints into environment
// variables, so a resource learns its own ports and those of the resources it
// references before it is launched.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/pkg/lifecycle"
	"github.com/united-manufacturing-hub/apphost/pkg/logstore"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
	"github.com/united-manufacturing-hub/apphost/pkg/standarderrors"
)

const (
	// OTLPEndpointVar receives the collector URL.
	OTLPEndpointVar = "OTEL_EXPORTER_OTLP_ENDPOINT"
	// OTLPServiceNameVar receives the resource name.
	OTLPServiceNameVar = "OTEL_SERVICE_NAME"
)

// EnvName turns an endpoint name into an environment variable suffix.
func EnvName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

// ServiceVar is the service discovery variable for endpoint of ref.
func ServiceVar(ref, endpoint string) string {
	return fmt.Sprintf("services__%s__%s__0", resource.Key(ref), resource.Key(endpoint))
}

func endpointsOf(pc lifecycle.PhaseContext, name string) ([]resource.Endpoint, error) {
	eps, err := pc.Endpoints.Endpoints(name)
	if errors.Is(err, standarderrors.ErrUnknownResource) {
		return nil, nil
	}

	return eps, err
}

// setDefault sets key unless the manifest already did.
func setDefault(pc lifecycle.PhaseContext, spec resource.Spec, key, value string) error {
	if _, ok := spec.Env[key]; ok {
		return nil
	}

	return pc.Resources.SetEnvironment(spec.Name, key, value)
}

// PortEnvironment tells every resource where to listen. An endpoint with an
// EnvVar gets exactly that variable, otherwise a single endpoint becomes PORT
// and several become PORT_<NAME>.
func PortEnvironment() lifecycle.PhaseHook {
	return lifecycle.PhaseHookFunc("port-environment", func(_ context.Context, pc lifecycle.PhaseContext) error {
		specs, err := pc.Resources.Specs()
		if err != nil {
			return err
		}

		for _, spec := range specs {
			eps, err := endpointsOf(pc, spec.Name)
			if err != nil {
				return err
			}

			ports := make(map[string]uint16, len(eps))
			for _, ep := range eps {
				ports[resource.Key(ep.Name)] = ep.Port
			}

			for _, decl := range spec.Endpoints {
				port, ok := ports[resource.Key(decl.Name)]
				if !ok {
					continue
				}

				key := decl.EnvVar

				switch {
				case key != "":
				case len(spec.Endpoints) == 1:
					key = "PORT"
				default:
					key = "PORT_" + EnvName(decl.Name)
				}

				if err := setDefault(pc, spec, key, fmt.Sprintf("%d", port)); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

// ServiceDiscovery injects the URL of every endpoint of every referenced resource.
func ServiceDiscovery() lifecycle.PhaseHook {
	return lifecycle.PhaseHookFunc("service-discovery", func(_ context.Context, pc lifecycle.PhaseContext) error {
		specs, err := pc.Resources.Specs()
		if err != nil {
			return err
		}

		for _, spec := range specs {
			for _, ref := range spec.References {
				eps, err := endpointsOf(pc, ref)
				if err != nil {
					return err
				}

				for _, ep := range eps {
					if err := setDefault(pc, spec, ServiceVar(ref, ep.Name), ep.URL()); err != nil {
						return err
					}
				}
			}
		}

		return nil
	})
}

// OTLPExporter points project resources at the collector resource. An empty
// endpointName picks the collector's first endpoint. A collector without
// endpoints is logged and skipped.
func OTLPExporter(collector, endpointName string) lifecycle.PhaseHook {
	return lifecycle.PhaseHookFunc("otlp-exporter", func(_ context.Context, pc lifecycle.PhaseContext) error {
		eps, err := endpointsOf(pc, collector)
		if err != nil {
			return err
		}

		var target *resource.Endpoint

		for i := range eps {
			if endpointName == "" || resource.Key(eps[i].Name) == resource.Key(endpointName) {
				target = &eps[i]

				break
			}
		}

		if target == nil {
			pc.Logger.Warnw("otlp_collector_endpoint_missing", "collector", collector, "endpoint", endpointName)

			return nil
		}

		specs, err := pc.Resources.Specs()
		if err != nil {
			return err
		}

		for _, spec := range specs {
			if spec.Kind != resource.KindProject || spec.Key() == resource.Key(collector) {
				continue
			}

			if err := setDefault(pc, spec, OTLPEndpointVar, target.URL()); err != nil {
				return err
			}

			if err := setDefault(pc, spec, OTLPServiceNameVar, spec.Name); err != nil {
				return err
			}
		}

		return nil
	})
}

// StateLogger writes one structured line per transition.
func StateLogger(log *zap.SugaredLogger) lifecycle.StateHook {
	return lifecycle.StateHookFunc("state-logger", func(_ context.Context, ev resource.StateTransitionEvent) error {
		log.Infow("resource_state_changed",
			"resource", ev.Resource,
			"instance", ev.Instance,
			"from", ev.Previous.String(),
			"to", ev.New.String(),
			"sequence", ev.Sequence)

		return nil
	})
}

// LogRecorder adds every transition to the resource's captured log as a system line.
func LogRecorder(logs *logstore.Store) lifecycle.StateHook {
	return lifecycle.StateHookFunc("log-recorder", func(_ context.Context, ev resource.StateTransitionEvent) error {
		logs.Append(ev.Resource, logstore.System, fmt.Sprintf("instance %d: %s -> %s", ev.Instance, ev.Previous, ev.New))

		return nil
	})
}
