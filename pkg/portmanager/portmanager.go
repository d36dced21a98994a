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

// Package portmanager allocates host ports for resource endpoints
package portmanager

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/pkg/constants"
	"github.com/united-manufacturing-hub/apphost/pkg/logger"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
)

// ErrPortInUse is returned when a port is already held by another owner.
var ErrPortInUse = errors.New("port is already in use by another endpoint")

// DefaultHost is the host every allocated endpoint is reachable on.
const DefaultHost = "localhost"

// PortManager hands out host ports. Owners are "<resource>/<endpoint>" pairs, see Owner.
type PortManager interface {
	// AllocatePort allocates a port for owner and returns it.
	// Returns the existing port if owner already holds one.
	AllocatePort(ctx context.Context, owner string) (uint16, error)

	// ReservePort pins a specific port for owner.
	// Returns an error if the port is held by another owner or cannot be bound.
	ReservePort(ctx context.Context, owner string, port uint16) error

	// GetPort retrieves the port of owner.
	GetPort(owner string) (uint16, bool)

	// ReleasePort frees the port of owner.
	ReleasePort(owner string) error

	// AllocateEndpoints allocates every declared endpoint of a resource, honouring fixed ports.
	// Either all endpoints are allocated or none.
	AllocateEndpoints(ctx context.Context, resourceName string, specs []resource.EndpointSpec) ([]resource.Endpoint, error)

	// ReleaseResource frees every port held by a resource and returns how many were freed.
	ReleaseResource(resourceName string) int
}

// Owner builds the owner key of one endpoint.
func Owner(resourceName, endpointName string) string {
	return resource.Key(resourceName) + "/" + resource.Key(endpointName)
}

// DefaultPortManager randomly selects ports from a fixed service port range
// (20000-32767) below the OS ephemeral range, so the kernel does not hand the
// same port to an outgoing connection between allocation and startup.
type DefaultPortManager struct {
	// ownerToPort maps owners to their allocated ports
	ownerToPort map[string]uint16

	// portToOwner maps ports to owners for reverse lookup
	portToOwner map[uint16]string

	mutex sync.RWMutex

	minPort uint16
	maxPort uint16

	// probe verifies that a port can be bound. Replaced in tests.
	probe func(ctx context.Context, port uint16) error

	logger *zap.SugaredLogger
}

var _ PortManager = (*DefaultPortManager)(nil)

// NewDefaultPortManager creates a port manager for the default service range.
func NewDefaultPortManager(log *zap.SugaredLogger) *DefaultPortManager {
	return NewPortManagerWithRange(constants.PortRangeStart, constants.PortRangeEnd, log)
}

// NewPortManagerWithRange creates a port manager allocating from [minPort, maxPort].
func NewPortManagerWithRange(minPort, maxPort uint16, log *zap.SugaredLogger) *DefaultPortManager {
	return &DefaultPortManager{
		ownerToPort: make(map[string]uint16),
		portToOwner: make(map[uint16]string),
		minPort:     minPort,
		maxPort:     maxPort,
		probe:       bindProbe,
		logger:      logger.OrDefault(log, logger.ComponentPortManager),
	}
}

func bindProbe(ctx context.Context, port uint16) error {
	lc := &net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}

	return listener.Close()
}

// AllocatePort allocates an available port using random selection from the
// configured range with collision detection and retries.
func (pm *DefaultPortManager) AllocatePort(ctx context.Context, owner string) (uint16, error) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	return pm.allocateLocked(ctx, owner)
}

func (pm *DefaultPortManager) allocateLocked(ctx context.Context, owner string) (uint16, error) {
	if port, exists := pm.ownerToPort[owner]; exists {
		return port, nil
	}

	const maxRetries = 10

	for range maxRetries {
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("port allocation cancelled: %w", ctx.Err())
		default:
		}

		portRange := int(pm.maxPort) - int(pm.minPort) + 1
		port := pm.minPort + uint16(rand.IntN(portRange))

		if _, taken := pm.portToOwner[port]; taken {
			continue
		}

		if err := pm.probe(ctx, port); err != nil {
			continue
		}

		pm.ownerToPort[owner] = port
		pm.portToOwner[port] = owner

		return port, nil
	}

	return 0, fmt.Errorf("failed to allocate port for %s after %d attempts", owner, maxRetries)
}

// ReservePort pins port for owner. Ports outside the managed range are allowed
// so fixed endpoints such as 8080 keep working; they are still probed.
func (pm *DefaultPortManager) ReservePort(ctx context.Context, owner string, port uint16) error {
	if port == 0 {
		return errors.New("invalid port 0")
	}

	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	return pm.reserveLocked(ctx, owner, port)
}

func (pm *DefaultPortManager) reserveLocked(ctx context.Context, owner string, port uint16) error {
	if existing, exists := pm.portToOwner[port]; exists {
		if existing != owner {
			return fmt.Errorf("%w: port %d is held by %s", ErrPortInUse, port, existing)
		}

		return nil
	}

	if existingPort, exists := pm.ownerToPort[owner]; exists && existingPort != port {
		return fmt.Errorf("%s already has port %d allocated", owner, existingPort)
	}

	if err := pm.probe(ctx, port); err != nil {
		return fmt.Errorf("port %d is not available: %w", port, err)
	}

	pm.ownerToPort[owner] = port
	pm.portToOwner[port] = owner

	return nil
}

// GetPort retrieves the port of owner.
func (pm *DefaultPortManager) GetPort(owner string) (uint16, bool) {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()

	port, exists := pm.ownerToPort[owner]

	return port, exists
}

// ReleasePort frees the port of owner.
func (pm *DefaultPortManager) ReleasePort(owner string) error {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	port, exists := pm.ownerToPort[owner]
	if !exists {
		return fmt.Errorf("%s has no allocated port", owner)
	}

	delete(pm.ownerToPort, owner)
	delete(pm.portToOwner, port)

	return nil
}

// AllocateEndpoints allocates fixed ports first, then random ones. On failure
// every port taken by this call is released again.
func (pm *DefaultPortManager) AllocateEndpoints(ctx context.Context, resourceName string, specs []resource.EndpointSpec) ([]resource.Endpoint, error) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	var taken []string

	rollback := func() {
		for _, owner := range taken {
			port := pm.ownerToPort[owner]
			delete(pm.ownerToPort, owner)
			delete(pm.portToOwner, port)
		}
	}

	ports := make([]uint16, len(specs))

	// Fixed ports first so random picks cannot collide with them.
	for i, spec := range specs {
		if spec.Port == 0 {
			continue
		}

		owner := Owner(resourceName, spec.Name)
		_, had := pm.ownerToPort[owner]

		if err := pm.reserveLocked(ctx, owner, spec.Port); err != nil {
			rollback()

			return nil, fmt.Errorf("endpoint %q of %q: %w", spec.Name, resourceName, err)
		}

		if !had {
			taken = append(taken, owner)
		}

		ports[i] = spec.Port
	}

	for i, spec := range specs {
		if spec.Port != 0 {
			continue
		}

		owner := Owner(resourceName, spec.Name)
		_, had := pm.ownerToPort[owner]

		port, err := pm.allocateLocked(ctx, owner)
		if err != nil {
			rollback()

			return nil, fmt.Errorf("endpoint %q of %q: %w", spec.Name, resourceName, err)
		}

		if !had {
			taken = append(taken, owner)
		}

		ports[i] = port
	}

	endpoints := make([]resource.Endpoint, len(specs))
	for i, spec := range specs {
		endpoints[i] = resource.Endpoint{Name: spec.Name, Scheme: spec.Scheme, Host: DefaultHost, Port: ports[i]}
	}

	pm.logger.Debugw("endpoints_allocated", "resource", resourceName, "endpoints", len(endpoints))

	return endpoints, nil
}

// ReleaseResource frees every port held by resourceName.
func (pm *DefaultPortManager) ReleaseResource(resourceName string) int {
	prefix := resource.Key(resourceName) + "/"

	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	released := 0

	for owner, port := range pm.ownerToPort {
		if strings.HasPrefix(owner, prefix) {
			delete(pm.ownerToPort, owner)
			delete(pm.portToOwner, port)

			released++
		}
	}

	return released
}
