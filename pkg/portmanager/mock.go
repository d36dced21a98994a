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

package portmanager

import (
	"context"
	"strings"
	"sync"

	"github.com/united-manufacturing-hub/apphost/pkg/resource"
)

// MockPortManager is a deterministic PortManager for tests. Ports start at 9000.
type MockPortManager struct {
	AllocatePortError      error
	ReleasePortError       error
	ReservePortError       error
	AllocateEndpointsError error
	Ports                  map[string]uint16
	AllocatedPorts         map[uint16]string
	sync.Mutex
	nextPort               uint16
	AllocatePortCalled     bool
	ReleasePortCalled      bool
	ReservePortCalled      bool
	AllocateEndpointsCalls int
	ReleaseResourceCalls   int
}

// Ensure MockPortManager implements PortManager
var _ PortManager = (*MockPortManager)(nil)

// NewMockPortManager creates a new MockPortManager
func NewMockPortManager() *MockPortManager {
	return &MockPortManager{
		Ports:          make(map[string]uint16),
		AllocatedPorts: make(map[uint16]string),
		nextPort:       9000,
	}
}

func (m *MockPortManager) allocateLocked(owner string) uint16 {
	if port, ok := m.Ports[owner]; ok {
		return port
	}

	for {
		port := m.nextPort
		m.nextPort++

		if _, taken := m.AllocatedPorts[port]; !taken {
			m.Ports[owner] = port
			m.AllocatedPorts[port] = owner

			return port
		}
	}
}

// AllocatePort allocates the next free mock port.
func (m *MockPortManager) AllocatePort(_ context.Context, owner string) (uint16, error) {
	m.Lock()
	defer m.Unlock()

	m.AllocatePortCalled = true

	if m.AllocatePortError != nil {
		return 0, m.AllocatePortError
	}

	return m.allocateLocked(owner), nil
}

// ReservePort pins port for owner.
func (m *MockPortManager) ReservePort(_ context.Context, owner string, port uint16) error {
	m.Lock()
	defer m.Unlock()

	m.ReservePortCalled = true

	if m.ReservePortError != nil {
		return m.ReservePortError
	}

	if existing, ok := m.AllocatedPorts[port]; ok && existing != owner {
		return ErrPortInUse
	}

	m.Ports[owner] = port
	m.AllocatedPorts[port] = owner

	return nil
}

// GetPort returns the port of owner.
func (m *MockPortManager) GetPort(owner string) (uint16, bool) {
	m.Lock()
	defer m.Unlock()

	port, ok := m.Ports[owner]

	return port, ok
}

// ReleasePort frees the port of owner.
func (m *MockPortManager) ReleasePort(owner string) error {
	m.Lock()
	defer m.Unlock()

	m.ReleasePortCalled = true

	if m.ReleasePortError != nil {
		return m.ReleasePortError
	}

	if port, ok := m.Ports[owner]; ok {
		delete(m.Ports, owner)
		delete(m.AllocatedPorts, port)
	}

	return nil
}

// AllocateEndpoints allocates mock ports for every endpoint without binding anything.
func (m *MockPortManager) AllocateEndpoints(_ context.Context, resourceName string, specs []resource.EndpointSpec) ([]resource.Endpoint, error) {
	m.Lock()
	defer m.Unlock()

	m.AllocateEndpointsCalls++

	if m.AllocateEndpointsError != nil {
		return nil, m.AllocateEndpointsError
	}

	endpoints := make([]resource.Endpoint, 0, len(specs))

	for _, spec := range specs {
		owner := Owner(resourceName, spec.Name)

		port := spec.Port
		if port != 0 {
			if existing, ok := m.AllocatedPorts[port]; ok && existing != owner {
				return nil, ErrPortInUse
			}

			m.Ports[owner] = port
			m.AllocatedPorts[port] = owner
		} else {
			port = m.allocateLocked(owner)
		}

		endpoints = append(endpoints, resource.Endpoint{Name: spec.Name, Scheme: spec.Scheme, Host: DefaultHost, Port: port})
	}

	return endpoints, nil
}

// ReleaseResource frees every mock port of resourceName.
func (m *MockPortManager) ReleaseResource(resourceName string) int {
	m.Lock()
	defer m.Unlock()

	m.ReleaseResourceCalls++

	prefix := resource.Key(resourceName) + "/"
	released := 0

	for owner, port := range m.Ports {
		if strings.HasPrefix(owner, prefix) {
			delete(m.Ports, owner)
			delete(m.AllocatedPorts, port)

			released++
		}
	}

	return released
}
