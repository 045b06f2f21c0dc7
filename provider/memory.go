package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/compute-wallet-billing/interfaces"
)

// Memory is an in-process provisioning API for development and tests.
type Memory struct {
	mu        sync.Mutex
	types     map[string]interfaces.InstanceType
	instances map[string]*interfaces.Instance
	order     []string
	launchErr error
	termErr   error
	listErr   error
	calls     map[string]int
}

// NewMemory creates a provider offering types.
func NewMemory(types ...interfaces.InstanceType) *Memory {
	m := &Memory{
		types:     make(map[string]interfaces.InstanceType),
		instances: make(map[string]*interfaces.Instance),
		calls:     make(map[string]int),
	}
	for _, t := range types {
		m.types[t.Name] = t
	}
	return m
}

// FailLaunches makes every following launch return err. Pass nil to reset.
func (m *Memory) FailLaunches(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launchErr = err
}

// FailTerminates makes every following terminate return err. Pass nil to reset.
func (m *Memory) FailTerminates(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.termErr = err
}

// FailListing makes ListInstances return err. Pass nil to reset.
func (m *Memory) FailListing(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// SetStatus overrides the API state of an instance.
func (m *Memory) SetStatus(id, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok {
		inst.Status = status
	}
}

// Calls returns how many times operation was invoked.
func (m *Memory) Calls(operation string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[operation]
}

// Instance returns a copy of the instance with id.
func (m *Memory) Instance(id string) (interfaces.Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return interfaces.Instance{}, false
	}
	return *inst, true
}

func (m *Memory) ListInstanceTypes(ctx context.Context) ([]interfaces.InstanceType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["list_instance_types"]++
	types := make([]interfaces.InstanceType, 0, len(m.types))
	for _, t := range m.types {
		types = append(types, t)
	}
	return types, nil
}

func (m *Memory) Launch(ctx context.Context, spec interfaces.LaunchSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["launch"]++
	if m.launchErr != nil {
		return "", m.launchErr
	}
	if _, ok := m.types[spec.InstanceType]; !ok {
		return "", fmt.Errorf("unknown instance type %q", spec.InstanceType)
	}
	id := uuid.NewString()
	m.instances[id] = &interfaces.Instance{
		ID:           id,
		Status:       StatusBooting,
		Name:         spec.Name,
		Region:       spec.Region,
		InstanceType: spec.InstanceType,
	}
	m.order = append(m.order, id)
	return id, nil
}

func (m *Memory) Terminate(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["terminate"]++
	if m.termErr != nil {
		return m.termErr
	}
	for _, id := range ids {
		inst, ok := m.instances[id]
		if !ok {
			return errors.New("instance not found: " + id)
		}
		inst.Status = StatusTerminated
	}
	return nil
}

func (m *Memory) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	m.calls["stop"]++
	m.mu.Unlock()
	return m.Terminate(ctx, []string{id})
}

func (m *Memory) ListInstances(ctx context.Context) ([]interfaces.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["list_instances"]++
	if m.listErr != nil {
		return nil, m.listErr
	}
	instances := make([]interfaces.Instance, 0, len(m.order))
	for _, id := range m.order {
		instances = append(instances, *m.instances[id])
	}
	return instances, nil
}
