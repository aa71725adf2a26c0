package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/ExtensionOS/backend/internal/capability"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/logging"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/shared/id"
)

// Info is the listable summary of one running instance.
type Info struct {
	InstanceID string    `json:"instanceId"`
	State      State     `json:"state"`
	Commands   []string  `json:"commands"`
	Tools      []ToolDef `json:"tools"`
}

// Manager owns every extension instance in the process.
type Manager struct {
	deps Deps
	log  *logging.Logger

	mu       sync.RWMutex
	runtimes map[string]*Runtime
}

// NewManager creates an instance manager around shared collaborators.
func NewManager(deps Deps) *Manager {
	log := deps.Log
	if log == nil {
		log = logging.NewNop()
	}
	return &Manager{
		deps:     deps,
		log:      log.Named("manager"),
		runtimes: make(map[string]*Runtime),
	}
}

// Launch starts an extension from source with the given capability list and
// waits for it to become ready. A failed activation leaves nothing behind.
func (m *Manager) Launch(ctx context.Context, source string, capabilities []string) (*Runtime, error) {
	if source == "" {
		return nil, fmt.Errorf("extension source is required")
	}

	instanceID := id.NewInstanceID().String()
	rt, err := New(instanceID, source, capability.FromList(capabilities), m.deps)
	if err != nil {
		return nil, err
	}
	if err := rt.WaitReady(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.runtimes[instanceID] = rt
	count := len(m.runtimes)
	m.mu.Unlock()

	if m.deps.Metrics != nil {
		m.deps.Metrics.IncRuntimesTotal()
		m.deps.Metrics.SetRuntimesActive(count)
	}
	m.log.Info("extension launched",
		zap.String("instance_id", instanceID),
		zap.Strings("capabilities", capabilities),
	)
	return rt, nil
}

// Get returns a running instance.
func (m *Manager) Get(instanceID string) (*Runtime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.runtimes[instanceID]
	return rt, ok
}

// List summarizes all running instances, sorted by id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	runtimes := make([]*Runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		runtimes = append(runtimes, rt)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(runtimes))
	for _, rt := range runtimes {
		out = append(out, Info{
			InstanceID: rt.ID(),
			State:      rt.State(),
			Commands:   rt.Commands(),
			Tools:      rt.Tools(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Dispose tears one instance down and forgets it.
func (m *Manager) Dispose(instanceID string, graceful bool) error {
	m.mu.Lock()
	rt, ok := m.runtimes[instanceID]
	if ok {
		delete(m.runtimes, instanceID)
	}
	count := len(m.runtimes)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown instance %q", instanceID)
	}

	rt.Dispose(graceful)
	if m.deps.Metrics != nil {
		m.deps.Metrics.SetRuntimesActive(count)
	}
	m.log.Info("extension disposed", zap.String("instance_id", instanceID))
	return nil
}

// DisposeAll tears everything down, for shutdown.
func (m *Manager) DisposeAll(graceful bool) {
	m.mu.Lock()
	runtimes := m.runtimes
	m.runtimes = make(map[string]*Runtime)
	m.mu.Unlock()

	for _, rt := range runtimes {
		rt.Dispose(graceful)
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.SetRuntimesActive(0)
	}
}
