package state

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Machine drives the deployment lifecycle for any number of stacks against
// one backend. Every method that saves state or records an audit event is
// serialised through a per-stack mutex, so persisted events are consistent
// with the in-memory resource states at the moment each call returns. The
// read, lock and resource-state accessors do not take the stack mutex.
type Machine struct {
	backend Backend
	logger  *slog.Logger
	user    string

	mu        sync.Mutex
	stackMus  map[string]*sync.Mutex
	resources map[string]map[string]ResourceState
	listeners []func(stack string, entry AuditEntry)
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithUser stamps audit entries and saved state with a user name.
func WithUser(user string) MachineOption {
	return func(m *Machine) { m.user = user }
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) { m.logger = logger }
}

// NewMachine creates a state machine over backend.
func NewMachine(backend Backend, opts ...MachineOption) *Machine {
	m := &Machine{
		backend:   backend,
		logger:    slog.Default().With("component", "state"),
		stackMus:  make(map[string]*sync.Mutex),
		resources: make(map[string]map[string]ResourceState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnAudit registers a listener invoked for every audit entry the machine
// emits. Used by the inspector's live stream.
func (m *Machine) OnAudit(fn func(stack string, entry AuditEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// runExclusive runs fn while holding the stack's mutex.
func (m *Machine) runExclusive(stack string, fn func() error) error {
	m.mu.Lock()
	mu, ok := m.stackMus[stack]
	if !ok {
		mu = &sync.Mutex{}
		m.stackMus[stack] = mu
	}
	m.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// StartDeployment persists the applying state for the node set and records
// the deploy_start event.
func (m *Machine) StartDeployment(ctx context.Context, stack string, nodes []Node) error {
	return m.runExclusive(stack, func() error {
		st := &DeploymentState{
			StackName:      stack,
			Nodes:          nodes,
			Status:         StatusApplying,
			LastDeployedAt: time.Now().UnixMilli(),
			User:           m.user,
		}
		if err := m.backend.SaveState(ctx, stack, st); err != nil {
			return err
		}
		m.appendAudit(ctx, stack, AuditEntry{
			Action:  AuditDeployStart,
			Details: map[string]any{"nodes": len(nodes)},
		})
		return nil
	})
}

// UpdateNodeOutputs rewrites one node's outputs in the persisted blob.
func (m *Machine) UpdateNodeOutputs(ctx context.Context, stack, id string, outputs map[string]any) error {
	return m.runExclusive(stack, func() error {
		st, err := m.backend.GetState(ctx, stack)
		if err != nil || st == nil {
			return err
		}
		if n := st.node(id); n != nil {
			n.Outputs = outputs
		}
		return m.backend.SaveState(ctx, stack, st)
	})
}

// AddApplying records an in-flight node ID for crash recovery.
func (m *Machine) AddApplying(ctx context.Context, stack, id string) error {
	return m.runExclusive(stack, func() error {
		st, err := m.backend.GetState(ctx, stack)
		if err != nil || st == nil {
			return err
		}
		if !slices.Contains(st.ApplyingNodeIDs, id) {
			st.ApplyingNodeIDs = append(st.ApplyingNodeIDs, id)
		}
		return m.backend.SaveState(ctx, stack, st)
	})
}

// RemoveApplying clears a node ID from the in-flight list.
func (m *Machine) RemoveApplying(ctx context.Context, stack, id string) error {
	return m.runExclusive(stack, func() error {
		st, err := m.backend.GetState(ctx, stack)
		if err != nil || st == nil {
			return err
		}
		st.ApplyingNodeIDs = slices.DeleteFunc(st.ApplyingNodeIDs, func(v string) bool { return v == id })
		return m.backend.SaveState(ctx, stack, st)
	})
}

// RecordResourceApplied marks a resource deployed in memory and appends the
// audit event.
func (m *Machine) RecordResourceApplied(ctx context.Context, stack, id string, outputs map[string]any) error {
	return m.runExclusive(stack, func() error {
		m.setResourceState(stack, id, ResourceDeployed)
		m.appendAudit(ctx, stack, AuditEntry{
			Action:  AuditResourceApplied,
			NodeID:  id,
			Details: map[string]any{"outputs": len(outputs)},
		})
		return nil
	})
}

// RecordResourceDestroyed drops the resource's in-memory state and appends
// the audit event.
func (m *Machine) RecordResourceDestroyed(ctx context.Context, stack, id string) error {
	return m.runExclusive(stack, func() error {
		m.mu.Lock()
		if res, ok := m.resources[stack]; ok {
			delete(res, id)
		}
		m.mu.Unlock()
		m.appendAudit(ctx, stack, AuditEntry{Action: AuditResourceDestroyed, NodeID: id})
		return nil
	})
}

// CompleteDeployment persists the deployed state and records the event.
func (m *Machine) CompleteDeployment(ctx context.Context, stack string, nodes []Node) error {
	return m.runExclusive(stack, func() error {
		st := &DeploymentState{
			StackName:      stack,
			Nodes:          nodes,
			Status:         StatusDeployed,
			LastDeployedAt: time.Now().UnixMilli(),
			User:           m.user,
		}
		if err := m.backend.SaveState(ctx, stack, st); err != nil {
			return err
		}
		m.appendAudit(ctx, stack, AuditEntry{
			Action:  AuditDeployComplete,
			Details: map[string]any{"nodes": len(nodes)},
		})
		return nil
	})
}

// FailDeployment persists the failed status and records the event.
func (m *Machine) FailDeployment(ctx context.Context, stack string, cause error) error {
	return m.runExclusive(stack, func() error {
		st, err := m.backend.GetState(ctx, stack)
		if err != nil {
			return err
		}
		if st == nil {
			st = &DeploymentState{StackName: stack, User: m.user}
		}
		st.Status = StatusFailed
		st.LastDeployedAt = time.Now().UnixMilli()
		if err := m.backend.SaveState(ctx, stack, st); err != nil {
			return err
		}
		details := map[string]any{}
		if cause != nil {
			details["error"] = cause.Error()
		}
		m.appendAudit(ctx, stack, AuditEntry{Action: AuditDeployFailed, Details: details})
		return nil
	})
}

// CanResume reports whether the stack's last run stopped mid-apply.
func (m *Machine) CanResume(ctx context.Context, stack string) (bool, error) {
	st, err := m.backend.GetState(ctx, stack)
	if err != nil || st == nil {
		return false, err
	}
	return st.Status == StatusApplying, nil
}

// LoadState returns the persisted state for the stack.
func (m *Machine) LoadState(ctx context.Context, stack string) (*DeploymentState, error) {
	return m.backend.GetState(ctx, stack)
}

// AcquireLock takes the stack's advisory lock when the backend supports
// locking; without support it always grants.
func (m *Machine) AcquireLock(ctx context.Context, stack, holder string, ttl time.Duration) (bool, error) {
	if l, ok := m.backend.(Locker); ok {
		return l.AcquireLock(ctx, stack, holder, ttl)
	}
	return true, nil
}

// ReleaseLock releases the stack's advisory lock if the backend supports
// locking.
func (m *Machine) ReleaseLock(ctx context.Context, stack string) error {
	if l, ok := m.backend.(Locker); ok {
		return l.ReleaseLock(ctx, stack)
	}
	return nil
}

// GetAuditLog reads the backend's audit log when it keeps one.
func (m *Machine) GetAuditLog(ctx context.Context, stack string, limit int) ([]AuditEntry, error) {
	if al, ok := m.backend.(AuditLogger); ok {
		return al.GetAuditLog(ctx, stack, limit)
	}
	return nil, nil
}

// SetResourceState sets a resource's in-memory lifecycle state.
func (m *Machine) SetResourceState(stack, id string, rs ResourceState) {
	m.setResourceState(stack, id, rs)
}

func (m *Machine) setResourceState(stack, id string, rs ResourceState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.resources[stack]
	if !ok {
		res = make(map[string]ResourceState)
		m.resources[stack] = res
	}
	res[id] = rs
}

// GetResourceState returns a resource's in-memory lifecycle state.
func (m *Machine) GetResourceState(stack, id string) ResourceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.resources[stack]; ok {
		if rs, ok := res[id]; ok {
			return rs
		}
	}
	return ResourcePending
}

// RehydrateResources seeds in-memory resource states from persisted nodes:
// a node that has outputs starts deployed.
func (m *Machine) RehydrateResources(stack string, nodes []Node) {
	for _, n := range nodes {
		switch {
		case n.State != "":
			m.setResourceState(stack, n.ID, n.State)
		case n.Outputs != nil:
			m.setResourceState(stack, n.ID, ResourceDeployed)
		default:
			m.setResourceState(stack, n.ID, ResourcePending)
		}
	}
}

// appendAudit stamps and forwards an entry to the backend (when it keeps an
// audit log) and to registered listeners. Audit failures are logged, never
// fatal.
func (m *Machine) appendAudit(ctx context.Context, stack string, entry AuditEntry) {
	entry.Timestamp = time.Now().UnixMilli()
	if entry.User == "" {
		entry.User = m.user
	}
	if al, ok := m.backend.(AuditLogger); ok {
		if err := al.AppendAuditLog(ctx, stack, entry); err != nil {
			m.logger.Error("audit append failed", "stack", stack, "action", entry.Action, "error", err)
		}
	}
	m.mu.Lock()
	listeners := make([]func(string, AuditEntry), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(stack, entry)
	}
}
