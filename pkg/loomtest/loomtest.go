// Package loomtest provides a harness for testing loom programs: an
// in-memory backend, a rendered runtime and helpers that block until the
// runtime is ready or settled.
package loomtest

import (
	"context"
	"testing"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/pkg/state"
	"github.com/loomworks/loom/pkg/tree"
)

// DefaultTimeout bounds every wait helper.
const DefaultTimeout = 5 * time.Second

// Harness binds a runtime handle to its backend for assertions.
type Harness struct {
	t       *testing.T
	Handle  *loom.Handle
	Backend *state.MemoryBackend
	Stack   string
}

// Run renders fn against a fresh in-memory backend and registers disposal
// with the test's cleanup.
func Run(t *testing.T, stack string, fn func() *tree.Element, opts ...loom.Option) *Harness {
	t.Helper()
	backend := state.NewMemoryBackend()
	return RunWith(t, backend, stack, fn, opts...)
}

// RunWith renders fn against an existing backend, which crash-recovery
// tests reuse across runtimes.
func RunWith(t *testing.T, backend *state.MemoryBackend, stack string, fn func() *tree.Element, opts ...loom.Option) *Harness {
	t.Helper()
	handle := loom.Render(fn, backend, stack, opts...)
	t.Cleanup(handle.Dispose)
	return &Harness{t: t, Handle: handle, Backend: backend, Stack: stack}
}

// Ready fails the test if the initial deployment does not complete.
func (h *Harness) Ready() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := h.Handle.Ready(ctx); err != nil {
		h.t.Fatalf("runtime not ready: %v", err)
	}
}

// ReadyErr waits for the initial deployment and returns its error.
func (h *Harness) ReadyErr() error {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	return h.Handle.Ready(ctx)
}

// Settled fails the test if the runtime does not go quiet.
func (h *Harness) Settled() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := h.Handle.Settled(ctx); err != nil {
		h.t.Fatalf("runtime not settled: %v", err)
	}
}

// State loads the persisted deployment state.
func (h *Harness) State() *state.DeploymentState {
	h.t.Helper()
	st, err := h.Backend.GetState(context.Background(), h.Stack)
	if err != nil {
		h.t.Fatalf("load state: %v", err)
	}
	return st
}

// Node returns the persisted node with the given ID, failing if absent.
func (h *Harness) Node(id string) state.Node {
	h.t.Helper()
	st := h.State()
	if st == nil {
		h.t.Fatalf("no persisted state for stack %s", h.Stack)
	}
	for _, n := range st.Nodes {
		if n.ID == id {
			return n
		}
	}
	h.t.Fatalf("node %s not persisted; have %d nodes", id, len(st.Nodes))
	return state.Node{}
}

// Audit returns the backend's audit log.
func (h *Harness) Audit() []state.AuditEntry {
	h.t.Helper()
	entries, err := h.Backend.GetAuditLog(context.Background(), h.Stack, 0)
	if err != nil {
		h.t.Fatalf("load audit log: %v", err)
	}
	return entries
}
