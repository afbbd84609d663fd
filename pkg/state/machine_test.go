package state

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testNodes() []Node {
	return []Node{
		{ID: "db-primary", Path: []string{"db-primary"}, Props: map[string]any{"size": "m"}},
		{ID: "api-main", Path: []string{"api-main"}, Props: map[string]any{"replicas": 2}},
	}
}

func TestDeploymentLifecycle(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	m := NewMachine(backend, WithUser("tester"))

	if err := m.StartDeployment(ctx, "prod", testNodes()); err != nil {
		t.Fatalf("start: %v", err)
	}

	st, err := backend.GetState(ctx, "prod")
	if err != nil || st == nil {
		t.Fatalf("state after start: %v %v", st, err)
	}
	if st.Status != StatusApplying {
		t.Errorf("status = %s, want applying", st.Status)
	}
	if st.User != "tester" {
		t.Errorf("user = %q", st.User)
	}

	can, err := m.CanResume(ctx, "prod")
	if err != nil || !can {
		t.Errorf("CanResume during apply = %v, %v; want true", can, err)
	}

	if err := m.CompleteDeployment(ctx, "prod", testNodes()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	can, _ = m.CanResume(ctx, "prod")
	if can {
		t.Error("CanResume after complete must be false")
	}

	st, _ = backend.GetState(ctx, "prod")
	if st.Status != StatusDeployed {
		t.Errorf("status = %s, want deployed", st.Status)
	}
}

func TestApplyingNodeIDs(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	m := NewMachine(backend)

	if err := m.StartDeployment(ctx, "s", testNodes()); err != nil {
		t.Fatal(err)
	}
	if err := m.AddApplying(ctx, "s", "db-primary"); err != nil {
		t.Fatal(err)
	}
	if err := m.AddApplying(ctx, "s", "db-primary"); err != nil {
		t.Fatal(err)
	}
	if err := m.AddApplying(ctx, "s", "api-main"); err != nil {
		t.Fatal(err)
	}

	st, _ := backend.GetState(ctx, "s")
	if len(st.ApplyingNodeIDs) != 2 {
		t.Errorf("applying ids = %v, want 2 unique entries", st.ApplyingNodeIDs)
	}

	if err := m.RemoveApplying(ctx, "s", "db-primary"); err != nil {
		t.Fatal(err)
	}
	st, _ = backend.GetState(ctx, "s")
	if len(st.ApplyingNodeIDs) != 1 || st.ApplyingNodeIDs[0] != "api-main" {
		t.Errorf("applying ids after remove = %v", st.ApplyingNodeIDs)
	}
}

func TestUpdateNodeOutputs(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	m := NewMachine(backend)

	if err := m.StartDeployment(ctx, "s", testNodes()); err != nil {
		t.Fatal(err)
	}
	outputs := map[string]any{"endpoint": "db:5432"}
	if err := m.UpdateNodeOutputs(ctx, "s", "db-primary", outputs); err != nil {
		t.Fatal(err)
	}

	st, _ := backend.GetState(ctx, "s")
	n := st.node("db-primary")
	if n == nil || n.Outputs["endpoint"] != "db:5432" {
		t.Errorf("persisted outputs = %v", n)
	}
}

func TestFailDeployment(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	m := NewMachine(backend)

	if err := m.StartDeployment(ctx, "s", testNodes()); err != nil {
		t.Fatal(err)
	}
	if err := m.FailDeployment(ctx, "s", errors.New("provider exploded")); err != nil {
		t.Fatal(err)
	}

	st, _ := backend.GetState(ctx, "s")
	if st.Status != StatusFailed {
		t.Errorf("status = %s, want failed", st.Status)
	}

	entries, _ := backend.GetAuditLog(ctx, "s", 0)
	last := entries[len(entries)-1]
	if last.Action != AuditDeployFailed {
		t.Errorf("last audit action = %s", last.Action)
	}
	if last.Details["error"] != "provider exploded" {
		t.Errorf("audit details = %v", last.Details)
	}
}

func TestResourceStatesAndRehydration(t *testing.T) {
	m := NewMachine(NewMemoryBackend())

	if got := m.GetResourceState("s", "x"); got != ResourcePending {
		t.Errorf("unknown resource = %s, want pending", got)
	}

	m.SetResourceState("s", "x", ResourceApplying)
	if got := m.GetResourceState("s", "x"); got != ResourceApplying {
		t.Errorf("state = %s", got)
	}

	m.RehydrateResources("s", []Node{
		{ID: "with-outputs", Outputs: map[string]any{"a": 1}},
		{ID: "bare"},
		{ID: "explicit", State: ResourceFailed},
	})
	if got := m.GetResourceState("s", "with-outputs"); got != ResourceDeployed {
		t.Errorf("node with outputs = %s, want deployed", got)
	}
	if got := m.GetResourceState("s", "bare"); got != ResourcePending {
		t.Errorf("bare node = %s, want pending", got)
	}
	if got := m.GetResourceState("s", "explicit"); got != ResourceFailed {
		t.Errorf("explicit state = %s, want failed", got)
	}
}

func TestAuditEventsAndListeners(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	m := NewMachine(backend)

	var heard []AuditAction
	m.OnAudit(func(stack string, entry AuditEntry) {
		heard = append(heard, entry.Action)
	})

	if err := m.StartDeployment(ctx, "s", testNodes()); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordResourceApplied(ctx, "s", "db-primary", map[string]any{"a": 1}); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordResourceDestroyed(ctx, "s", "db-primary"); err != nil {
		t.Fatal(err)
	}
	if err := m.CompleteDeployment(ctx, "s", nil); err != nil {
		t.Fatal(err)
	}

	want := []AuditAction{AuditDeployStart, AuditResourceApplied, AuditResourceDestroyed, AuditDeployComplete}
	if len(heard) != len(want) {
		t.Fatalf("heard %v, want %v", heard, want)
	}
	for i := range want {
		if heard[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, heard[i], want[i])
		}
	}

	entries, _ := backend.GetAuditLog(ctx, "s", 2)
	if len(entries) != 2 {
		t.Errorf("limited audit log returned %d entries", len(entries))
	}
}

func TestMemoryBackendLocking(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	ok, err := b.AcquireLock(ctx, "s", "holder-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	ok, _ = b.AcquireLock(ctx, "s", "holder-b", time.Minute)
	if ok {
		t.Error("second holder must be denied")
	}
	ok, _ = b.AcquireLock(ctx, "s", "holder-a", time.Minute)
	if !ok {
		t.Error("re-entrant acquire by the same holder must succeed")
	}

	if err := b.ReleaseLock(ctx, "s"); err != nil {
		t.Fatal(err)
	}
	ok, _ = b.AcquireLock(ctx, "s", "holder-b", time.Minute)
	if !ok {
		t.Error("acquire after release must succeed")
	}
}

func TestMachineLockPassthrough(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(NewMemoryBackend())

	ok, err := m.AcquireLock(ctx, "s", "me", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire via machine = %v, %v", ok, err)
	}
	if err := m.ReleaseLock(ctx, "s"); err != nil {
		t.Fatal(err)
	}
}
