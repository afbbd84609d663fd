package state

import (
	"context"
	"testing"
	"time"
)

func TestFileBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if st, err := b.GetState(ctx, "missing"); err != nil || st != nil {
		t.Fatalf("missing stack = %v, %v; want nil, nil", st, err)
	}

	in := &DeploymentState{
		StackName: "prod",
		Status:    StatusDeployed,
		Nodes: []Node{
			{ID: "a", Path: []string{"a"}, Props: map[string]any{"x": 1.0}, Outputs: map[string]any{"y": "z"}},
		},
		LastDeployedAt: time.Now().UnixMilli(),
	}
	if err := b.SaveState(ctx, "prod", in); err != nil {
		t.Fatal(err)
	}

	out, err := b.GetState(ctx, "prod")
	if err != nil {
		t.Fatal(err)
	}
	if out.StackName != "prod" || out.Status != StatusDeployed {
		t.Errorf("round trip = %+v", out)
	}
	if len(out.Nodes) != 1 || out.Nodes[0].Outputs["y"] != "z" {
		t.Errorf("nodes = %+v", out.Nodes)
	}
}

func TestFileBackendAuditAppend(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		entry := AuditEntry{Timestamp: int64(i), Action: AuditResourceApplied, NodeID: "n"}
		if err := b.AppendAuditLog(ctx, "s", entry); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := b.GetAuditLog(ctx, "s", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}

	limited, _ := b.GetAuditLog(ctx, "s", 2)
	if len(limited) != 2 || limited[0].Timestamp != 1 {
		t.Errorf("limited = %+v", limited)
	}
}

func TestFileBackendLockExpiry(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	ok, err := b.AcquireLock(ctx, "s", "a", 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}
	ok, _ = b.AcquireLock(ctx, "s", "b", time.Minute)
	if ok {
		t.Fatal("unexpired lock must deny a second holder")
	}

	time.Sleep(20 * time.Millisecond)
	ok, err = b.AcquireLock(ctx, "s", "b", time.Minute)
	if err != nil || !ok {
		t.Errorf("expired lock must be stealable: %v, %v", ok, err)
	}
}
