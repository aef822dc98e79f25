package approval

import (
	"testing"
	"time"

	"github.com/conductorhq/conductor/pkg/workflow"
)

func TestCreate_ThenApprove(t *testing.T) {
	m := New(nil)
	now := time.Now()
	req := m.Create("run-1", workflow.ToolDescriptor{Name: "deploy"}, workflow.ExecutionContext{AgentRole: "sre"}, time.Minute, now)

	if req.Status != workflow.ApprovalPending {
		t.Fatalf("Status = %v, want PENDING", req.Status)
	}

	resolved, err := m.Approve(req.ApprovalID, "alice", now.Add(time.Second))
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if resolved.Status != workflow.ApprovalApproved || resolved.ResolvedBy != "alice" {
		t.Fatalf("resolved = %+v", resolved)
	}
}

func TestApprove_AlreadyResolvedErrors(t *testing.T) {
	m := New(nil)
	now := time.Now()
	req := m.Create("run-1", workflow.ToolDescriptor{Name: "deploy"}, workflow.ExecutionContext{}, time.Minute, now)
	if _, err := m.Reject(req.ApprovalID, "bob", "too risky", now); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if _, err := m.Approve(req.ApprovalID, "alice", now); err == nil {
		t.Fatalf("Approve on a rejected request succeeded, want error")
	}
}

func TestGet_LazyExpiration(t *testing.T) {
	m := New(nil)
	now := time.Now()
	req := m.Create("run-1", workflow.ToolDescriptor{Name: "deploy"}, workflow.ExecutionContext{}, time.Minute, now)

	later := now.Add(2 * time.Minute)
	got, err := m.Get(req.ApprovalID, later)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != workflow.ApprovalExpired {
		t.Fatalf("Status = %v, want EXPIRED after ExpiresAt elapses", got.Status)
	}
}

func TestGetPending_ExcludesExpiredAndResolved(t *testing.T) {
	m := New(nil)
	now := time.Now()
	pending := m.Create("run-1", workflow.ToolDescriptor{Name: "a"}, workflow.ExecutionContext{}, time.Hour, now)
	expiring := m.Create("run-1", workflow.ToolDescriptor{Name: "b"}, workflow.ExecutionContext{}, time.Millisecond, now)
	resolved := m.Create("run-1", workflow.ToolDescriptor{Name: "c"}, workflow.ExecutionContext{}, time.Hour, now)
	if _, err := m.Approve(resolved.ApprovalID, "alice", now); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	later := now.Add(time.Second)
	got := m.GetPending(later)
	if len(got) != 1 || got[0].ApprovalID != pending.ApprovalID {
		t.Fatalf("GetPending = %+v, want only %s", got, pending.ApprovalID)
	}
	_ = expiring
}

func TestCancelRun_CancelsOnlyPending(t *testing.T) {
	m := New(nil)
	now := time.Now()
	pending := m.Create("run-1", workflow.ToolDescriptor{Name: "a"}, workflow.ExecutionContext{}, time.Hour, now)
	resolved := m.Create("run-1", workflow.ToolDescriptor{Name: "b"}, workflow.ExecutionContext{}, time.Hour, now)
	if _, err := m.Approve(resolved.ApprovalID, "alice", now); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	n := m.CancelRun("run-1", now)
	if n != 1 {
		t.Fatalf("CancelRun cancelled %d, want 1", n)
	}

	got, _ := m.Get(pending.ApprovalID, now)
	if got.Status != workflow.ApprovalCancelled {
		t.Fatalf("Status = %v, want CANCELLED", got.Status)
	}
	got, _ = m.Get(resolved.ApprovalID, now)
	if got.Status != workflow.ApprovalApproved {
		t.Fatalf("Status = %v, want still APPROVED", got.Status)
	}
}

func TestStats(t *testing.T) {
	m := New(nil)
	now := time.Now()
	a := m.Create("run-1", workflow.ToolDescriptor{Name: "a"}, workflow.ExecutionContext{}, time.Hour, now)
	m.Create("run-1", workflow.ToolDescriptor{Name: "b"}, workflow.ExecutionContext{}, time.Hour, now)
	if _, err := m.Approve(a.ApprovalID, "alice", now); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	s := m.Stats(now)
	if s.Approved != 1 || s.Pending != 1 {
		t.Fatalf("Stats = %+v, want 1 approved, 1 pending", s)
	}
}

func TestClearRun_RemovesFromStore(t *testing.T) {
	m := New(nil)
	now := time.Now()
	req := m.Create("run-1", workflow.ToolDescriptor{Name: "a"}, workflow.ExecutionContext{}, time.Hour, now)
	m.ClearRun("run-1")

	if _, err := m.Get(req.ApprovalID, now); err == nil {
		t.Fatalf("Get after ClearRun succeeded, want not-found error")
	}
}
