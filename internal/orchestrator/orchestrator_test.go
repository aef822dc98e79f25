package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/conductorhq/conductor/internal/agentcache"
	"github.com/conductorhq/conductor/internal/approval"
	"github.com/conductorhq/conductor/internal/capability"
	"github.com/conductorhq/conductor/internal/catalog"
	"github.com/conductorhq/conductor/internal/executor"
	"github.com/conductorhq/conductor/internal/modelbackend"
	"github.com/conductorhq/conductor/internal/policyengine"
	"github.com/conductorhq/conductor/internal/workflowstore"
	"github.com/conductorhq/conductor/pkg/workflow"
)

type harness struct {
	orch     *Orchestrator
	tools    *catalog.StaticClient
	backend  *modelbackend.FakeBackend
	policy   *policyengine.PolicyEngine
	approvals *approval.Manager
	clock    time.Time
}

func newHarness(t *testing.T, toolOK bool) *harness {
	t.Helper()

	tools := catalog.NewStaticClient()
	if err := tools.Register(workflow.ToolDescriptor{Name: "deploy_service"}, func(ctx context.Context, params workflow.Values) (catalog.ExecuteResult, error) {
		if toolOK {
			return catalog.ExecuteResult{OK: true, Data: "deployed"}, nil
		}
		return catalog.ExecuteResult{OK: false, Error: "deploy target unreachable"}, nil
	}); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	capReg := capability.New(tools, nil)
	agents := agentcache.New([]agentcache.RoleConfig{{Role: "sre", Model: "test-model"}}, nil)
	backend := &modelbackend.FakeBackend{
		Proposal: workflow.ActionProposal{Action: "deploy_service", Reason: "rollout"},
	}
	policy := policyengine.New(nil, nil, nil)
	approvals := approval.New(nil)
	store := workflowstore.New()

	idCounter := 0
	clock := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	orch := New(store, capReg, agents, backend, policy, approvals, tools, Config{
		Roles: map[string]RoleSettings{"sre": {Model: "test-model"}},
		Retry: executor.Retry{MaxAttempts: 1, Delay: 0},
	}, WithNow(func() time.Time { return clock }), WithIDGenerator(func() string {
		idCounter++
		return "run-test"
	}))

	return &harness{orch: orch, tools: tools, backend: backend, policy: policy, approvals: approvals, clock: clock}
}

func TestRun_SucceedsWithoutApproval(t *testing.T) {
	h := newHarness(t, true)

	runID, state, err := h.orch.Run(context.Background(), workflow.ExecutionContext{
		TaskDescription: "roll out the new build",
		AgentRole:       "sre",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status.State != workflow.StateSucceeded {
		t.Fatalf("final status = %+v, want SUCCEEDED", state.Status)
	}
	if len(state.Executions) != 1 || !state.Executions[0].OK {
		t.Fatalf("Executions = %+v, want one successful record", state.Executions)
	}

	status, err := h.orch.Status(runID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status.State != workflow.StateSucceeded {
		t.Fatalf("Status().State = %v", status.Status.State)
	}
}

func TestRun_SucceedsEvenWhenToolExecutionFails(t *testing.T) {
	h := newHarness(t, false)

	_, state, err := h.orch.Run(context.Background(), workflow.ExecutionContext{
		TaskDescription: "roll out the new build",
		AgentRole:       "sre",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status.State != workflow.StateSucceeded {
		t.Fatalf("final status = %+v, want SUCCEEDED (tool failure is non-fatal)", state.Status)
	}
	if len(state.Executions) != 1 || state.Executions[0].OK {
		t.Fatalf("Executions = %+v, want one failed record", state.Executions)
	}
}

func TestRun_UnknownRoleFails(t *testing.T) {
	h := newHarness(t, true)

	_, state, err := h.orch.Run(context.Background(), workflow.ExecutionContext{
		TaskDescription: "do something",
		AgentRole:       "unregistered",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status.State != workflow.StateFailed {
		t.Fatalf("final status = %+v, want FAILED", state.Status)
	}
}

func TestRun_PolicyRejectsDeniedTool(t *testing.T) {
	h := newHarness(t, true)
	h.policy.Tool.DeniedTools = map[string]struct{}{"deploy_service": {}}

	_, state, err := h.orch.Run(context.Background(), workflow.ExecutionContext{
		TaskDescription: "roll out",
		AgentRole:       "sre",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status.State != workflow.StateRejected {
		t.Fatalf("final status = %+v, want REJECTED", state.Status)
	}
}

func TestRun_SuspendsForApprovalThenApprovedSucceeds(t *testing.T) {
	h := newHarness(t, true)
	h.policy.Approval.RequireApprovalForAll = true

	runID, state, err := h.orch.Run(context.Background(), workflow.ExecutionContext{
		TaskDescription: "roll out",
		AgentRole:       "sre",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status.State != workflow.StateAwaitingApproval {
		t.Fatalf("status after Run = %+v, want AWAITING_APPROVAL", state.Status)
	}
	if len(state.Approvals) != 1 {
		t.Fatalf("Approvals = %+v, want exactly one", state.Approvals)
	}

	resolved, err := h.orch.Approve(context.Background(), state.Approvals[0].ApprovalID, "alice", "looks safe")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if resolved.Status.State != workflow.StateSucceeded {
		t.Fatalf("status after Approve = %+v, want SUCCEEDED", resolved.Status)
	}

	final, err := h.orch.Status(runID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if final.Status.State != workflow.StateSucceeded {
		t.Fatalf("Status().State = %v", final.Status.State)
	}
}

func TestRun_SuspendsForApprovalThenRejectedFails(t *testing.T) {
	h := newHarness(t, true)
	h.policy.Approval.RequireApprovalForAll = true

	_, state, err := h.orch.Run(context.Background(), workflow.ExecutionContext{
		TaskDescription: "roll out",
		AgentRole:       "sre",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	resolved, err := h.orch.Reject(context.Background(), state.Approvals[0].ApprovalID, "alice", "too risky")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if resolved.Status.State != workflow.StateRejected {
		t.Fatalf("status after Reject = %+v, want REJECTED", resolved.Status)
	}
}

func TestApprove_DuplicateIsNoOp(t *testing.T) {
	h := newHarness(t, true)
	h.policy.Approval.RequireApprovalForAll = true

	_, state, err := h.orch.Run(context.Background(), workflow.ExecutionContext{
		TaskDescription: "roll out",
		AgentRole:       "sre",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	approvalID := state.Approvals[0].ApprovalID

	first, err := h.orch.Approve(context.Background(), approvalID, "alice", "ok")
	if err != nil {
		t.Fatalf("first Approve: %v", err)
	}

	second, err := h.orch.Approve(context.Background(), approvalID, "bob", "also ok")
	if err != nil {
		t.Fatalf("duplicate Approve: %v", err)
	}
	if diff := cmp.Diff(first, second, cmp.AllowUnexported(workflow.ToolCatalog{})); diff != "" {
		t.Fatalf("duplicate Approve returned a different snapshot (-first +second):\n%s", diff)
	}
}

func TestCancel_TerminatesSuspendedRun(t *testing.T) {
	h := newHarness(t, true)
	h.policy.Approval.RequireApprovalForAll = true

	runID, _, err := h.orch.Run(context.Background(), workflow.ExecutionContext{
		TaskDescription: "roll out",
		AgentRole:       "sre",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	cancelled, err := h.orch.Cancel(context.Background(), runID, "operator aborted")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status.State != workflow.StateCancelled {
		t.Fatalf("status after Cancel = %+v, want CANCELLED", cancelled.Status)
	}

	stats := h.approvals.Stats(h.clock)
	if stats.Cancelled != 1 {
		t.Fatalf("approval stats = %+v, want one cancelled approval", stats)
	}
}

func TestCancel_IsIdempotentOnTerminalRun(t *testing.T) {
	h := newHarness(t, true)

	runID, state, err := h.orch.Run(context.Background(), workflow.ExecutionContext{
		TaskDescription: "roll out",
		AgentRole:       "sre",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status.State != workflow.StateSucceeded {
		t.Fatalf("precondition: run should have succeeded, got %v", state.Status.State)
	}

	again, err := h.orch.Cancel(context.Background(), runID, "too late")
	if err != nil {
		t.Fatalf("Cancel on terminal run: %v", err)
	}
	if again.Status.State != workflow.StateSucceeded {
		t.Fatalf("Cancel on terminal run changed status to %v, want unchanged SUCCEEDED", again.Status.State)
	}
}

func TestStatus_UnknownRun(t *testing.T) {
	h := newHarness(t, true)
	if _, err := h.orch.Status("does-not-exist"); err == nil {
		t.Fatal("Status(unknown run): want error, got nil")
	}
}
