package workflow

import (
	"encoding/json"
	"testing"
	"time"
)

func TestWorkflowState_JSONRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	original := New("run-1", ExecutionContext{
		TaskDescription: "Run unit tests",
		AgentRole:       "developer",
		UserID:          "u1",
		Metadata:        Values{"priority": "high"},
	}, now)
	original = original.WithProposal(ActionProposal{
		Action:     "run_tests",
		Parameters: Values{"suite": "unit"},
		Reason:     "validate the change",
	}, now)
	original = original.AppendExecution(ExecutionRecord{
		Timestamp: now,
		Action:    "run_tests",
		OK:        true,
		Data:      "12 passed",
	}, now)

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded WorkflowState
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.RunID != original.RunID {
		t.Errorf("RunID = %q, want %q", decoded.RunID, original.RunID)
	}
	if decoded.CurrentProposal == nil || decoded.CurrentProposal.Action != "run_tests" {
		t.Fatalf("CurrentProposal = %+v, want action run_tests", decoded.CurrentProposal)
	}
	if len(decoded.Executions) != 1 || !decoded.Executions[0].OK {
		t.Fatalf("Executions = %+v, want one successful entry", decoded.Executions)
	}
}

func TestWorkflowState_CloneIsIndependent(t *testing.T) {
	now := time.Now()
	s := New("run-2", ExecutionContext{AgentRole: "sre"}, now)
	clone := s.Clone()

	clone.Decisions = append(clone.Decisions, DecisionRecord{Timestamp: now})
	if len(s.Decisions) != 0 {
		t.Fatalf("mutating clone.Decisions affected original: %+v", s.Decisions)
	}

	clone.Context.Metadata = Values{"x": 1}
	if s.Context.Metadata != nil {
		t.Fatalf("mutating clone.Context.Metadata affected original: %+v", s.Context.Metadata)
	}
}

func TestState_Terminal(t *testing.T) {
	terminal := []State{StateSucceeded, StateFailed, StateRejected, StateCancelled}
	for _, st := range terminal {
		if !st.Terminal() {
			t.Errorf("State(%s).Terminal() = false, want true", st)
		}
	}

	nonTerminal := []State{StatePending, StateAwaitingApproval, StateProposalObtained}
	for _, st := range nonTerminal {
		if st.Terminal() {
			t.Errorf("State(%s).Terminal() = true, want false", st)
		}
	}
}

func TestToolCatalog_Lookup(t *testing.T) {
	cat := NewToolCatalog([]ToolDescriptor{
		{Name: "run_tests", Description: "runs the test suite"},
		{Name: "deploy", Description: "deploys the service"},
	})

	if _, ok := cat.Lookup("missing"); ok {
		t.Fatalf("Lookup(missing) found a tool, want not found")
	}
	tool, ok := cat.Lookup("deploy")
	if !ok || tool.Description != "deploys the service" {
		t.Fatalf("Lookup(deploy) = %+v, %v", tool, ok)
	}
	if got := cat.Names(); len(got) != 2 || got[0] != "run_tests" {
		t.Fatalf("Names() = %v", got)
	}
}
