package workflow

import "time"

// WorkflowState is the single coherent state object threaded through
// the nine orchestrator nodes. Nodes never mutate a WorkflowState in
// place — they receive a snapshot and return a successor via Update.
type WorkflowState struct {
	RunID                  string            `json:"run_id"`
	Status                 Status            `json:"status"`
	Context                ExecutionContext  `json:"context"`
	CurrentProposal        *ActionProposal   `json:"current_proposal"`
	AvailableCapabilities  *ToolCatalog      `json:"available_capabilities"`
	Decisions              []DecisionRecord  `json:"decisions"`
	Executions             []ExecutionRecord `json:"executions"`
	Approvals              []ApprovalRef     `json:"approvals"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

// New creates the initial WorkflowState for a fresh run.
func New(runID string, ctx ExecutionContext, now time.Time) *WorkflowState {
	return &WorkflowState{
		RunID:     runID,
		Status:    Status{State: StatePending, Message: "run created"},
		Context:   ctx.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep-enough copy of s: every field a node could
// mutate through its pointer/slice header is copied, so the result can
// be handed to a node or a caller without either side observing the
// other's subsequent writes.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Context = s.Context.Clone()
	cp.CurrentProposal = s.CurrentProposal.clone()
	cp.AvailableCapabilities = s.AvailableCapabilities.clone()
	cp.Decisions = append([]DecisionRecord(nil), s.Decisions...)
	cp.Executions = append([]ExecutionRecord(nil), s.Executions...)
	cp.Approvals = append([]ApprovalRef(nil), s.Approvals...)
	return &cp
}

// Update is a pure function from a state to its successor. Nodes
// implement this signature; the orchestrator runtime is responsible
// for merging the result into the store atomically.
type Update func(s *WorkflowState) *WorkflowState

// WithStatus returns a clone of s with its status replaced and
// UpdatedAt bumped to now. It is the building block every node uses to
// report its outcome.
func (s *WorkflowState) WithStatus(status Status, now time.Time) *WorkflowState {
	cp := s.Clone()
	cp.Status = status
	cp.UpdatedAt = now
	return cp
}

// AppendDecision returns a clone of s with d appended to Decisions.
// Decisions, Executions, and Approvals are append-only per the spec's
// functional-update invariant.
func (s *WorkflowState) AppendDecision(d DecisionRecord, now time.Time) *WorkflowState {
	cp := s.Clone()
	cp.Decisions = append(cp.Decisions, d)
	cp.UpdatedAt = now
	return cp
}

// AppendExecution returns a clone of s with e appended to Executions.
func (s *WorkflowState) AppendExecution(e ExecutionRecord, now time.Time) *WorkflowState {
	cp := s.Clone()
	cp.Executions = append(cp.Executions, e)
	cp.UpdatedAt = now
	return cp
}

// AppendApproval returns a clone of s with ref appended to Approvals.
func (s *WorkflowState) AppendApproval(ref ApprovalRef, now time.Time) *WorkflowState {
	cp := s.Clone()
	cp.Approvals = append(cp.Approvals, ref)
	cp.UpdatedAt = now
	return cp
}

// WithProposal returns a clone of s with CurrentProposal set.
func (s *WorkflowState) WithProposal(p ActionProposal, now time.Time) *WorkflowState {
	cp := s.Clone()
	cp.CurrentProposal = &p
	cp.UpdatedAt = now
	return cp
}

// WithCapabilities returns a clone of s with AvailableCapabilities set.
func (s *WorkflowState) WithCapabilities(c *ToolCatalog, now time.Time) *WorkflowState {
	cp := s.Clone()
	cp.AvailableCapabilities = c
	cp.UpdatedAt = now
	return cp
}
