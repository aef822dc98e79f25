package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/conductorhq/conductor/internal/capability"
	"github.com/conductorhq/conductor/internal/executor"
	"github.com/conductorhq/conductor/internal/modelbackend"
	"github.com/conductorhq/conductor/internal/policyengine"
	"github.com/conductorhq/conductor/pkg/workflow"
)

// promptTemplateMetadataKey is the ExecutionContext.Metadata key
// agent_decision reads to find a per-run prompt template override, if
// the caller supplied one.
const promptTemplateMetadataKey = "prompt_template_id"

// errToolReportedFailure is a sentinel wrapped with the tool's own
// error string so resultProcessingNode's retry loop treats an {ok:
// false} response the same as a raised error: both consume a retry
// attempt, per spec.md §4.2's "failures raised from func" wording.
var errToolReportedFailure = errors.New("tool reported failure")

// capabilityDiscoveryNode implements spec.md §4.1's first node: it
// obtains a filtered ToolCatalog for the run's agent role. Discovery
// failures are fatal; an empty catalog is not.
func capabilityDiscoveryNode(ctx context.Context, o *Orchestrator, state *workflow.WorkflowState, now time.Time) (*workflow.WorkflowState, nodeFunc, error) {
	if _, err := o.capabilities.Discover(ctx); err != nil {
		return nil, nil, nodeErr("capability_discovery", ErrCapabilityDiscoveryFailed, "failed to discover capabilities", err)
	}

	filtered := o.capabilities.Filter(ctx, state.Context, roleFilterSpec(o, state.Context.AgentRole))

	next := state.WithCapabilities(filtered, now).WithStatus(workflow.Status{
		State:   workflow.StateCapabilityDiscoveryComplete,
		Message: "capabilities discovered",
	}, now)
	return next, agentDecisionNode, nil
}

// agentDecisionNode fetches the role-bound agent from the Agent Cache
// and asks the Model Backend for a structured ActionProposal.
func agentDecisionNode(ctx context.Context, o *Orchestrator, state *workflow.WorkflowState, now time.Time) (*workflow.WorkflowState, nodeFunc, error) {
	role := state.Context.AgentRole
	if _, known := o.cfg.Roles[role]; !known {
		return nil, nil, nodeErr("agent_decision", ErrUnknownRole, "agent role is not registered: "+role, nil)
	}

	templateID, _ := state.Context.Metadata[promptTemplateMetadataKey].(string)
	agent, err := o.agents.Get(role, templateID)
	if err != nil {
		return nil, nil, nodeErr("agent_decision", ErrUnknownRole, "failed to resolve agent for role", err)
	}

	prompt := modelbackend.Prompt{
		TaskDescription:  state.Context.TaskDescription,
		PromptTemplateID: templateID,
		Catalog:          state.AvailableCapabilities,
		Variables:        state.Context.Metadata,
	}

	llmCtx, llmSpan := o.tracer.TraceLLMRequest(ctx, role, agent.Model)
	proposal, err := o.backend.Run(llmCtx, agent, prompt, state.Context)
	o.tracer.RecordError(llmSpan, err)
	llmSpan.End()
	if err != nil {
		return nil, nil, nodeErr("agent_decision", ErrProposalParseError, "model backend did not return a well-formed proposal", err)
	}

	next := state.
		WithProposal(proposal, now).
		AppendDecision(workflow.DecisionRecord{Timestamp: now, Proposal: proposal}, now).
		WithStatus(workflow.Status{State: workflow.StateProposalObtained, Message: "proposal obtained"}, now)
	return next, policyValidationNode, nil
}

// policyValidationNode asks the Policy Engine whether the proposed
// action may proceed.
func policyValidationNode(ctx context.Context, o *Orchestrator, state *workflow.WorkflowState, now time.Time) (*workflow.WorkflowState, nodeFunc, error) {
	outcome, reason := o.policy.Validate(*state.CurrentProposal, state.Context, state.AvailableCapabilities)
	if outcome != policyengine.Allowed {
		return nil, nil, nodeErr("policy_validation", ErrPolicyRejected, reason, nil)
	}

	next := state.WithStatus(workflow.Status{State: workflow.StatePolicyApproved, Message: "policy allows the proposed action"}, now)
	return next, approvalCheckNode, nil
}

// approvalCheckNode decides whether the action needs a human sign-off
// before result_processing may run it.
func approvalCheckNode(ctx context.Context, o *Orchestrator, state *workflow.WorkflowState, now time.Time) (*workflow.WorkflowState, nodeFunc, error) {
	tool, found := state.AvailableCapabilities.Lookup(state.CurrentProposal.Action)
	if !found {
		tool = workflow.ToolDescriptor{Name: state.CurrentProposal.Action}
	}

	if !o.policy.RequiresApproval(tool) {
		next := state.WithStatus(workflow.Status{State: workflow.StateApprovalSkipped, Message: "no approval required"}, now)
		return next, resultProcessingNode, nil
	}

	req := o.approvals.Create(state.RunID, tool, state.Context, o.policy.Approval.ApprovalTimeout, now)
	next := state.
		AppendApproval(workflow.ApprovalRef{ApprovalID: req.ApprovalID}, now).
		WithStatus(workflow.Status{State: workflow.StateAwaitingApproval, Message: "awaiting human approval"}, now)
	return next, approvalWorkflowNode, nil
}

// approvalWorkflowNode is the run's suspension point. It never errors
// with a retryable/runtime cause: a rejection is reported by
// short-circuiting to errorHandler, since executing a rejected
// proposal would contradict the approval decision.
func approvalWorkflowNode(ctx context.Context, o *Orchestrator, state *workflow.WorkflowState, now time.Time) (*workflow.WorkflowState, nodeFunc, error) {
	requests := make([]*workflow.ApprovalRequest, 0, len(state.Approvals))
	for _, ref := range state.Approvals {
		req, err := o.approvals.Get(ref.ApprovalID, now)
		if err != nil {
			continue
		}
		requests = append(requests, req)
	}

	var anyPending, anyRejected bool
	var rejectionReason string
	for _, req := range requests {
		switch req.Status {
		case workflow.ApprovalPending:
			anyPending = true
		case workflow.ApprovalRejected:
			anyRejected = true
			rejectionReason = req.ResolutionReason
		case workflow.ApprovalExpired:
			anyRejected = true
			rejectionReason = "expired"
		}
	}

	if anyPending {
		next := state.WithStatus(workflow.Status{State: workflow.StateAwaitingApproval, Message: "awaiting human approval"}, now)
		return next, nil, nil
	}

	if anyRejected {
		if rejectionReason == "" {
			rejectionReason = "approval was rejected"
		}
		return nil, nil, nodeErr("approval_workflow", ErrApprovalRejected, rejectionReason, nil)
	}

	next := state.WithStatus(workflow.Status{State: workflow.StateApprovalComplete, Message: "all approvals resolved"}, now)
	return next, resultProcessingNode, nil
}

// resultProcessingNode invokes the Tool Catalog's ExecuteTool under a
// per-action timeout and retry policy, recording the outcome. Tool
// failure is non-fatal at this node; completion_check decides finality.
func resultProcessingNode(ctx context.Context, o *Orchestrator, state *workflow.WorkflowState, now time.Time) (*workflow.WorkflowState, nodeFunc, error) {
	o.policy.RecordExecution()
	defer o.policy.EndExecution()

	proposal := state.CurrentProposal
	toolCtx, toolSpan := o.tracer.TraceToolExecution(ctx, proposal.Action)
	defer toolSpan.End()

	var lastResult catalogResult
	step := executor.ExecuteStep(toolCtx, "result_processing:"+proposal.Action, o.cfg.ActionTimeout, o.cfg.Retry, func(ctx context.Context) (any, error) {
		result, err := o.tools.ExecuteTool(ctx, proposal.Action, proposal.Parameters)
		if err != nil {
			return nil, err
		}
		lastResult = catalogResult{OK: result.OK, Data: result.Data, Error: result.Error}
		if !result.OK {
			return lastResult, errToolReportedFailure
		}
		return lastResult, nil
	})
	if step.Err != nil {
		o.tracer.RecordError(toolSpan, step.Err)
	}

	record := workflow.ExecutionRecord{Timestamp: now, Action: proposal.Action}
	status := workflow.Status{State: workflow.StateExecutionFailed, Message: "tool execution failed"}

	switch {
	case step.Status == executor.StepSuccess:
		if result, ok := step.Result.(catalogResult); ok {
			record.OK = result.OK
			record.Data = result.Data
			record.Error = result.Error
		} else {
			record.OK = true
		}
		status = workflow.Status{State: workflow.StateResultsProcessed, Message: "tool executed successfully"}
	case lastResult.Error != "":
		record.Error = lastResult.Error
	case step.Err != nil:
		record.Error = step.Err.Error()
	default:
		record.Error = "tool execution failed"
	}

	next := state.AppendExecution(record, now).WithStatus(status, now)
	return next, completionCheckNode, nil
}

// catalogResult is the local shape resultProcessingNode threads
// through executor.ExecuteStep's untyped result, mirroring
// catalog.ExecuteResult without importing the catalog package just for
// this one value type.
type catalogResult struct {
	OK    bool
	Data  any
	Error string
}

// completionCheckNode computes the run's per-attempt completion state
// from the most recent execution record.
func completionCheckNode(ctx context.Context, o *Orchestrator, state *workflow.WorkflowState, now time.Time) (*workflow.WorkflowState, nodeFunc, error) {
	status := workflow.Status{State: workflow.StateTaskIncomplete, Message: "task did not complete successfully"}
	if len(state.Executions) > 0 && state.Executions[len(state.Executions)-1].OK {
		status = workflow.Status{State: workflow.StateTaskComplete, Message: "task completed successfully"}
	}
	next := state.WithStatus(status, now)
	return next, approvalResolutionNode, nil
}

// approvalResolutionNode aggregates the run's approvals one last time;
// any rejection routes to error_handler, otherwise the run succeeds.
func approvalResolutionNode(ctx context.Context, o *Orchestrator, state *workflow.WorkflowState, now time.Time) (*workflow.WorkflowState, nodeFunc, error) {
	requests := o.approvals.GetByRun(state.RunID, now)
	for _, req := range requests {
		if req.Status == workflow.ApprovalRejected || req.Status == workflow.ApprovalExpired {
			reason := req.ResolutionReason
			if reason == "" {
				reason = "approval was rejected"
			}
			return nil, nil, nodeErr("approval_resolution", ErrApprovalRejected, reason, nil)
		}
	}

	next := state.WithStatus(workflow.Status{State: workflow.StateSucceeded, Message: "run resolved successfully"}, now)
	return next, nil, nil
}

func roleFilterSpec(o *Orchestrator, role string) *capability.FilterSpec {
	settings, ok := o.cfg.Roles[role]
	if !ok || settings.ToolFilter == nil {
		return nil
	}
	return settings.ToolFilter
}
