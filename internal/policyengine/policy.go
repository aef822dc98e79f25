// Package policyengine implements the three cooperating sub-policies
// the policy_validation node consults before a proposed tool
// invocation is allowed to run: a ToolPolicy (allow/deny lists, a
// read-only heuristic, and an execution cap), an ApprovalPolicy
// (which tools require a human sign-off), and a SafetyPolicy (role
// gating and a process-wide concurrency cap). PolicyEngine combines
// all three behind a single Validate call.
package policyengine

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/conductorhq/conductor/pkg/workflow"
)

// Outcome is the closed set of results Validate can return.
type Outcome string

const (
	Allowed              Outcome = "ALLOWED"
	DeniedByToolPolicy    Outcome = "DENIED_BY_TOOL_POLICY"
	DeniedByRole          Outcome = "DENIED_BY_ROLE"
	DeniedByLimit         Outcome = "DENIED_BY_LIMIT"
	DeniedBySafety        Outcome = "DENIED_BY_SAFETY"
)

// writeIndicators are the case-insensitive keyword fragments ToolPolicy
// uses to flag a tool as mutating when ReadOnly is set and the tool
// isn't explicitly allow-listed as safe.
var writeIndicators = []string{"write", "delete", "remove", "update", "create", "deploy", "execute"}

// ToolPolicy governs which tools a run may invoke and how often.
type ToolPolicy struct {
	// AllowedTools, if non-nil, is the exhaustive set of tool names the
	// policy permits; a nil set means "all tools not explicitly denied".
	AllowedTools map[string]struct{}
	DeniedTools  map[string]struct{}
	// ReadOnly, when true, denies any tool whose name contains one of
	// writeIndicators, even one present in AllowedTools: the two checks
	// are independent, not an override.
	ReadOnly bool
	// MaxExecutions caps the total number of tool invocations recorded
	// through this policy instance, counted across every run that shares
	// it; the counter is never reset. Zero means unlimited.
	MaxExecutions int

	mu             sync.Mutex
	executionCount int
}

// DefaultToolPolicy returns a permissive policy: no allow/deny lists,
// not read-only, no execution cap.
func DefaultToolPolicy() *ToolPolicy {
	return &ToolPolicy{}
}

// canExecute reports whether tool passes the allow/deny/read-only
// checks, independent of the execution counter.
func (p *ToolPolicy) canExecute(tool string) (bool, string) {
	if p.DeniedTools != nil {
		if _, denied := p.DeniedTools[tool]; denied {
			return false, "tool is explicitly denied"
		}
	}
	if p.AllowedTools != nil {
		if _, allowed := p.AllowedTools[tool]; !allowed {
			return false, "tool is not in the allowed set"
		}
	}
	if p.ReadOnly && looksLikeWrite(tool) {
		return false, "read-only policy denies tools that look mutating"
	}
	return true, ""
}

func looksLikeWrite(tool string) bool {
	lower := strings.ToLower(tool)
	for _, kw := range writeIndicators {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// atLimit reports whether the execution cap has been reached.
func (p *ToolPolicy) atLimit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.MaxExecutions > 0 && p.executionCount >= p.MaxExecutions
}

// recordExecution increments the execution counter. Called once per
// successfully validated and dispatched tool call.
func (p *ToolPolicy) recordExecution() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executionCount++
}

// ExecutionCount reports the number of executions recorded so far.
func (p *ToolPolicy) ExecutionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.executionCount
}

// ApprovalPolicy governs which tool invocations require a human
// decision before they are allowed to proceed.
type ApprovalPolicy struct {
	RequireApprovalForAll bool
	HighRiskTools         map[string]struct{}
	// ApprovalTimeout is how long a created ApprovalRequest stays
	// PENDING before lazy expiration treats it as expired-equals-rejected.
	ApprovalTimeout time.Duration
}

// DefaultApprovalPolicy requires approval for no tool by default; the
// workflow's approval_check node stays a no-op unless configured
// otherwise. The default timeout is 1h per spec.md §5.
func DefaultApprovalPolicy() *ApprovalPolicy {
	return &ApprovalPolicy{HighRiskTools: map[string]struct{}{}, ApprovalTimeout: time.Hour}
}

// Requires reports whether tool needs a human approval before
// execution.
func (p *ApprovalPolicy) Requires(tool string) bool {
	if p.RequireApprovalForAll {
		return true
	}
	_, highRisk := p.HighRiskTools[tool]
	return highRisk
}

// SafetyPolicy governs which agent roles may run at all and how many
// tool executions may be in flight across the whole process at once.
type SafetyPolicy struct {
	// AllowedRoles, if non-nil, is the exhaustive set of agent roles
	// permitted to run; a nil set means "all roles".
	AllowedRoles map[string]struct{}
	// MaxConcurrentExecutions caps the number of tool executions in
	// flight simultaneously across every run sharing this policy
	// instance; zero means unlimited.
	MaxConcurrentExecutions int
	// Registerer receives the policy's Prometheus collectors. Nil
	// disables metrics.
	Registerer prometheus.Registerer

	mu              sync.Mutex
	concurrentCount int
	metrics         *metrics
}

// DefaultSafetyPolicy allows every role with no concurrency cap.
func DefaultSafetyPolicy() *SafetyPolicy {
	return &SafetyPolicy{}
}

func (p *SafetyPolicy) roleAllowed(role string) bool {
	if p.AllowedRoles == nil {
		return true
	}
	_, ok := p.AllowedRoles[role]
	return ok
}

func (p *SafetyPolicy) canExecuteConcurrently() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.MaxConcurrentExecutions <= 0 || p.concurrentCount < p.MaxConcurrentExecutions
}

// startExecution increments the in-flight counter. Pair with
// endExecution once the tool call returns, regardless of outcome.
func (p *SafetyPolicy) startExecution() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.concurrentCount++
	p.metrics.setConcurrentExecutions(p.concurrentCount)
}

func (p *SafetyPolicy) endExecution() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.concurrentCount > 0 {
		p.concurrentCount--
	}
	p.metrics.setConcurrentExecutions(p.concurrentCount)
}

// ConcurrentCount reports the number of executions currently in flight.
func (p *SafetyPolicy) ConcurrentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.concurrentCount
}

// PolicyEngine combines a ToolPolicy, an ApprovalPolicy, and a
// SafetyPolicy behind the single gate the policy_validation node calls.
type PolicyEngine struct {
	Tool     *ToolPolicy
	Approval *ApprovalPolicy
	Safety   *SafetyPolicy
}

// New builds a PolicyEngine from the three sub-policies, substituting
// permissive defaults for any nil argument.
func New(tool *ToolPolicy, approval *ApprovalPolicy, safety *SafetyPolicy) *PolicyEngine {
	if tool == nil {
		tool = DefaultToolPolicy()
	}
	if approval == nil {
		approval = DefaultApprovalPolicy()
	}
	if approval.ApprovalTimeout <= 0 {
		approval.ApprovalTimeout = time.Hour
	}
	if safety == nil {
		safety = DefaultSafetyPolicy()
	}
	safety.metrics = newMetrics(safety.Registerer)
	return &PolicyEngine{Tool: tool, Approval: approval, Safety: safety}
}

// Validate decides whether ctx's agent role may invoke proposal's tool
// right now. Checks run in a fixed order — so the first violation
// encountered determines the outcome and reason — catalog membership,
// then role, then tool-policy allow/deny/read-only, then the
// tool-policy execution cap, then the safety-policy concurrency cap.
// An action naming a tool absent from catalog is denied unless catalog
// is empty, in which case the catalog check is skipped (there is
// nothing to look up against).
func (e *PolicyEngine) Validate(proposal workflow.ActionProposal, ctx workflow.ExecutionContext, catalog *workflow.ToolCatalog) (Outcome, string) {
	if catalog.Len() > 0 {
		if _, ok := catalog.Lookup(proposal.Action); !ok {
			e.Safety.metrics.denied(DeniedByToolPolicy)
			return DeniedByToolPolicy, "proposed tool is not in the capability catalog"
		}
	}

	if !e.Safety.roleAllowed(ctx.AgentRole) {
		e.Safety.metrics.denied(DeniedByRole)
		return DeniedByRole, "agent role is not permitted to execute tools"
	}

	if ok, reason := e.Tool.canExecute(proposal.Action); !ok {
		e.Safety.metrics.denied(DeniedByToolPolicy)
		return DeniedByToolPolicy, reason
	}

	if e.Tool.atLimit() {
		e.Safety.metrics.denied(DeniedByLimit)
		return DeniedByLimit, "tool policy has reached its maximum tool execution count"
	}

	if !e.Safety.canExecuteConcurrently() {
		e.Safety.metrics.denied(DeniedByLimit)
		return DeniedByLimit, "process has reached its maximum concurrent tool execution count"
	}

	return Allowed, ""
}

// RequiresApproval reports whether tool needs a human decision before
// the approval_check node may let it through.
func (e *PolicyEngine) RequiresApproval(tool workflow.ToolDescriptor) bool {
	return e.Approval.Requires(tool.Name)
}

// RecordExecution marks the start of one tool invocation against both
// the tool-policy counter and the safety-policy concurrency counter.
// Call once per dispatched execution, paired with EndExecution.
func (e *PolicyEngine) RecordExecution() {
	e.Tool.recordExecution()
	e.Safety.startExecution()
}

// EndExecution marks the end of one tool invocation, releasing its
// slot in the safety-policy concurrency counter.
func (e *PolicyEngine) EndExecution() {
	e.Safety.endExecution()
}
