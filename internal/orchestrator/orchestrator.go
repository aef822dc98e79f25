// Package orchestrator implements the Workflow Orchestrator: the
// nine-node state machine that turns a task description into a
// validated, possibly human-approved, tool invocation and its
// recorded outcome. It wires together the Capability Registry, Agent
// Cache, Model Backend, Policy Engine, Approval Manager, Tool Catalog
// Client, and Workflow State Store behind the public Run/Approve/
// Reject/Cancel/Status surface.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/internal/agentcache"
	"github.com/conductorhq/conductor/internal/approval"
	"github.com/conductorhq/conductor/internal/capability"
	"github.com/conductorhq/conductor/internal/catalog"
	"github.com/conductorhq/conductor/internal/modelbackend"
	"github.com/conductorhq/conductor/internal/observability"
	"github.com/conductorhq/conductor/internal/policyengine"
	"github.com/conductorhq/conductor/internal/workflowstore"
	"github.com/conductorhq/conductor/pkg/workflow"
)

// Orchestrator is the process-wide runtime for the nine-node graph. It
// is safe for concurrent use by multiple goroutines: independent runs
// execute concurrently, and the Workflow State Store's per-run lock
// serializes node execution within a single run.
type Orchestrator struct {
	cfg Config

	store        *workflowstore.Store
	capabilities *capability.Registry
	agents       *agentcache.Cache
	backend      modelbackend.Backend
	policy       *policyengine.PolicyEngine
	approvals    *approval.Manager
	tools        catalog.Client

	logger *slog.Logger
	now    func() time.Time
	nextID func() string
	tracer *observability.Tracer

	// runMu serializes graph-driving for a run without holding the
	// workflowstore lock for the whole traversal: Update is called once
	// per node transition, not once per Run/resume call.
	runMu   sync.Mutex
	running map[string]*sync.Mutex
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithLogger overrides the orchestrator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithNow overrides the clock, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides run ID generation, for deterministic tests.
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.nextID = gen
		}
	}
}

// WithTracer overrides the orchestrator's tracer. The default is a
// no-op tracer (one with no OTLP endpoint configured), so callers that
// don't care about tracing never need this option.
func WithTracer(tracer *observability.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// New builds an Orchestrator wiring every collaborator the nine nodes
// need. store, capabilities, agents, policy, and approvals are the
// process-wide singletons spec.md §5 describes; callers construct them
// once and share the same instances across every Orchestrator if more
// than one is ever needed (tests typically build fresh ones per case).
func New(
	store *workflowstore.Store,
	capabilities *capability.Registry,
	agents *agentcache.Cache,
	backend modelbackend.Backend,
	policy *policyengine.PolicyEngine,
	approvals *approval.Manager,
	tools catalog.Client,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	noopTracer, _ := observability.NewTracer(observability.TraceConfig{})
	o := &Orchestrator{
		cfg:          cfg.normalized(),
		store:        store,
		capabilities: capabilities,
		agents:       agents,
		backend:      backend,
		policy:       policy,
		approvals:    approvals,
		tools:        tools,
		logger:       slog.Default(),
		now:          time.Now,
		nextID:       func() string { return "run_" + uuid.NewString() },
		tracer:       noopTracer,
		running:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// runLock returns (creating if necessary) the mutex serializing
// graph-driving for runID. Distinct from the Store's own per-run lock:
// this one is held across an entire drive-to-suspension-or-terminal
// pass, so concurrent Approve/Run calls targeting the same run never
// interleave node transitions.
func (o *Orchestrator) runLock(runID string) *sync.Mutex {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	mu, ok := o.running[runID]
	if !ok {
		mu = &sync.Mutex{}
		o.running[runID] = mu
	}
	return mu
}

// Run creates a new WorkflowState for execCtx and drives the graph
// from capability_discovery until it reaches a terminal state or
// suspends at AWAITING_APPROVAL. It returns the run's ID and the
// resulting snapshot.
func (o *Orchestrator) Run(ctx context.Context, execCtx workflow.ExecutionContext) (string, *workflow.WorkflowState, error) {
	runID := o.nextID()
	now := o.now()
	state := workflow.New(runID, execCtx, now)
	o.store.Put(state)

	lock := o.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	final, err := o.drive(ctx, runID, capabilityDiscoveryNode)
	return runID, final, err
}

// Approve resolves approvalID as APPROVED. If the owning run is
// suspended at approval_workflow and every one of its approvals is now
// resolved, the run resumes and drives to its next suspension or
// terminal state. Approving an already-resolved request is a no-op
// that returns the run's current snapshot.
func (o *Orchestrator) Approve(ctx context.Context, approvalID, approver, reason string) (*workflow.WorkflowState, error) {
	return o.resolveApproval(ctx, approvalID, approver, reason, true)
}

// Reject resolves approvalID as REJECTED, analogous to Approve.
func (o *Orchestrator) Reject(ctx context.Context, approvalID, approver, reason string) (*workflow.WorkflowState, error) {
	return o.resolveApproval(ctx, approvalID, approver, reason, false)
}

func (o *Orchestrator) resolveApproval(ctx context.Context, approvalID, approver, reason string, approve bool) (*workflow.WorkflowState, error) {
	now := o.now()
	req, err := o.approvals.Get(approvalID, now)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	runID := req.RunID

	if approve {
		_, err = o.approvals.Approve(approvalID, approver, now)
	} else {
		_, err = o.approvals.Reject(approvalID, approver, reason, now)
	}
	if err != nil {
		if !errors.Is(err, approval.ErrAlreadyResolved) {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
		// Already resolved — possibly because the lazy expiration check
		// inside approvals.Get/resolve just now flipped it to EXPIRED.
		// A duplicate Approve/Reject of a genuinely already-decided
		// request is a no-op, but an expiry must still carry a run
		// parked at approval_workflow to its terminal state, since this
		// call is itself the "resume attempt" the run is waiting on.
		return o.reenterApprovalWorkflow(ctx, runID)
	}

	return o.reenterApprovalWorkflow(ctx, runID)
}

// reenterApprovalWorkflow re-drives runID's graph from approvalWorkflowNode
// if and only if the run is still parked at AWAITING_APPROVAL, so a
// resolution (or an expiry discovered in its place) is actually acted
// on. A run that already moved on — e.g. another approval in the same
// batch already drove it past approval_workflow — is returned as-is.
func (o *Orchestrator) reenterApprovalWorkflow(ctx context.Context, runID string) (*workflow.WorkflowState, error) {
	lock := o.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	state, err := o.store.Get(runID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if state.Status.State != workflow.StateAwaitingApproval {
		return state, nil
	}

	return o.drive(ctx, runID, approvalWorkflowNode)
}

// Cancel cancels every pending approval belonging to runID and marks
// the run CANCELLED. Idempotent on an already-terminal run.
func (o *Orchestrator) Cancel(ctx context.Context, runID, reason string) (*workflow.WorkflowState, error) {
	lock := o.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	now := o.now()
	o.approvals.CancelRun(runID, now)

	return o.store.Update(runID, func(s *workflow.WorkflowState) (*workflow.WorkflowState, error) {
		if s == nil {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		if s.Status.State.Terminal() {
			return s, nil
		}
		return s.WithStatus(workflow.Status{
			State:   workflow.StateCancelled,
			Message: "run cancelled",
			Error:   reason,
		}, now), nil
	})
}

// Status returns the current snapshot for runID, or ErrRunNotFound if
// it is unknown or has aged out of the retention window. A run parked
// at AWAITING_APPROVAL whose approval window has since elapsed is
// itself carried to its terminal state here: expiration inside
// approval.Manager is lazy, so without this Status is the "next resume
// attempt" that has to notice the timeout and re-drive the graph.
func (o *Orchestrator) Status(runID string) (*workflow.WorkflowState, error) {
	state, err := o.store.Get(runID)
	if errors.Is(err, workflowstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	now := o.now()
	if state.Status.State.Terminal() && now.Sub(state.UpdatedAt) > o.cfg.RetentionDuration {
		o.store.Delete(runID)
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if state.Status.State != workflow.StateAwaitingApproval {
		return state, nil
	}

	expired := false
	for _, req := range o.approvals.GetByRun(runID, now) {
		if req.Status == workflow.ApprovalExpired {
			expired = true
			break
		}
	}
	if !expired {
		return state, nil
	}

	return o.reenterApprovalWorkflow(context.Background(), runID)
}
