// Package checkpoint defines the Checking-Point monitor contract and
// the registry concrete checking points register themselves against.
// A checking point fetches external data, filters and evaluates it,
// and produces either immediate side-effectful actions or heavier
// AIAction descriptors the Scheduler dispatches to the Orchestrator.
package checkpoint

import (
	"context"
	"time"

	"github.com/conductorhq/conductor/pkg/workflow"
)

// Type closes the set of checking-point classes a concrete
// implementation may declare.
type Type string

const (
	TypeTrackerUrgent          Type = "tracker-urgent"
	TypeTrackerOverdue         Type = "tracker-overdue"
	TypeTrackerSmartAssignment Type = "tracker-smart-assignment"
	TypeChatBotMention         Type = "chat-bot-mention"
	TypeChatHelpRequest        Type = "chat-help-request"
	TypeChatVIPUser            Type = "chat-vip-user"
	TypeEmailAlert             Type = "email-alert"
	TypeCustom                 Type = "custom"
)

// Descriptor is the static configuration of one checking point: its
// identity plus the scheduling and dispatch knobs the Scheduler reads
// without needing to know the concrete implementation.
type Descriptor struct {
	Name              string
	Type              Type
	Enabled           bool
	Priority          int // 1..10, evaluated highest first
	StopOnMatch       bool
	AIWorkflowEnabled bool
	PromptTemplateID  string
	AgentRole         string
	FetchTimeout      time.Duration
	ApprovalRequired  bool
	ApprovalTimeout   time.Duration
	// FetchInterval is this point's own schedule period; the Scheduler
	// runs each point on its own tick rather than a single shared one.
	FetchInterval time.Duration
	// RateLimitPerMinute bounds FetchData invocations for this point.
	RateLimitPerMinute int
}

// ImmediateAction is a side-effectful task a checking point wants
// executed directly by the Scheduler (a notification, a status tag),
// as opposed to an AIAction routed through the Orchestrator.
type ImmediateAction struct {
	Kind       string
	Target     string
	Parameters workflow.Values
}

// CheckingPoint is a polymorphic monitor. Implementations are expected
// to be safe for concurrent use: the Scheduler may invoke Evaluate for
// several data items from the same FetchData call concurrently.
type CheckingPoint interface {
	// Descriptor returns this point's static configuration.
	Descriptor() Descriptor

	// FetchData performs source I/O (paginated internally as needed)
	// and produces the data items to evaluate this cycle.
	FetchData(ctx context.Context, params workflow.Values) ([]workflow.MonitoringDatum, error)

	// CanHandle is a quick filter run before the heavier Evaluate call.
	CanHandle(datum workflow.MonitoringDatum) bool

	// Evaluate is a pure computation over one datum.
	Evaluate(ctx context.Context, datum workflow.MonitoringDatum) (workflow.CheckResult, error)

	// GetActions returns immediate, side-effectful tasks for a matched
	// result (notifications, status tags). May return nil.
	GetActions(datum workflow.MonitoringDatum, result workflow.CheckResult) []ImmediateAction

	// GetAfterProcess returns the heavier AIActions to dispatch to the
	// Orchestrator for a matched result. May return nil.
	GetAfterProcess(datum workflow.MonitoringDatum, result workflow.CheckResult) []workflow.AIAction
}

// DescriptorFrom builds a Descriptor for typ out of the common fields
// every concrete checking-point Factory receives via its cfg
// (workflow.Values): name (injected by Registry.Instantiate), priority,
// stop_on_match, ai_workflow_enabled, prompt_template_id, agent_role,
// approval_required, and approval_timeout. defaults supplies the
// fields a concrete point's own construction owns (FetchTimeout,
// FetchInterval, RateLimitPerMinute) since those vary by what the
// point actually talks to, not by generic configuration.
func DescriptorFrom(cfg workflow.Values, typ Type, defaults Descriptor) Descriptor {
	d := defaults
	d.Type = typ
	d.Enabled = true
	if v, ok := cfg["enabled"].(bool); ok {
		d.Enabled = v
	}
	if v, ok := cfg["name"].(string); ok {
		d.Name = v
	}
	if v, ok := cfg["priority"].(int); ok {
		d.Priority = v
	}
	if v, ok := cfg["stop_on_match"].(bool); ok {
		d.StopOnMatch = v
	}
	if v, ok := cfg["ai_workflow_enabled"].(bool); ok {
		d.AIWorkflowEnabled = v
	}
	if v, ok := cfg["prompt_template_id"].(string); ok {
		d.PromptTemplateID = v
	}
	if v, ok := cfg["agent_role"].(string); ok {
		d.AgentRole = v
	}
	if v, ok := cfg["approval_required"].(bool); ok {
		d.ApprovalRequired = v
	}
	if v, ok := cfg["approval_timeout"].(time.Duration); ok {
		d.ApprovalTimeout = v
	}
	return d
}

// FetchAndEvaluate is the convenience evaluation protocol spec.md
// describes: fetch, then for every item that CanHandle accepts and the
// point is enabled, compute Evaluate and collect the result. The
// Scheduler is free to drive FetchData and Evaluate independently
// instead, to parallelize across data items.
func FetchAndEvaluate(ctx context.Context, cp CheckingPoint, params workflow.Values) ([]workflow.CheckResult, error) {
	if !cp.Descriptor().Enabled {
		return nil, nil
	}

	items, err := cp.FetchData(ctx, params)
	if err != nil {
		return nil, err
	}

	results := make([]workflow.CheckResult, 0, len(items))
	for _, item := range items {
		if !cp.CanHandle(item) {
			continue
		}
		result, err := cp.Evaluate(ctx, item)
		if err != nil {
			result = workflow.CheckResult{
				CheckingPointName: cp.Descriptor().Name,
				CheckingPointType: string(cp.Descriptor().Type),
				ResultType:        workflow.ResultError,
				ErrorMessage:      err.Error(),
			}
		}
		results = append(results, result)
	}
	return results, nil
}
