// Package tracker implements the three task-tracker checking-point
// types (tracker-urgent, tracker-overdue, tracker-smart-assignment)
// against a generic JSON HTTP API: spec.md explicitly scopes the exact
// tracker wire protocol out, so this package illustrates the binding
// with a minimal issue-list-over-HTTP client rather than committing to
// one vendor's SDK, grounded on the teacher's internal/tools HTTP tool
// handlers for the request/decode idiom.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/conductorhq/conductor/internal/checkpoint"
	"github.com/conductorhq/conductor/pkg/workflow"
)

func init() {
	checkpoint.Register(checkpoint.TypeTrackerUrgent, newPoint(checkpoint.TypeTrackerUrgent))
	checkpoint.Register(checkpoint.TypeTrackerOverdue, newPoint(checkpoint.TypeTrackerOverdue))
	checkpoint.Register(checkpoint.TypeTrackerSmartAssignment, newPoint(checkpoint.TypeTrackerSmartAssignment))
}

// Issue is the tracker's task shape, decoded from the list endpoint.
type Issue struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	Priority    int        `json:"priority"` // 1 (low) .. 5 (urgent)
	Assignee    string     `json:"assignee"`
	DueAt       *time.Time `json:"due_at"`
	RequiredTags []string  `json:"required_tags"`
}

// Config is a tracker checking point's per-instance configuration.
type Config struct {
	BaseURL  string
	APIToken string
	// UrgentPriorityThreshold is the minimum Issue.Priority
	// tracker-urgent treats as a match. tracker-urgent only.
	UrgentPriorityThreshold int
	// AssignableAgentTags is the set of tags an unassigned issue must
	// be a subset of for tracker-smart-assignment to claim it can be
	// auto-routed. tracker-smart-assignment only.
	AssignableAgentTags map[string]struct{}
}

func configFrom(cfg workflow.Values) Config {
	c := Config{UrgentPriorityThreshold: 4, AssignableAgentTags: map[string]struct{}{}}
	if v, ok := cfg["base_url"].(string); ok {
		c.BaseURL = v
	}
	if v, ok := cfg["api_token"].(string); ok {
		c.APIToken = v
	}
	if v, ok := cfg["urgent_priority_threshold"].(int); ok {
		c.UrgentPriorityThreshold = v
	}
	if v, ok := cfg["assignable_agent_tags"].([]string); ok {
		for _, tag := range v {
			c.AssignableAgentTags[tag] = struct{}{}
		}
	}
	return c
}

// httpDoer is the subset of *http.Client the Point needs, so tests can
// substitute a fake transport.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Point implements checkpoint.CheckingPoint for one of the three
// tracker variants, distinguished by typ.
type Point struct {
	typ    checkpoint.Type
	desc   checkpoint.Descriptor
	cfg    Config
	client httpDoer
}

func newPoint(typ checkpoint.Type) checkpoint.Factory {
	return func(raw workflow.Values) (checkpoint.CheckingPoint, error) {
		cfg := configFrom(raw)
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("tracker: base_url is required")
		}
		return &Point{
			typ:    typ,
			cfg:    cfg,
			client: &http.Client{Timeout: 10 * time.Second},
			desc: checkpoint.DescriptorFrom(raw, typ, checkpoint.Descriptor{
				FetchTimeout:  10 * time.Second,
				FetchInterval: time.Minute,
			}),
		}, nil
	}
}

func (p *Point) Descriptor() checkpoint.Descriptor { return p.desc }

// FetchData lists open issues from the tracker's /issues?status=open
// endpoint.
func (p *Point) FetchData(ctx context.Context, params workflow.Values) ([]workflow.MonitoringDatum, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(p.cfg.BaseURL, "/")+"/issues?status=open", nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: build request: %w", err)
	}
	if p.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: list issues: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: list issues: unexpected status %d", resp.StatusCode)
	}

	var issues []Issue
	if err := json.NewDecoder(resp.Body).Decode(&issues); err != nil {
		return nil, fmt.Errorf("tracker: decode issues: %w", err)
	}

	data := make([]workflow.MonitoringDatum, 0, len(issues))
	for _, issue := range issues {
		data = append(data, workflow.MonitoringDatum{
			ID:        issue.ID,
			Type:      workflow.DatumTask,
			Source:    p.cfg.BaseURL,
			Payload:   issue,
			Timestamp: time.Now(),
		})
	}
	return data, nil
}

func (p *Point) CanHandle(datum workflow.MonitoringDatum) bool {
	return datum.Type == workflow.DatumTask
}

func (p *Point) Evaluate(ctx context.Context, datum workflow.MonitoringDatum) (workflow.CheckResult, error) {
	issue, ok := datum.Payload.(Issue)
	if !ok {
		return workflow.CheckResult{}, fmt.Errorf("tracker: unexpected payload type %T", datum.Payload)
	}

	result := workflow.CheckResult{
		CheckingPointName: p.desc.Name,
		CheckingPointType: string(p.typ),
		ResultType:        workflow.ResultNoMatch,
	}

	switch p.typ {
	case checkpoint.TypeTrackerUrgent:
		if issue.Priority >= p.cfg.UrgentPriorityThreshold {
			result.ResultType = workflow.ResultMatch
			result.ShouldAct = true
			result.Reason = fmt.Sprintf("priority %d meets urgent threshold %d", issue.Priority, p.cfg.UrgentPriorityThreshold)
		}
	case checkpoint.TypeTrackerOverdue:
		if issue.DueAt != nil && issue.DueAt.Before(time.Now()) {
			result.ResultType = workflow.ResultMatch
			result.ShouldAct = true
			result.Reason = "issue is past its due date"
		}
	case checkpoint.TypeTrackerSmartAssignment:
		if issue.Assignee == "" && requiredTagsSatisfied(issue.RequiredTags, p.cfg.AssignableAgentTags) {
			result.ResultType = workflow.ResultMatch
			result.ShouldAct = true
			result.Reason = "unassigned issue matches an agent's capability tags"
		}
	}
	return result, nil
}

func requiredTagsSatisfied(required []string, have map[string]struct{}) bool {
	if len(required) == 0 {
		return false
	}
	for _, tag := range required {
		if _, ok := have[tag]; !ok {
			return false
		}
	}
	return true
}

func (p *Point) GetActions(datum workflow.MonitoringDatum, result workflow.CheckResult) []checkpoint.ImmediateAction {
	if !result.ShouldAct || p.typ != checkpoint.TypeTrackerUrgent {
		return nil
	}
	issue, _ := datum.Payload.(Issue)
	return []checkpoint.ImmediateAction{{
		Kind:   "tag-urgent",
		Target: issue.ID,
	}}
}

func (p *Point) GetAfterProcess(datum workflow.MonitoringDatum, result workflow.CheckResult) []workflow.AIAction {
	if !result.ShouldAct {
		return nil
	}
	return []workflow.AIAction{{
		Name:              string(p.typ),
		WorkflowName:      "tracker-triage",
		CheckingPointName: p.desc.Name,
		AgentRole:         "triage",
	}}
}
