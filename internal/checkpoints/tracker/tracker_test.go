package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/checkpoint"
	"github.com/conductorhq/conductor/pkg/workflow"
)

func newTestPoint(typ checkpoint.Type, cfg Config) *Point {
	return &Point{
		typ:  typ,
		cfg:  cfg,
		desc: checkpoint.Descriptor{Name: "p1", Type: typ, Enabled: true},
	}
}

func datumFor(issue Issue) workflow.MonitoringDatum {
	return workflow.MonitoringDatum{ID: issue.ID, Type: workflow.DatumTask, Payload: issue}
}

func TestEvaluate_Urgent(t *testing.T) {
	p := newTestPoint(checkpoint.TypeTrackerUrgent, Config{UrgentPriorityThreshold: 4})

	result, err := p.Evaluate(context.Background(), datumFor(Issue{ID: "1", Priority: 5}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.ShouldAct {
		t.Fatal("expected priority 5 to meet threshold 4")
	}

	result, err = p.Evaluate(context.Background(), datumFor(Issue{ID: "2", Priority: 1}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.ShouldAct {
		t.Fatal("expected priority 1 to not match")
	}
}

func TestEvaluate_Overdue(t *testing.T) {
	p := newTestPoint(checkpoint.TypeTrackerOverdue, Config{})

	past := time.Now().Add(-time.Hour)
	result, err := p.Evaluate(context.Background(), datumFor(Issue{ID: "1", DueAt: &past}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.ShouldAct {
		t.Fatal("expected a past due date to match")
	}

	future := time.Now().Add(time.Hour)
	result, err = p.Evaluate(context.Background(), datumFor(Issue{ID: "2", DueAt: &future}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.ShouldAct {
		t.Fatal("expected a future due date to not match")
	}
}

func TestEvaluate_SmartAssignment(t *testing.T) {
	p := newTestPoint(checkpoint.TypeTrackerSmartAssignment, Config{
		AssignableAgentTags: map[string]struct{}{"go": {}, "infra": {}},
	})

	result, err := p.Evaluate(context.Background(), datumFor(Issue{ID: "1", RequiredTags: []string{"go"}}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.ShouldAct {
		t.Fatal("expected a satisfiable tag set to match")
	}

	result, err = p.Evaluate(context.Background(), datumFor(Issue{ID: "2", Assignee: "alice", RequiredTags: []string{"go"}}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.ShouldAct {
		t.Fatal("expected an already-assigned issue to not match")
	}

	result, err = p.Evaluate(context.Background(), datumFor(Issue{ID: "3", RequiredTags: []string{"rust"}}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.ShouldAct {
		t.Fatal("expected an unsatisfiable tag set to not match")
	}
}

func TestGetActions_OnlyUrgentTagsIssue(t *testing.T) {
	p := newTestPoint(checkpoint.TypeTrackerOverdue, Config{})
	match := workflow.CheckResult{ShouldAct: true}
	if actions := p.GetActions(datumFor(Issue{ID: "1"}), match); actions != nil {
		t.Fatalf("expected no immediate actions for tracker-overdue, got %+v", actions)
	}

	p2 := newTestPoint(checkpoint.TypeTrackerUrgent, Config{})
	actions := p2.GetActions(datumFor(Issue{ID: "1"}), match)
	if len(actions) != 1 {
		t.Fatalf("expected one immediate action for tracker-urgent, got %d", len(actions))
	}
}
