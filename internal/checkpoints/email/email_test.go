package email

import (
	"context"
	"testing"

	"github.com/conductorhq/conductor/internal/checkpoint"
	"github.com/conductorhq/conductor/pkg/workflow"
)

func newTestPoint(cfg Config) *Point {
	return &Point{
		cfg:  cfg,
		desc: checkpoint.Descriptor{Name: "p1", Type: checkpoint.TypeEmailAlert, Enabled: true},
	}
}

func datumFor(msg Message) workflow.MonitoringDatum {
	return workflow.MonitoringDatum{ID: msg.ID, Type: workflow.DatumEmail, Payload: msg}
}

func TestEvaluate_AlertSenderMatch(t *testing.T) {
	p := newTestPoint(Config{AlertSenders: map[string]struct{}{"vip@example.com": {}}})

	msg := Message{ID: "1"}
	msg.From.EmailAddress.Address = "VIP@example.com"
	result, err := p.Evaluate(context.Background(), datumFor(msg))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.ShouldAct {
		t.Fatal("expected a case-insensitive sender match")
	}
}

func TestEvaluate_AlertSenderNoMatch(t *testing.T) {
	p := newTestPoint(Config{AlertSenders: map[string]struct{}{"vip@example.com": {}}})

	msg := Message{ID: "1"}
	msg.From.EmailAddress.Address = "nobody@example.com"
	result, err := p.Evaluate(context.Background(), datumFor(msg))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.ShouldAct {
		t.Fatal("expected no match for an unwatched sender")
	}
}

func TestEvaluate_HighImportanceFallback(t *testing.T) {
	p := newTestPoint(Config{})

	msg := Message{ID: "1", ImportanceLevel: "high"}
	result, err := p.Evaluate(context.Background(), datumFor(msg))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.ShouldAct {
		t.Fatal("expected a high-importance message to match with no configured senders")
	}

	msg2 := Message{ID: "2", ImportanceLevel: "normal"}
	result, err = p.Evaluate(context.Background(), datumFor(msg2))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.ShouldAct {
		t.Fatal("expected a normal-importance message to not match")
	}
}

func TestGetActions_OnlyOnMatch(t *testing.T) {
	p := newTestPoint(Config{})
	msg := Message{ID: "1"}

	if actions := p.GetActions(datumFor(msg), workflow.CheckResult{ShouldAct: false}); actions != nil {
		t.Fatalf("expected nil actions for a non-match, got %+v", actions)
	}

	actions := p.GetActions(datumFor(msg), workflow.CheckResult{ShouldAct: true})
	if len(actions) != 1 || actions[0].Target != "1" {
		t.Fatalf("unexpected actions: %+v", actions)
	}
}
