package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/checkpoint"
	"github.com/conductorhq/conductor/pkg/workflow"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []workflow.ExecutionContext
}

func (f *fakeDispatcher) Run(ctx context.Context, execCtx workflow.ExecutionContext) (string, *workflow.WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCtx)
	return "run-1", &workflow.WorkflowState{Status: workflow.Status{State: workflow.StateSucceeded}}, nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakePoint is a configurable stand-in for a concrete checking point.
type fakePoint struct {
	desc    checkpoint.Descriptor
	data    []workflow.MonitoringDatum
	result  workflow.CheckResult
	actions []checkpoint.ImmediateAction
	after   []workflow.AIAction
}

func (p *fakePoint) Descriptor() checkpoint.Descriptor { return p.desc }

func (p *fakePoint) FetchData(ctx context.Context, params workflow.Values) ([]workflow.MonitoringDatum, error) {
	return p.data, nil
}

func (p *fakePoint) CanHandle(datum workflow.MonitoringDatum) bool { return true }

func (p *fakePoint) Evaluate(ctx context.Context, datum workflow.MonitoringDatum) (workflow.CheckResult, error) {
	return p.result, nil
}

func (p *fakePoint) GetActions(datum workflow.MonitoringDatum, result workflow.CheckResult) []checkpoint.ImmediateAction {
	return p.actions
}

func (p *fakePoint) GetAfterProcess(datum workflow.MonitoringDatum, result workflow.CheckResult) []workflow.AIAction {
	return p.after
}

func registerFakeFactory(t *testing.T, registry *checkpoint.Registry, typ checkpoint.Type, build func() checkpoint.CheckingPoint) {
	t.Helper()
	if err := registry.RegisterFactory(typ, func(cfg workflow.Values) (checkpoint.CheckingPoint, error) {
		return build(), nil
	}); err != nil {
		t.Fatalf("RegisterFactory: %v", err)
	}
}

func TestRunOnce_DispatchesMatchedAIActionAndRunsImmediateActionsOnce(t *testing.T) {
	registry := checkpoint.NewRegistry()
	var immediateCalls int32

	registerFakeFactory(t, registry, checkpoint.TypeCustom, func() checkpoint.CheckingPoint {
		return &fakePoint{
			desc: checkpoint.Descriptor{Name: "p1", Type: checkpoint.TypeCustom, Enabled: true, AIWorkflowEnabled: true, Priority: 5},
			data: []workflow.MonitoringDatum{{ID: "d1"}},
			result: workflow.CheckResult{
				CheckingPointName: "p1",
				ResultType:        workflow.ResultMatch,
				ShouldAct:         true,
			},
			actions: []checkpoint.ImmediateAction{{Kind: "notify", Target: "chat"}},
			after:   []workflow.AIAction{{Name: "investigate", WorkflowName: "deploy-check", AgentRole: "sre"}},
		}
	})
	dispatcher := &fakeDispatcher{}
	handler := ImmediateActionHandlerFunc(func(ctx context.Context, action checkpoint.ImmediateAction) error {
		atomic.AddInt32(&immediateCalls, 1)
		return nil
	})

	s := New(registry, dispatcher, Config{DispatchWorkers: 1}, WithImmediateActionHandler(handler))
	if err := s.Configure(PointConfig{Type: checkpoint.TypeCustom, Name: "p1"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	s.RunOnce(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for dispatcher.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		s.drainOnce(context.Background())
	}

	if got := dispatcher.count(); got != 1 {
		t.Fatalf("dispatcher.Run called %d times, want 1", got)
	}
	if got := atomic.LoadInt32(&immediateCalls); got != 1 {
		t.Fatalf("immediate handler called %d times, want 1", got)
	}
}

// drainOnce lets a test pull a single queued action through the
// dispatch path without running the full Start() goroutine loop.
func (s *Scheduler) drainOnce(ctx context.Context) {
	select {
	case action := <-s.queue:
		s.runAction(ctx, action)
	default:
	}
}

func TestEvaluateGroup_StopOnMatchSkipsLowerPriorityPoint(t *testing.T) {
	registry := checkpoint.NewRegistry()

	var lowEvaluated bool
	registerFakeFactory(t, registry, checkpoint.TypeCustom, func() checkpoint.CheckingPoint {
		return &fakePoint{
			desc:   checkpoint.Descriptor{Name: "high", Type: checkpoint.TypeCustom, Enabled: true, Priority: 9, StopOnMatch: true},
			data:   []workflow.MonitoringDatum{{ID: "shared"}},
			result: workflow.CheckResult{ShouldAct: true, ResultType: workflow.ResultMatch},
		}
	})

	registerFakeFactory(t, registry, checkpoint.Type("low-type"), func() checkpoint.CheckingPoint {
		return &trackingPoint{
			fakePoint: fakePoint{
				desc:   checkpoint.Descriptor{Name: "low", Type: "low-type", Enabled: true, Priority: 1},
				data:   []workflow.MonitoringDatum{{ID: "shared"}},
				result: workflow.CheckResult{ShouldAct: true, ResultType: workflow.ResultMatch},
			},
			evaluated: &lowEvaluated,
		}
	})

	dispatcher := &fakeDispatcher{}
	s := New(registry, dispatcher, Config{})
	if err := s.Configure(PointConfig{Type: checkpoint.TypeCustom, Name: "high"}); err != nil {
		t.Fatalf("Configure(high): %v", err)
	}
	if err := s.Configure(PointConfig{Type: "low-type", Name: "low"}); err != nil {
		t.Fatalf("Configure(low): %v", err)
	}

	s.RunOnce(context.Background())

	if lowEvaluated {
		t.Fatal("lower-priority point was evaluated despite a higher-priority stop_on_match")
	}
}

// trackingPoint records whether Evaluate was ever called, to assert a
// point was skipped by stop_on_match rather than simply matching false.
type trackingPoint struct {
	fakePoint
	evaluated *bool
}

func (p *trackingPoint) Evaluate(ctx context.Context, datum workflow.MonitoringDatum) (workflow.CheckResult, error) {
	*p.evaluated = true
	return p.fakePoint.Evaluate(ctx, datum)
}

func TestDispatchMatch_DropsAIActionWhenQueueFull(t *testing.T) {
	registry := checkpoint.NewRegistry()
	registerFakeFactory(t, registry, checkpoint.TypeCustom, func() checkpoint.CheckingPoint {
		return &fakePoint{
			desc:   checkpoint.Descriptor{Name: "p1", Type: checkpoint.TypeCustom, Enabled: true, AIWorkflowEnabled: true},
			data:   []workflow.MonitoringDatum{{ID: "1"}, {ID: "2"}},
			result: workflow.CheckResult{ShouldAct: true},
			after:  []workflow.AIAction{{Name: "a", WorkflowName: "w"}},
		}
	})

	dispatcher := &fakeDispatcher{}
	s := New(registry, dispatcher, Config{QueueCapacity: 1, DispatchWorkers: 1})
	if err := s.Configure(PointConfig{Type: checkpoint.TypeCustom, Name: "p1"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	s.RunOnce(context.Background())

	if len(s.queue) == 0 {
		t.Fatal("expected at least one AIAction queued")
	}
}

func TestDueInstances_SkipsDisabledPoints(t *testing.T) {
	registry := checkpoint.NewRegistry()
	registerFakeFactory(t, registry, checkpoint.TypeCustom, func() checkpoint.CheckingPoint {
		return &fakePoint{desc: checkpoint.Descriptor{Name: "disabled", Type: checkpoint.TypeCustom, Enabled: false}}
	})

	dispatcher := &fakeDispatcher{}
	s := New(registry, dispatcher, Config{})
	if err := s.Configure(PointConfig{Type: checkpoint.TypeCustom, Name: "disabled"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	due := s.dueInstances()
	if len(due) != 0 {
		t.Fatalf("dueInstances = %+v, want none (point disabled)", due)
	}
}
