package orchestrator

import (
	"time"

	"github.com/conductorhq/conductor/pkg/workflow"
)

// errorHandler is the sink every node error flows through. It appends
// an error execution record capturing the failing node and the state
// it failed from, then sets the terminal status: REJECTED for a
// policy or approval denial, FAILED for everything else. nodeFunc's
// third return value is a plain error; every node actually constructs
// one via nodeErr and returns it as a *NodeError, but err is
// re-asserted here rather than widening nodeFunc's signature, so an
// unexpected plain error still degrades to FAILED instead of a panic.
func errorHandler(state *workflow.WorkflowState, now time.Time, err error) *workflow.WorkflowState {
	ne, ok := err.(*NodeError)
	if !ok {
		ne = &NodeError{Node: "unknown", Type: NodeErrorType("UNKNOWN"), Message: err.Error()}
	}

	terminal := workflow.StateFailed
	if ne.Type == ErrPolicyRejected || ne.Type == ErrApprovalRejected {
		terminal = workflow.StateRejected
	}

	next := state.AppendExecution(workflow.ExecutionRecord{
		Timestamp: now,
		Action:    ne.Node,
		OK:        false,
		Error:     err.Error(),
	}, now)

	return next.WithStatus(workflow.Status{
		State:   terminal,
		Message: ne.Message,
		Error:   err.Error(),
	}, now)
}
