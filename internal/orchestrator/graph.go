package orchestrator

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/conductorhq/conductor/pkg/workflow"
)

// nodeFunc is one node in the nine-node graph: it consumes a state
// snapshot and produces a successor plus the next node to enter, or a
// nil next node to stop driving (either a suspension or, combined with
// a terminal status, the end of the run). A returned error is never a
// Go-idiomatic "something broke" signal here — it is the node's way of
// reporting a spec-defined failure outcome, and the graph driver
// always routes it through errorHandler rather than propagating it
// to the caller as a runtime error.
type nodeFunc func(ctx context.Context, o *Orchestrator, state *workflow.WorkflowState, now time.Time) (*workflow.WorkflowState, nodeFunc, error)

// drive runs the graph starting at start, one node transition per
// workflowstore.Update call, until a node reports no next node (either
// because it suspended the run or reached a terminal state). Each
// Update call holds the store's per-run lock only for the duration of
// a single node's logic, but the caller is expected to already be
// holding Orchestrator.runLock(runID) for the whole drive so that a
// concurrent Approve/Run targeting the same run can't interleave
// transitions between Update calls.
func (o *Orchestrator) drive(ctx context.Context, runID string, start nodeFunc) (*workflow.WorkflowState, error) {
	node := start

	for node != nil {
		current := node
		var next nodeFunc

		spanCtx, span := o.tracer.TraceNode(ctx, runID, nodeName(current))
		result, err := o.store.Update(runID, func(s *workflow.WorkflowState) (*workflow.WorkflowState, error) {
			if s == nil {
				return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
			}
			now := o.now()
			ns, nf, nodeErr := current(spanCtx, o, s, now)
			if nodeErr != nil {
				// errorHandler re-asserts nodeErr to *NodeError itself;
				// nodeFunc's signature only promises error.
				next = nil
				o.tracer.RecordError(span, nodeErr)
				return errorHandler(s, now, nodeErr), nil
			}
			next = nf
			return ns, nil
		})
		span.End()
		if err != nil {
			return nil, err
		}

		node = next
		if node == nil {
			return result, nil
		}
	}
	return o.store.Get(runID)
}

// nodeName derives a span-friendly name from a nodeFunc value's own
// function name (e.g. "capabilityDiscoveryNode"), since nodeFunc is an
// opaque continuation and nodes never carry their own name field.
func nodeName(nf nodeFunc) string {
	full := runtime.FuncForPC(reflect.ValueOf(nf).Pointer()).Name()
	if i := strings.LastIndexByte(full, '.'); i >= 0 {
		full = full[i+1:]
	}
	return strings.TrimSuffix(full, "-fm")
}
