// Package workflowstore is the concurrency-safe home of every run's
// WorkflowState: a run_id -> *workflow.WorkflowState map where each run
// has its own lock, so concurrent distinct runs never block each
// other while a single run's node executions still serialize against
// one another.
package workflowstore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/conductorhq/conductor/pkg/workflow"
)

var ErrNotFound = errors.New("workflow state not found")

// entry pairs a run's state with the lock that serializes updates to
// it, so holding entry.mu is what the orchestrator uses to guarantee
// only one node executes for a given run at a time.
type entry struct {
	mu    sync.Mutex
	state *workflow.WorkflowState
}

// Store is the process-wide table of run states.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New returns an empty Store.
func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

func (s *Store) entryFor(runID string, createIfMissing bool) *entry {
	s.mu.RLock()
	e, ok := s.entries[runID]
	s.mu.RUnlock()
	if ok || !createIfMissing {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[runID]; ok {
		return e
	}
	e = &entry{}
	s.entries[runID] = e
	return e
}

// Put stores state, replacing whatever was previously recorded for
// its RunID.
func (s *Store) Put(state *workflow.WorkflowState) {
	e := s.entryFor(state.RunID, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state.Clone()
}

// Get returns a clone of the state recorded for runID.
func (s *Store) Get(runID string) (*workflow.WorkflowState, error) {
	e := s.entryFor(runID, false)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return e.state.Clone(), nil
}

// Update loads runID's state, holding its per-run lock for the
// duration of fn, and stores whatever fn returns. This is the
// mechanism the orchestrator uses to serialize node execution for a
// single run: two Update calls for the same runID never interleave,
// but Update calls for different runs proceed concurrently.
func (s *Store) Update(runID string, fn func(*workflow.WorkflowState) (*workflow.WorkflowState, error)) (*workflow.WorkflowState, error) {
	e := s.entryFor(runID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	var current *workflow.WorkflowState
	if e.state != nil {
		current = e.state.Clone()
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, fmt.Errorf("workflowstore: Update function for %s returned nil state", runID)
	}
	e.state = next.Clone()
	return next.Clone(), nil
}

// Delete removes runID's entry entirely.
func (s *Store) Delete(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, runID)
}

// Len reports the number of runs currently tracked.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// IterateTerminalOlderThan calls fn once for every run whose state is
// terminal and whose UpdatedAt is older than cutoff relative to now,
// in no particular order. fn returning true deletes the run from the
// store. Nothing in this module calls it on a schedule.
func (s *Store) IterateTerminalOlderThan(now time.Time, olderThan time.Duration, fn func(*workflow.WorkflowState) bool) {
	cutoff := now.Add(-olderThan)

	s.mu.RLock()
	runIDs := make([]string, 0, len(s.entries))
	for id := range s.entries {
		runIDs = append(runIDs, id)
	}
	s.mu.RUnlock()

	for _, runID := range runIDs {
		e := s.entryFor(runID, false)
		if e == nil {
			continue
		}
		e.mu.Lock()
		state := e.state
		shouldDelete := state != nil && state.Status.State.Terminal() && state.UpdatedAt.Before(cutoff) && fn(state.Clone())
		e.mu.Unlock()

		if shouldDelete {
			s.Delete(runID)
		}
	}
}
