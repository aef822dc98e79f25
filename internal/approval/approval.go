// Package approval implements the Approval Manager: the process-wide
// store of human sign-off requests the approval_workflow node creates,
// waits on, and resolves. Expiration is lazy — checked whenever a
// request is read — rather than driven by a background sweep, though
// an optional sweeper is provided for callers that want the store to
// self-clean.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/conductorhq/conductor/pkg/workflow"
)

var (
	ErrNotFound       = errors.New("approval request not found")
	ErrAlreadyResolved = errors.New("approval request already resolved")
)

// Manager is a thread-safe store of ApprovalRequests, indexed by
// approval ID with a secondary index by run ID.
type Manager struct {
	mu       sync.RWMutex
	byID     map[string]*workflow.ApprovalRequest
	byRun    map[string]map[string]struct{}
	nextID   func() string

	onRequested func(*workflow.ApprovalRequest)
	onResolved  func(*workflow.ApprovalRequest)
}

// New builds an empty Manager. idGen generates approval IDs; pass nil
// to use the package default (a monotonic counter prefixed "apr_").
func New(idGen func() string) *Manager {
	if idGen == nil {
		idGen = defaultIDGenerator()
	}
	return &Manager{
		byID:   make(map[string]*workflow.ApprovalRequest),
		byRun:  make(map[string]map[string]struct{}),
		nextID: idGen,
	}
}

// OnRequested registers a callback invoked synchronously whenever
// Create adds a new pending request, e.g. to notify a chat channel.
func (m *Manager) OnRequested(fn func(*workflow.ApprovalRequest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRequested = fn
}

// OnResolved registers a callback invoked whenever a request leaves
// PENDING, whatever the resolution.
func (m *Manager) OnResolved(fn func(*workflow.ApprovalRequest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResolved = fn
}

// Create registers a new pending approval request for tool, scoped to
// runID, expiring after timeout.
func (m *Manager) Create(runID string, tool workflow.ToolDescriptor, ctx workflow.ExecutionContext, timeout time.Duration, now time.Time) *workflow.ApprovalRequest {
	req := &workflow.ApprovalRequest{
		ApprovalID: m.nextID(),
		RunID:      runID,
		Tool:       tool,
		Context:    ctx.Clone(),
		Status:     workflow.ApprovalPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(timeout),
	}

	m.mu.Lock()
	m.byID[req.ApprovalID] = req
	if m.byRun[runID] == nil {
		m.byRun[runID] = make(map[string]struct{})
	}
	m.byRun[runID][req.ApprovalID] = struct{}{}
	callback := m.onRequested
	m.mu.Unlock()

	if callback != nil {
		callback(req.Clone())
	}
	return req.Clone()
}

// Get returns the request named id, applying lazy expiration against
// now before returning it.
func (m *Manager) Get(id string, now time.Time) (*workflow.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.expireLocked(req, now)
	return req.Clone(), nil
}

// GetByRun returns every request created for runID, expiration-checked
// against now.
func (m *Manager) GetByRun(runID string, now time.Time) []*workflow.ApprovalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byRun[runID]
	out := make([]*workflow.ApprovalRequest, 0, len(ids))
	for id := range ids {
		req := m.byID[id]
		m.expireLocked(req, now)
		out = append(out, req.Clone())
	}
	return out
}

// GetPending returns every request still PENDING after lazy expiration
// is applied against now.
func (m *Manager) GetPending(now time.Time) []*workflow.ApprovalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*workflow.ApprovalRequest
	for _, req := range m.byID {
		m.expireLocked(req, now)
		if req.Status == workflow.ApprovalPending {
			out = append(out, req.Clone())
		}
	}
	return out
}

// expireLocked transitions req to EXPIRED if it is PENDING and now is
// past ExpiresAt. Caller must hold m.mu.
func (m *Manager) expireLocked(req *workflow.ApprovalRequest, now time.Time) {
	if req.Status == workflow.ApprovalPending && now.After(req.ExpiresAt) {
		req.Status = workflow.ApprovalExpired
		resolved := now
		req.ResolvedAt = &resolved
		req.ResolutionReason = "approval window elapsed"
		callback := m.onResolved
		if callback != nil {
			snapshot := req.Clone()
			go callback(snapshot)
		}
	}
}

// Approve resolves id as APPROVED by approver, unless it has already
// left PENDING (including via lazy expiration against now).
func (m *Manager) Approve(id, approver string, now time.Time) (*workflow.ApprovalRequest, error) {
	return m.resolve(id, workflow.ApprovalApproved, approver, "", now)
}

// Reject resolves id as REJECTED by approver, recording reason.
func (m *Manager) Reject(id, approver, reason string, now time.Time) (*workflow.ApprovalRequest, error) {
	return m.resolve(id, workflow.ApprovalRejected, approver, reason, now)
}

func (m *Manager) resolve(id string, status workflow.ApprovalStatus, approver, reason string, now time.Time) (*workflow.ApprovalRequest, error) {
	m.mu.Lock()
	req, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.expireLocked(req, now)
	if req.Status != workflow.ApprovalPending {
		snapshot := req.Clone()
		m.mu.Unlock()
		return snapshot, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, req.Status)
	}

	req.Status = status
	resolved := now
	req.ResolvedAt = &resolved
	req.ResolvedBy = approver
	req.ResolutionReason = reason
	callback := m.onResolved
	snapshot := req.Clone()
	m.mu.Unlock()

	if callback != nil {
		callback(snapshot.Clone())
	}
	return snapshot, nil
}

// CancelRun marks every still-pending request for runID CANCELLED, for
// use when the owning run is cancelled or fails outright.
func (m *Manager) CancelRun(runID string, now time.Time) int {
	m.mu.Lock()
	ids := m.byRun[runID]
	var cancelled []*workflow.ApprovalRequest
	for id := range ids {
		req := m.byID[id]
		m.expireLocked(req, now)
		if req.Status == workflow.ApprovalPending {
			req.Status = workflow.ApprovalCancelled
			resolved := now
			req.ResolvedAt = &resolved
			req.ResolutionReason = "run cancelled"
			cancelled = append(cancelled, req.Clone())
		}
	}
	callback := m.onResolved
	m.mu.Unlock()

	if callback != nil {
		for _, req := range cancelled {
			callback(req.Clone())
		}
	}
	return len(cancelled)
}

// ClearRun removes every request recorded for runID from the store,
// for use once a run's terminal outcome has been durably recorded
// elsewhere.
func (m *Manager) ClearRun(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.byRun[runID] {
		delete(m.byID, id)
	}
	delete(m.byRun, runID)
}

// Stats summarizes the store's current contents by status.
type Stats struct {
	Pending   int
	Approved  int
	Rejected  int
	Expired   int
	Cancelled int
}

// Stats computes Stats over the whole store, applying lazy expiration
// against now first.
func (m *Manager) Stats(now time.Time) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, req := range m.byID {
		m.expireLocked(req, now)
		switch req.Status {
		case workflow.ApprovalPending:
			s.Pending++
		case workflow.ApprovalApproved:
			s.Approved++
		case workflow.ApprovalRejected:
			s.Rejected++
		case workflow.ApprovalExpired:
			s.Expired++
		case workflow.ApprovalCancelled:
			s.Cancelled++
		}
	}
	return s
}

// RunSweeper periodically applies lazy expiration across the whole
// store until ctx is cancelled, for callers that want expirations to
// fire the onResolved callback promptly rather than only on next
// access.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.GetPending(now)
		}
	}
}

func defaultIDGenerator() func() string {
	var mu sync.Mutex
	var counter int64
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		counter++
		return fmt.Sprintf("apr_%d_%d", time.Now().UnixNano(), counter)
	}
}
