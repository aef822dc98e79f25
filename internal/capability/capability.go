// Package capability implements the Capability Registry: the cache in
// front of the Tool Catalog Client that the capability_discovery node
// calls to obtain a ToolCatalog filtered for a run's agent role.
package capability

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/conductorhq/conductor/internal/catalog"
	"github.com/conductorhq/conductor/pkg/workflow"
)

// FilterSpec narrows a role's filtered catalog beyond the registry's
// own role-based rules.
type FilterSpec struct {
	ExcludedTools []string
	RequiredTags  []string
}

// RoleFilter decides, for a given agent role and tool, whether the
// tool should appear in that role's filtered catalog. A nil RoleFilter
// admits every tool.
type RoleFilter func(role string, tool workflow.ToolDescriptor) bool

// Registry caches the catalog obtained from client and serves
// role-filtered views of it.
type Registry struct {
	client     catalog.Client
	roleFilter RoleFilter

	mu           sync.RWMutex
	catalog      *workflow.ToolCatalog
	catalogErr   error
	fetched      bool
	filteredByRole map[string]*workflow.ToolCatalog
}

// New builds a Registry over client. roleFilter may be nil to admit
// every tool for every role.
func New(client catalog.Client, roleFilter RoleFilter) *Registry {
	return &Registry{
		client:         client,
		roleFilter:     roleFilter,
		filteredByRole: make(map[string]*workflow.ToolCatalog),
	}
}

// Discover returns the cached ToolCatalog, fetching it from the client
// on first call. Discovery errors propagate to the caller and are not
// cached, so a subsequent Discover retries.
func (r *Registry) Discover(ctx context.Context) (*workflow.ToolCatalog, error) {
	r.mu.RLock()
	if r.fetched {
		cat, err := r.catalog, r.catalogErr
		r.mu.RUnlock()
		return cat, err
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetched {
		return r.catalog, r.catalogErr
	}

	cat, err := r.client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("capability: discover: %w", err)
	}
	r.catalog = cat
	r.fetched = true
	return cat, nil
}

// ClearCache discards the cached catalog and every per-role filtered
// view, forcing the next Discover/Filter to re-fetch.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetched = false
	r.catalog = nil
	r.catalogErr = nil
	r.filteredByRole = make(map[string]*workflow.ToolCatalog)
}

// Filter returns the tool descriptors available to ctx.AgentRole, with
// spec's ExcludedTools and RequiredTags applied on top of the
// registry's role-based rules. Results are cached per (role, spec)
// key. A nil spec applies only the role-based rules.
//
// Filter errors (a failure in the underlying Discover call) degrade to
// an empty catalog rather than propagating, per spec: the orchestrator
// continues through capability_discovery and reports a precise denial
// at policy_validation instead.
func (r *Registry) Filter(ctx context.Context, execCtx workflow.ExecutionContext, spec *FilterSpec) *workflow.ToolCatalog {
	cat, err := r.Discover(ctx)
	if err != nil || cat == nil {
		return workflow.NewToolCatalog(nil)
	}

	cacheKey := filterCacheKey(execCtx.AgentRole, spec)
	r.mu.RLock()
	if cached, ok := r.filteredByRole[cacheKey]; ok {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	var excluded map[string]struct{}
	if spec != nil && len(spec.ExcludedTools) > 0 {
		excluded = make(map[string]struct{}, len(spec.ExcludedTools))
		for _, name := range spec.ExcludedTools {
			excluded[name] = struct{}{}
		}
	}

	filtered := make([]workflow.ToolDescriptor, 0, cat.Len())
	for _, tool := range cat.Tools {
		if r.roleFilter != nil && !r.roleFilter(execCtx.AgentRole, tool) {
			continue
		}
		if _, deny := excluded[tool.Name]; deny {
			continue
		}
		if spec != nil && len(spec.RequiredTags) > 0 && !hasAllTags(tool.Tags, spec.RequiredTags) {
			continue
		}
		filtered = append(filtered, tool)
	}

	result := workflow.NewToolCatalog(filtered)
	r.mu.Lock()
	r.filteredByRole[cacheKey] = result
	r.mu.Unlock()
	return result
}

func hasAllTags(tags, required []string) bool {
	have := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		have[t] = struct{}{}
	}
	for _, t := range required {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

func filterCacheKey(role string, spec *FilterSpec) string {
	if spec == nil {
		return role
	}
	return role + "|excl:" + strings.Join(spec.ExcludedTools, ",") + "|tags:" + strings.Join(spec.RequiredTags, ",")
}

// UpdateWorkflowState runs Filter with state's context and returns a
// clone of state with AvailableCapabilities set to the result, per the
// capability_discovery node's contract.
func (r *Registry) UpdateWorkflowState(ctx context.Context, state *workflow.WorkflowState, spec *FilterSpec, now time.Time) *workflow.WorkflowState {
	filtered := r.Filter(ctx, state.Context, spec)
	return state.WithCapabilities(filtered, now)
}

// GetCapabilityByName returns the cached catalog's descriptor for
// name, if present.
func (r *Registry) GetCapabilityByName(ctx context.Context, name string) (workflow.ToolDescriptor, bool) {
	cat, err := r.Discover(ctx)
	if err != nil || cat == nil {
		return workflow.ToolDescriptor{}, false
	}
	return cat.Lookup(name)
}
