// Package agentcache implements the process-wide memoization of
// constructed agent instances keyed by role, so the agent_decision
// node never pays for rebuilding a role's system prompt and model
// binding on every run.
package agentcache

import (
	"fmt"
	"sync"

	"github.com/conductorhq/conductor/internal/modelbackend"
)

// RoleConfig is the static definition of a role: which model to bind
// it to and the system prompt template to render for it. Builder
// resolves the role + optional per-run template id into the final
// system prompt, so the cache can stay agnostic of templating.
type RoleConfig struct {
	Role         string
	Model        string
	SystemPrompt string
}

// Builder constructs the system prompt for a role, optionally
// specialized by a prompt template id supplied on the run. It is
// called on a cache miss for a (role, templateID) pair (concurrent
// misses may each call it); the result is cached alongside the role's
// Agent.
type Builder func(role RoleConfig, promptTemplateID string) (string, error)

// Cache is the process-wide Agent Cache. The zero value is not usable;
// construct with New.
type Cache struct {
	roles   map[string]RoleConfig
	build   Builder
	mu      sync.RWMutex
	cached  map[string]modelbackend.Agent
}

// New builds a Cache from the static role registry, using build to
// render system prompts on first access. A nil build falls back to
// using each role's configured SystemPrompt verbatim.
func New(roles []RoleConfig, build Builder) *Cache {
	byName := make(map[string]RoleConfig, len(roles))
	for _, r := range roles {
		byName[r.Role] = r
	}
	if build == nil {
		build = func(role RoleConfig, _ string) (string, error) {
			return role.SystemPrompt, nil
		}
	}
	return &Cache{
		roles:  byName,
		build:  build,
		cached: make(map[string]modelbackend.Agent),
	}
}

func cacheKey(role, promptTemplateID string) string {
	if promptTemplateID == "" {
		return role
	}
	return role + "::" + promptTemplateID
}

// Get returns the Agent bound to role, building and caching it on
// first access for the given promptTemplateID. Concurrent callers
// requesting the same (role, promptTemplateID) pair may race to build
// it once each; the cache always serves the most recently stored
// value rather than blocking, since every build is pure and
// idempotent with respect to its inputs.
func (c *Cache) Get(role, promptTemplateID string) (modelbackend.Agent, error) {
	key := cacheKey(role, promptTemplateID)

	c.mu.RLock()
	agent, ok := c.cached[key]
	c.mu.RUnlock()
	if ok {
		return agent, nil
	}

	cfg, ok := c.roles[role]
	if !ok {
		return modelbackend.Agent{}, fmt.Errorf("agentcache: unknown agent role %q", role)
	}

	prompt, err := c.build(cfg, promptTemplateID)
	if err != nil {
		return modelbackend.Agent{}, fmt.Errorf("agentcache: building system prompt for role %q: %w", role, err)
	}

	agent = modelbackend.Agent{
		Role:         cfg.Role,
		Model:        cfg.Model,
		SystemPrompt: prompt,
	}

	c.mu.Lock()
	c.cached[key] = agent
	c.mu.Unlock()

	return agent, nil
}

// Invalidate drops every cached Agent for role, forcing the next Get
// to rebuild its system prompt. Used after a role's configuration is
// hot-reloaded.
func (c *Cache) Invalidate(role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.cached {
		if key == role || len(key) >= len(role)+2 && key[:len(role)+2] == role+"::" {
			delete(c.cached, key)
		}
	}
}

// InvalidateAll drops every cached Agent.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = make(map[string]modelbackend.Agent)
}

// Roles returns the configured role names.
func (c *Cache) Roles() []string {
	names := make([]string, 0, len(c.roles))
	for name := range c.roles {
		names = append(names, name)
	}
	return names
}
