package orchestrator

import (
	"time"

	"github.com/conductorhq/conductor/internal/capability"
	"github.com/conductorhq/conductor/internal/executor"
)

// RoleSettings is one entry in the agent role registry: the model and
// system prompt building blocks for a role, plus the tool filter
// the capability_discovery node applies on its behalf.
type RoleSettings struct {
	Model        string
	SystemPrompt string
	ToolFilter   *capability.FilterSpec
}

// Config holds the small set of options spec.md §6 says the
// orchestrator reads directly (everything provider-specific lives
// behind the Model Backend/Tool Catalog clients it's constructed with).
type Config struct {
	// Roles maps agent_role to its static configuration. A role absent
	// from this map fails agent_decision with ErrUnknownRole.
	Roles map[string]RoleSettings

	// ActionTimeout bounds a single result_processing tool call.
	// Defaults to 30s.
	ActionTimeout time.Duration
	// Retry is the constant-delay retry policy ExecuteStep applies to
	// result_processing's tool invocation. Defaults to executor.DefaultRetry().
	Retry executor.Retry
	// RetentionDuration is how long a terminal run's state remains
	// queryable via Status. Status reports an older terminal run as
	// ErrRunNotFound and deletes it; there is no background sweep.
	// Defaults to 24h.
	RetentionDuration time.Duration
}

// normalized returns a copy of c with zero-valued fields replaced by
// their documented defaults.
func (c Config) normalized() Config {
	if c.Roles == nil {
		c.Roles = map[string]RoleSettings{}
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 30 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = executor.DefaultRetry()
	}
	if c.RetentionDuration <= 0 {
		c.RetentionDuration = 24 * time.Hour
	}
	return c
}
