// Package config loads conductor.yaml: the agent role registry, the
// orchestrator and scheduler tunables, the model backend selection,
// and the policy engine's sub-policies. Loading follows the teacher's
// env-var-expansion-then-yaml.v3-decode idiom, trimmed to the single
// file this runtime reads (no $include resolution, no JSON5 fallback —
// neither has a use case in this domain).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of conductor.yaml.
type Config struct {
	Roles        map[string]RoleConfig `yaml:"roles"`
	Orchestrator OrchestratorConfig    `yaml:"orchestrator"`
	Scheduler    SchedulerConfig       `yaml:"scheduler"`
	ModelBackend ModelBackendConfig    `yaml:"model_backend"`
	Policy       PolicyConfig          `yaml:"policy"`
	Logging      LoggingConfig         `yaml:"logging"`
	Tracing      TracingConfig         `yaml:"tracing"`
	Metrics      MetricsConfig         `yaml:"metrics"`
}

// RoleConfig is one entry in the agent role registry: role name →
// {model, system prompt, prompt template id, tool filter}. It holds no
// per-role approval settings; approval is configured only globally,
// under policy.
type RoleConfig struct {
	Model            string   `yaml:"model"`
	SystemPrompt     string   `yaml:"system_prompt"`
	PromptTemplateID string   `yaml:"prompt_template_id"`
	ExcludedTools    []string `yaml:"excluded_tools"`
	RequiredTags     []string `yaml:"required_tags"`
}

// OrchestratorConfig configures internal/orchestrator.Config.
type OrchestratorConfig struct {
	ActionTimeout     time.Duration `yaml:"action_timeout"`
	RetryMaxAttempts  int           `yaml:"retry_max_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RetentionDuration time.Duration `yaml:"retention_duration"`
}

// SchedulerConfig configures internal/scheduler.Config.
type SchedulerConfig struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	ConcurrencyCap  int           `yaml:"concurrency_cap"`
	QueueCapacity   int           `yaml:"queue_capacity"`
	DispatchWorkers int           `yaml:"dispatch_workers"`
}

// ModelBackendConfig selects and configures one Model Backend Client
// implementation. Exactly one of the provider-specific sections is
// used, chosen by Provider.
type ModelBackendConfig struct {
	Provider string `yaml:"provider"` // "anthropic", "openai", or "bedrock"

	Anthropic AnthropicBackendConfig `yaml:"anthropic"`
	OpenAI    OpenAIBackendConfig    `yaml:"openai"`
	Bedrock   BedrockBackendConfig   `yaml:"bedrock"`
}

// AnthropicBackendConfig mirrors anthropic.Config's YAML-facing fields.
type AnthropicBackendConfig struct {
	APIKeyEnv    string        `yaml:"api_key_env"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// OpenAIBackendConfig mirrors openai.Config's YAML-facing fields.
type OpenAIBackendConfig struct {
	APIKeyEnv    string        `yaml:"api_key_env"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// BedrockBackendConfig mirrors bedrock.Config's YAML-facing fields.
type BedrockBackendConfig struct {
	Region          string        `yaml:"region"`
	AccessKeyIDEnv  string        `yaml:"access_key_id_env"`
	SecretAccessKeyEnv string     `yaml:"secret_access_key_env"`
	SessionTokenEnv string        `yaml:"session_token_env"`
	DefaultModel    string        `yaml:"default_model"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

// PolicyConfig configures internal/policyengine's three sub-policies.
type PolicyConfig struct {
	AllowedTools            []string         `yaml:"allowed_tools"`
	DeniedTools             []string         `yaml:"denied_tools"`
	ReadOnly                bool             `yaml:"read_only"`
	MaxExecutionsPerTool    map[string]int   `yaml:"max_executions_per_tool"`
	RequireApprovalForAll   bool             `yaml:"require_approval_for_all"`
	HighRiskTools           []string         `yaml:"high_risk_tools"`
	ApprovalTimeout         time.Duration    `yaml:"approval_timeout"`
	AllowedRoles            []string         `yaml:"allowed_roles"`
	MaxConcurrentExecutions int              `yaml:"max_concurrent_executions"`
}

// LoggingConfig configures the process-wide slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// TracingConfig configures internal/observability.Tracer. An empty
// Endpoint leaves tracing disabled (spans are created but never
// exported), so omitting this section entirely is a valid config.
type TracingConfig struct {
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	Endpoint       string  `yaml:"endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	Insecure       bool    `yaml:"insecure"`
}

// MetricsConfig configures the "serve" command's Prometheus exposition
// endpoint. An empty Addr leaves metrics collection enabled internally
// but unexposed over HTTP.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // e.g. ":9090"; empty disables the /metrics listener
}

// Load reads path, expands ${VAR}/$VAR environment references, decodes
// the result as YAML, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Orchestrator.ActionTimeout <= 0 {
		c.Orchestrator.ActionTimeout = 30 * time.Second
	}
	if c.Orchestrator.RetryMaxAttempts <= 0 {
		c.Orchestrator.RetryMaxAttempts = 3
	}
	if c.Orchestrator.RetryDelay <= 0 {
		c.Orchestrator.RetryDelay = 5 * time.Second
	}
	if c.Orchestrator.RetentionDuration <= 0 {
		c.Orchestrator.RetentionDuration = 24 * time.Hour
	}

	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = time.Second
	}
	if c.Scheduler.ConcurrencyCap <= 0 {
		c.Scheduler.ConcurrencyCap = 8
	}
	if c.Scheduler.QueueCapacity <= 0 {
		c.Scheduler.QueueCapacity = 256
	}
	if c.Scheduler.DispatchWorkers <= 0 {
		c.Scheduler.DispatchWorkers = 4
	}

	if c.Policy.ApprovalTimeout <= 0 {
		c.Policy.ApprovalTimeout = time.Hour
	}

	if c.ModelBackend.Provider == "" {
		c.ModelBackend.Provider = "anthropic"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "conductor"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}
}

func (c *Config) validate() error {
	switch c.ModelBackend.Provider {
	case "anthropic", "openai", "bedrock":
	default:
		return fmt.Errorf("model_backend.provider must be one of anthropic, openai, bedrock, got %q", c.ModelBackend.Provider)
	}
	for role, rc := range c.Roles {
		if rc.Model == "" {
			return fmt.Errorf("roles.%s.model is required", role)
		}
	}
	return nil
}
