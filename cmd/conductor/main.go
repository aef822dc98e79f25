// Command conductor is the thin CLI wrapper around the Orchestrator
// and Scheduler: a "serve" subcommand boots the whole runtime and
// blocks until signalled, and a "run" subcommand drives a single
// one-shot workflow to completion and prints its final snapshot.
// Approve/Reject/Cancel/Status require a running process to talk to
// and are deliberately left out of this CLI: spec.md scopes the CLI
// as a thin wrapper, and those verbs need a transport (HTTP/gRPC) this
// module does not define.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/internal/agentcache"
	"github.com/conductorhq/conductor/internal/approval"
	"github.com/conductorhq/conductor/internal/capability"
	"github.com/conductorhq/conductor/internal/catalog"
	"github.com/conductorhq/conductor/internal/checkpoint"
	_ "github.com/conductorhq/conductor/internal/checkpoints/chat"
	_ "github.com/conductorhq/conductor/internal/checkpoints/email"
	_ "github.com/conductorhq/conductor/internal/checkpoints/tracker"
	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/executor"
	"github.com/conductorhq/conductor/internal/modelbackend"
	"github.com/conductorhq/conductor/internal/modelbackend/anthropic"
	"github.com/conductorhq/conductor/internal/modelbackend/bedrock"
	"github.com/conductorhq/conductor/internal/modelbackend/openai"
	"github.com/conductorhq/conductor/internal/observability"
	"github.com/conductorhq/conductor/internal/orchestrator"
	"github.com/conductorhq/conductor/internal/policyengine"
	"github.com/conductorhq/conductor/internal/scheduler"
	"github.com/conductorhq/conductor/internal/workflowstore"
	"github.com/conductorhq/conductor/pkg/workflow"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "conductor",
		Short:   "Workflow Orchestrator and Checking-Point Scheduler runtime",
		Version: Version,
	}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "conductor.yaml", "path to conductor.yaml")

	root.AddCommand(newServeCmd(&configPath), newRunCmd(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Scheduler and block, dispatching matched checking points into the Orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging)
			registry := prometheus.NewRegistry()

			tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
				ServiceName:    cfg.Tracing.ServiceName,
				ServiceVersion: cfg.Tracing.ServiceVersion,
				Environment:    cfg.Tracing.Environment,
				Endpoint:       cfg.Tracing.Endpoint,
				SamplingRate:   cfg.Tracing.SamplingRate,
				EnableInsecure: cfg.Tracing.Insecure,
			})
			defer shutdownTracer(context.Background())

			orch, _, err := buildOrchestrator(cfg, logger, registry, tracer)
			if err != nil {
				return err
			}

			sched := scheduler.New(
				checkpoint.DefaultRegistry(),
				orch,
				schedulerConfigWith(cfg.Scheduler, registry),
				scheduler.WithLogger(logger),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Metrics.Addr != "" {
				startMetricsServer(ctx, cfg.Metrics.Addr, registry, logger)
			}

			logger.Info("starting scheduler")
			sched.Start(ctx)
			<-ctx.Done()
			logger.Info("shutting down")
			sched.Stop()
			return nil
		},
	}
}

func newRunCmd(configPath *string) *cobra.Command {
	var role, task, userID string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive a single workflow run to completion or suspension and print its snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging)

			tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
				ServiceName:    cfg.Tracing.ServiceName,
				ServiceVersion: cfg.Tracing.ServiceVersion,
				Environment:    cfg.Tracing.Environment,
				Endpoint:       cfg.Tracing.Endpoint,
				SamplingRate:   cfg.Tracing.SamplingRate,
				EnableInsecure: cfg.Tracing.Insecure,
			})
			defer shutdownTracer(context.Background())

			orch, _, err := buildOrchestrator(cfg, logger, nil, tracer)
			if err != nil {
				return err
			}

			runID, state, err := orch.Run(context.Background(), workflow.ExecutionContext{
				TaskDescription: task,
				AgentRole:       role,
				UserID:          userID,
			})
			if err != nil {
				return fmt.Errorf("run %s: %w", runID, err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(state)
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "agent role to run as (required)")
	cmd.Flags().StringVar(&task, "task", "", "task description (required)")
	cmd.Flags().StringVar(&userID, "user", "cli", "user id attributed to the run")
	cmd.MarkFlagRequired("role")
	cmd.MarkFlagRequired("task")

	return cmd
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// buildOrchestrator wires the process-wide singletons the nine-node
// graph needs from cfg, plus a StaticClient with no tools registered:
// a live deployment registers its own tools against the returned
// catalog.Client before traffic arrives.
// registry may be nil (the "run" subcommand has no long-lived process
// to scrape), which disables the safety policy's concurrency gauge.
func buildOrchestrator(cfg *config.Config, logger *slog.Logger, registry prometheus.Registerer, tracer *observability.Tracer) (*orchestrator.Orchestrator, catalog.Client, error) {
	backend, err := buildBackend(cfg.ModelBackend)
	if err != nil {
		return nil, nil, err
	}

	tools := catalog.NewStaticClient()
	caps := capability.New(tools, roleFilterFrom(cfg.Roles))
	agents := agentcache.New(agentRolesFrom(cfg), nil)

	tool := policyengine.DefaultToolPolicy()
	tool.AllowedTools = toSet(cfg.Policy.AllowedTools)
	tool.DeniedTools = toSet(cfg.Policy.DeniedTools)
	tool.ReadOnly = cfg.Policy.ReadOnly

	approvalPolicy := policyengine.DefaultApprovalPolicy()
	approvalPolicy.RequireApprovalForAll = cfg.Policy.RequireApprovalForAll
	approvalPolicy.HighRiskTools = toSet(cfg.Policy.HighRiskTools)
	approvalPolicy.ApprovalTimeout = cfg.Policy.ApprovalTimeout

	safety := policyengine.DefaultSafetyPolicy()
	safety.AllowedRoles = toSet(cfg.Policy.AllowedRoles)
	safety.MaxConcurrentExecutions = cfg.Policy.MaxConcurrentExecutions
	safety.Registerer = registry

	policy := policyengine.New(tool, approvalPolicy, safety)
	approvals := approval.New(nil)
	store := workflowstore.New()

	orch := orchestrator.New(
		store, caps, agents, backend, policy, approvals, tools,
		orchestrator.Config{
			Roles:             roleSettingsFrom(cfg.Roles),
			ActionTimeout:     cfg.Orchestrator.ActionTimeout,
			RetentionDuration: cfg.Orchestrator.RetentionDuration,
			Retry: executor.Retry{
				MaxAttempts: cfg.Orchestrator.RetryMaxAttempts,
				Delay:       cfg.Orchestrator.RetryDelay,
			},
		},
		orchestrator.WithLogger(logger),
		orchestrator.WithTracer(tracer),
	)
	return orch, tools, nil
}

func roleSettingsFrom(roles map[string]config.RoleConfig) map[string]orchestrator.RoleSettings {
	out := make(map[string]orchestrator.RoleSettings, len(roles))
	for name, rc := range roles {
		out[name] = orchestrator.RoleSettings{
			Model:        rc.Model,
			SystemPrompt: rc.SystemPrompt,
			ToolFilter: &capability.FilterSpec{
				ExcludedTools: rc.ExcludedTools,
				RequiredTags:  rc.RequiredTags,
			},
		}
	}
	return out
}

func buildBackend(cfg config.ModelBackendConfig) (modelbackend.Backend, error) {
	switch cfg.Provider {
	case "openai":
		return openai.New(openai.Config{
			APIKey:       os.Getenv(cfg.OpenAI.APIKeyEnv),
			BaseURL:      cfg.OpenAI.BaseURL,
			DefaultModel: cfg.OpenAI.DefaultModel,
			MaxRetries:   cfg.OpenAI.MaxRetries,
			RetryDelay:   cfg.OpenAI.RetryDelay,
		})
	case "bedrock":
		return bedrock.New(context.Background(), bedrock.Config{
			Region:          cfg.Bedrock.Region,
			AccessKeyID:     os.Getenv(cfg.Bedrock.AccessKeyIDEnv),
			SecretAccessKey: os.Getenv(cfg.Bedrock.SecretAccessKeyEnv),
			SessionToken:    os.Getenv(cfg.Bedrock.SessionTokenEnv),
			DefaultModel:    cfg.Bedrock.DefaultModel,
			MaxRetries:      cfg.Bedrock.MaxRetries,
			RetryDelay:      cfg.Bedrock.RetryDelay,
		})
	default:
		return anthropic.New(anthropic.Config{
			APIKey:       os.Getenv(cfg.Anthropic.APIKeyEnv),
			BaseURL:      cfg.Anthropic.BaseURL,
			DefaultModel: cfg.Anthropic.DefaultModel,
			MaxRetries:   cfg.Anthropic.MaxRetries,
			RetryDelay:   cfg.Anthropic.RetryDelay,
		})
	}
}

func agentRolesFrom(cfg *config.Config) []agentcache.RoleConfig {
	roles := make([]agentcache.RoleConfig, 0, len(cfg.Roles))
	for name, rc := range cfg.Roles {
		roles = append(roles, agentcache.RoleConfig{
			Role:         name,
			Model:        rc.Model,
			SystemPrompt: rc.SystemPrompt,
		})
	}
	return roles
}

func roleFilterFrom(roles map[string]config.RoleConfig) capability.RoleFilter {
	return func(role string, tool workflow.ToolDescriptor) bool {
		rc, ok := roles[role]
		if !ok {
			return true
		}
		for _, excluded := range rc.ExcludedTools {
			if excluded == tool.Name {
				return false
			}
		}
		return true
	}
}

func schedulerConfigWith(cfg config.SchedulerConfig, registry prometheus.Registerer) scheduler.Config {
	return scheduler.Config{
		TickInterval:    cfg.TickInterval,
		ConcurrencyCap:  cfg.ConcurrencyCap,
		QueueCapacity:   cfg.QueueCapacity,
		DispatchWorkers: cfg.DispatchWorkers,
		Registerer:      registry,
	}
}

// startMetricsServer runs a /metrics Prometheus exposition endpoint in
// the background until ctx is cancelled, grounded on the teacher's
// gateway http_server.go promhttp wiring.
func startMetricsServer(ctx context.Context, addr string, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("starting metrics server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

func toSet(values []string) map[string]struct{} {
	if values == nil {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
