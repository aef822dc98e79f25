// Package anthropic implements modelbackend.Backend against the
// Anthropic Messages API, asking the model to reply with a tool call
// to a fixed propose_action function so the response is always
// well-formed JSON rather than free text requiring extraction.
package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/conductorhq/conductor/internal/modelbackend"
	"github.com/conductorhq/conductor/pkg/workflow"
)

const proposeActionTool = "propose_action"

// Config holds connection and retry settings for Backend.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// Backend implements modelbackend.Backend against Claude models.
type Backend struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// New builds a Backend from cfg.
func New(cfg Config) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Backend{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (b *Backend) model(agent modelbackend.Agent) string {
	if agent.Model != "" {
		return agent.Model
	}
	return b.defaultModel
}

// Run sends prompt as a single-turn completion, forcing the model to
// respond via the propose_action tool, and parses the result into a
// workflow.ActionProposal.
func (b *Backend) Run(ctx context.Context, agent modelbackend.Agent, prompt modelbackend.Prompt, execCtx workflow.ExecutionContext) (workflow.ActionProposal, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model(agent)),
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(renderPrompt(agent, prompt, execCtx))),
		},
		Tools: []anthropic.ToolUnionParam{proposeActionToolParam()},
		ToolChoice: anthropic.ToolChoiceParamOfTool(proposeActionTool),
	}
	if agent.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: agent.SystemPrompt}}
	}

	var message *anthropic.Message
	var err error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		message, err = b.client.Messages.New(ctx, params)
		if err == nil {
			break
		}
		if attempt < b.maxRetries {
			select {
			case <-ctx.Done():
				return workflow.ActionProposal{}, ctx.Err()
			case <-time.After(b.retryDelay):
			}
		}
	}
	if err != nil {
		return workflow.ActionProposal{}, fmt.Errorf("anthropic: run: %w", err)
	}

	for _, block := range message.Content {
		if block.Type == "tool_use" {
			toolUse := block.AsToolUse()
			return modelbackend.ParseActionProposal(toolUse.Input)
		}
	}
	return workflow.ActionProposal{}, fmt.Errorf("anthropic: response contained no %s tool call", proposeActionTool)
}

// RunStream streams raw assistant text for interactive, non-orchestrator use.
func (b *Backend) RunStream(ctx context.Context, agent modelbackend.Agent, prompt modelbackend.Prompt) (<-chan modelbackend.StreamChunk, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model(agent)),
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(renderPrompt(agent, prompt, workflow.ExecutionContext{}))),
		},
	}
	if agent.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: agent.SystemPrompt}}
	}

	out := make(chan modelbackend.StreamChunk)
	go func() {
		defer close(out)
		stream := b.client.Messages.NewStreaming(ctx, params)
		for stream.Next() {
			event := stream.Current()
			if event.Type == "content_block_delta" {
				if delta := event.AsContentBlockDelta().Delta; delta.Type == "text_delta" && delta.Text != "" {
					out <- modelbackend.StreamChunk{Text: delta.Text}
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- modelbackend.StreamChunk{Err: err, Done: true}
			return
		}
		out <- modelbackend.StreamChunk{Done: true}
	}()
	return out, nil
}

func renderPrompt(agent modelbackend.Agent, prompt modelbackend.Prompt, execCtx workflow.ExecutionContext) string {
	var sb strings.Builder
	sb.WriteString("Task: ")
	sb.WriteString(prompt.TaskDescription)
	sb.WriteString("\n\nAvailable tools:\n")
	if prompt.Catalog != nil {
		for _, tool := range prompt.Catalog.Tools {
			sb.WriteString("- ")
			sb.WriteString(tool.Name)
			sb.WriteString(": ")
			sb.WriteString(tool.Description)
			sb.WriteString("\n")
		}
	}
	if execCtx.UserID != "" {
		sb.WriteString("\nRequested by: ")
		sb.WriteString(execCtx.UserID)
	}
	return sb.String()
}

func proposeActionToolParam() anthropic.ToolUnionParam {
	schema := anthropic.ToolInputSchemaParam{
		Properties: map[string]any{
			"action":          map[string]any{"type": "string", "description": "name of the tool to invoke"},
			"parameters":      map[string]any{"type": "object", "description": "parameters for the tool call"},
			"reason":          map[string]any{"type": "string", "description": "why this action was chosen"},
			"expected_result": map[string]any{"type": "string", "description": "what success looks like"},
		},
	}
	param := anthropic.ToolUnionParamOfTool(schema, proposeActionTool)
	param.OfTool.Description = anthropic.String("Propose the single next tool call to make, with its parameters and rationale.")
	return param
}
