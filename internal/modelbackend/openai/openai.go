// Package openai implements modelbackend.Backend against the OpenAI
// chat completions API, using function calling to force a structured
// propose_action response.
package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/conductorhq/conductor/internal/modelbackend"
	"github.com/conductorhq/conductor/pkg/workflow"
)

const proposeActionFunction = "propose_action"

// Config holds connection and retry settings for Backend.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// Backend implements modelbackend.Backend against OpenAI chat models.
type Backend struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// New builds a Backend from cfg.
func New(cfg Config) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Backend{
		client:       openai.NewClientWithConfig(clientCfg),
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

// Run asks the model to call propose_action and parses its arguments
// into a workflow.ActionProposal.
func (b *Backend) Run(ctx context.Context, agent modelbackend.Agent, prompt modelbackend.Prompt, execCtx workflow.ExecutionContext) (workflow.ActionProposal, error) {
	messages := []openai.ChatCompletionMessage{}
	if agent.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: agent.SystemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: renderPrompt(prompt, execCtx)})

	req := openai.ChatCompletionRequest{
		Model:    b.model(agent),
		Messages: messages,
		Tools:    []openai.Tool{proposeActionToolDef()},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: proposeActionFunction},
		},
	}

	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		resp, err = b.client.CreateChatCompletion(ctx, req)
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
		return workflow.ActionProposal{}, fmt.Errorf("openai: run: %w", err)
	}
	if len(resp.Choices) == 0 || len(resp.Choices[0].Message.ToolCalls) == 0 {
		return workflow.ActionProposal{}, fmt.Errorf("openai: response contained no %s call", proposeActionFunction)
	}

	call := resp.Choices[0].Message.ToolCalls[0]
	return modelbackend.ParseActionProposal([]byte(call.Function.Arguments))
}

// RunStream streams raw assistant text for interactive use.
func (b *Backend) RunStream(ctx context.Context, agent modelbackend.Agent, prompt modelbackend.Prompt) (<-chan modelbackend.StreamChunk, error) {
	messages := []openai.ChatCompletionMessage{}
	if agent.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: agent.SystemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: renderPrompt(prompt, workflow.ExecutionContext{})})

	stream, err := b.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    b.model(agent),
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: run stream: %w", err)
	}

	out := make(chan modelbackend.StreamChunk)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if err != nil {
				out <- modelbackend.StreamChunk{Done: true, Err: nonEOFErr(err)}
				return
			}
			if len(resp.Choices) > 0 {
				out <- modelbackend.StreamChunk{Text: resp.Choices[0].Delta.Content}
			}
		}
	}()
	return out, nil
}

func nonEOFErr(err error) error {
	if err.Error() == "EOF" {
		return nil
	}
	return err
}

func renderPrompt(prompt modelbackend.Prompt, execCtx workflow.ExecutionContext) string {
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

func proposeActionToolDef() openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        proposeActionFunction,
			Description: "Propose the single next tool call to make, with its parameters and rationale.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action":          map[string]any{"type": "string", "description": "name of the tool to invoke"},
					"parameters":      map[string]any{"type": "object", "description": "parameters for the tool call"},
					"reason":          map[string]any{"type": "string", "description": "why this action was chosen"},
					"expected_result": map[string]any{"type": "string", "description": "what success looks like"},
				},
				"required": []string{"action", "reason"},
			},
		},
	}
}
