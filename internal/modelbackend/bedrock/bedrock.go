// Package bedrock implements modelbackend.Backend against AWS
// Bedrock's Converse API, which presents a provider-agnostic surface
// over the underlying foundation model (Anthropic, Llama, Titan, ...).
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/conductorhq/conductor/internal/modelbackend"
	"github.com/conductorhq/conductor/pkg/workflow"
)

const proposeActionTool = "propose_action"

// Config holds AWS connection and retry settings for Backend.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxRetries      int
	RetryDelay      time.Duration
}

// Backend implements modelbackend.Backend against Bedrock-hosted models.
type Backend struct {
	client       *bedrockruntime.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// New builds a Backend from cfg, loading AWS credentials from the
// default chain unless explicit keys are supplied.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &Backend{
		client:       bedrockruntime.NewFromConfig(awsCfg),
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

// Run calls Converse with a tool spec that forces the model to answer
// via propose_action, then parses its input document into an
// ActionProposal.
func (b *Backend) Run(ctx context.Context, agent modelbackend.Agent, prompt modelbackend.Prompt, execCtx workflow.ExecutionContext) (workflow.ActionProposal, error) {
	modelID := b.model(agent)
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		Messages: []types.Message{
			{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: renderPrompt(prompt, execCtx)}},
			},
		},
		ToolConfig: &types.ToolConfiguration{
			Tools: []types.Tool{proposeActionToolSpec()},
			ToolChoice: &types.ToolChoiceMemberTool{
				Value: types.SpecificToolChoice{Name: aws.String(proposeActionTool)},
			},
		},
	}
	if agent.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: agent.SystemPrompt}}
	}

	var out *bedrockruntime.ConverseOutput
	var err error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		out, err = b.client.Converse(ctx, input)
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
		return workflow.ActionProposal{}, fmt.Errorf("bedrock: run: %w", err)
	}

	message, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return workflow.ActionProposal{}, fmt.Errorf("bedrock: unexpected converse output shape")
	}
	for _, block := range message.Value.Content {
		if use, ok := block.(*types.ContentBlockMemberToolUse); ok {
			raw, err := documentToJSON(use.Value.Input)
			if err != nil {
				return workflow.ActionProposal{}, fmt.Errorf("bedrock: decode tool input: %w", err)
			}
			return modelbackend.ParseActionProposal(raw)
		}
	}
	return workflow.ActionProposal{}, fmt.Errorf("bedrock: response contained no %s tool call", proposeActionTool)
}

// RunStream streams raw assistant text via ConverseStream for
// interactive use.
func (b *Backend) RunStream(ctx context.Context, agent modelbackend.Agent, prompt modelbackend.Prompt) (<-chan modelbackend.StreamChunk, error) {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(b.model(agent)),
		Messages: []types.Message{
			{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: renderPrompt(prompt, workflow.ExecutionContext{})}},
			},
		},
	}
	if agent.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: agent.SystemPrompt}}
	}

	resp, err := b.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock: run stream: %w", err)
	}

	out := make(chan modelbackend.StreamChunk)
	go func() {
		defer close(out)
		stream := resp.GetStream()
		defer stream.Close()
		for event := range stream.Events() {
			if delta, ok := event.(*types.ConverseStreamOutputMemberContentBlockDelta); ok {
				if text, ok := delta.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
					out <- modelbackend.StreamChunk{Text: text.Value}
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

func proposeActionToolSpec() *types.ToolMemberToolSpec {
	return &types.ToolMemberToolSpec{
		Value: types.ToolSpecification{
			Name:        aws.String(proposeActionTool),
			Description: aws.String("Propose the single next tool call to make, with its parameters and rationale."),
			InputSchema: &types.ToolInputSchemaMemberJson{
				Value: document.NewLazyDocument(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"action":          map[string]any{"type": "string"},
						"parameters":      map[string]any{"type": "object"},
						"reason":          map[string]any{"type": "string"},
						"expected_result": map[string]any{"type": "string"},
					},
					"required": []string{"action", "reason"},
				}),
			},
		},
	}
}

func documentToJSON(doc document.Interface) ([]byte, error) {
	var decoded map[string]any
	if err := doc.UnmarshalSmithyDocument(&decoded); err != nil {
		return nil, err
	}
	return json.Marshal(decoded)
}
