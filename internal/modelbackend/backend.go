// Package modelbackend defines the Model Backend Client contract the
// agent_decision node uses to turn a prompt into a structured
// ActionProposal, plus a FakeBackend test double. Concrete providers
// live in the anthropic, openai, and bedrock subpackages, each
// wrapping the corresponding SDK.
package modelbackend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/conductorhq/conductor/pkg/workflow"
)

// Agent is the role-bound configuration the Agent Cache hands the
// Model Backend: which model to call and the system prompt to use.
type Agent struct {
	Role         string
	Model        string
	SystemPrompt string
}

// Prompt is the per-run input to Run/RunStream: the task description,
// an optional prompt-template identifier, and the catalog formatted
// for model consumption.
type Prompt struct {
	TaskDescription string
	PromptTemplateID string
	Catalog         *workflow.ToolCatalog
	Variables       workflow.Values
}

// StreamChunk is one piece of an interactive RunStream response.
type StreamChunk struct {
	Text string
	Done bool
	Err  error
}

// Backend is the abstract Model Backend Client.
type Backend interface {
	// Run produces a single structured ActionProposal for prompt under
	// agent's configuration and execCtx. Implementations may stream
	// internally; the orchestrator only consumes the assembled result.
	Run(ctx context.Context, agent Agent, prompt Prompt, execCtx workflow.ExecutionContext) (workflow.ActionProposal, error)
	// RunStream produces raw text chunks for interactive, non-orchestrator
	// use (e.g. a CLI chat session outside the nine-node flow).
	RunStream(ctx context.Context, agent Agent, prompt Prompt) (<-chan StreamChunk, error)
}

// ParseActionProposal decodes raw model output (expected to be a JSON
// object matching ActionProposal's fields) into a workflow.ActionProposal.
// Every concrete backend funnels its completed output through this so
// PROPOSAL_PARSE_ERROR has one place to originate from.
func ParseActionProposal(raw []byte) (workflow.ActionProposal, error) {
	var proposal workflow.ActionProposal
	if err := json.Unmarshal(raw, &proposal); err != nil {
		return workflow.ActionProposal{}, fmt.Errorf("modelbackend: proposal is not valid JSON: %w", err)
	}
	if proposal.Action == "" {
		return workflow.ActionProposal{}, fmt.Errorf("modelbackend: proposal is missing an action")
	}
	return proposal, nil
}

// FakeBackend is a deterministic test double: it returns a fixed
// proposal (or error) regardless of input, recording every Run call it
// received for test assertions. RunStream calls are not recorded.
type FakeBackend struct {
	Proposal workflow.ActionProposal
	Err      error
	Chunks   []StreamChunk

	Calls []FakeCall
}

// FakeCall records one Run invocation against a FakeBackend.
type FakeCall struct {
	Agent  Agent
	Prompt Prompt
}

func (f *FakeBackend) Run(ctx context.Context, agent Agent, prompt Prompt, execCtx workflow.ExecutionContext) (workflow.ActionProposal, error) {
	f.Calls = append(f.Calls, FakeCall{Agent: agent, Prompt: prompt})
	if f.Err != nil {
		return workflow.ActionProposal{}, f.Err
	}
	return f.Proposal, nil
}

func (f *FakeBackend) RunStream(ctx context.Context, agent Agent, prompt Prompt) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk, len(f.Chunks))
	for _, c := range f.Chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}
