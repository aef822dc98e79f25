// Package catalog implements the Tool Catalog Client contract: listing
// the tools an execution environment exposes and invoking one of them
// by name. Implementations may use any transport; StaticClient below
// is a dev/example implementation backed by an in-memory table, useful
// for local runs and tests without a live MCP server.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/conductorhq/conductor/pkg/workflow"
)

// ExecuteResult is the outcome the orchestrator wraps verbatim into an
// ExecutionRecord.
type ExecuteResult struct {
	OK    bool
	Data  any
	Error string
}

// Client is the abstract Tool Catalog Client: list available tools,
// execute one by name.
type Client interface {
	// ListTools returns the full tool catalog. Idempotent; callers may
	// cache the result (the Capability Registry does).
	ListTools(ctx context.Context) (*workflow.ToolCatalog, error)
	// ExecuteTool invokes the named tool with parameters, validating
	// them against the tool's declared schema first if one is present.
	ExecuteTool(ctx context.Context, name string, parameters workflow.Values) (ExecuteResult, error)
}

// ToolHandler is the function a StaticClient entry runs to execute a
// tool call.
type ToolHandler func(ctx context.Context, parameters workflow.Values) (ExecuteResult, error)

// StaticClient is an in-memory Client backed by the tool descriptors
// and handlers added through Register; it starts empty and tools may
// be registered at any time. It is the
// example/dev implementation that makes the module runnable without a
// live tool-serving backend.
type StaticClient struct {
	mu       sync.RWMutex
	catalog  *workflow.ToolCatalog
	handlers map[string]ToolHandler
	schemas  map[string]*jsonschema.Schema
}

// NewStaticClient builds a StaticClient with no tools registered.
func NewStaticClient() *StaticClient {
	return &StaticClient{
		catalog:  workflow.NewToolCatalog(nil),
		handlers: make(map[string]ToolHandler),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Register adds tool to the catalog with handler as its executor. If
// tool.Parameters is a non-empty JSON Schema document, it is compiled
// immediately so a malformed schema fails at registration rather than
// at the first ExecuteTool call.
func (c *StaticClient) Register(tool workflow.ToolDescriptor, handler ToolHandler) error {
	var compiled *jsonschema.Schema
	if len(tool.Parameters) > 0 {
		var err error
		compiled, err = compileSchema(tool.Name, tool.Parameters)
		if err != nil {
			return fmt.Errorf("catalog: register %s: %w", tool.Name, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	tools := append(append([]workflow.ToolDescriptor(nil), c.catalog.Tools...), tool)
	c.catalog = workflow.NewToolCatalog(tools)
	c.handlers[tool.Name] = handler
	if compiled != nil {
		c.schemas[tool.Name] = compiled
	}
	return nil
}

// ListTools returns the currently registered catalog.
func (c *StaticClient) ListTools(ctx context.Context) (*workflow.ToolCatalog, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.catalog, nil
}

// ExecuteTool validates parameters against the tool's schema (if one
// was registered) and then runs its handler.
func (c *StaticClient) ExecuteTool(ctx context.Context, name string, parameters workflow.Values) (ExecuteResult, error) {
	c.mu.RLock()
	handler, ok := c.handlers[name]
	schema := c.schemas[name]
	c.mu.RUnlock()

	if !ok {
		return ExecuteResult{}, fmt.Errorf("catalog: tool %q is not registered", name)
	}

	if schema != nil {
		if err := validateParameters(schema, parameters); err != nil {
			return ExecuteResult{OK: false, Error: err.Error()}, nil
		}
	}

	return handler(ctx, parameters)
}

func validateParameters(schema *jsonschema.Schema, parameters workflow.Values) error {
	payload, err := json.Marshal(parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode parameters: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("parameters invalid: %w", err)
	}
	return nil
}

var (
	schemaCacheMu sync.Mutex
	schemaCache   = make(map[string]*jsonschema.Schema)
)

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	key := name + ":" + string(raw)

	schemaCacheMu.Lock()
	defer schemaCacheMu.Unlock()
	if cached, ok := schemaCache[key]; ok {
		return cached, nil
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	schemaCache[key] = compiled
	return compiled, nil
}
