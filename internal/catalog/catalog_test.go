package catalog

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/conductorhq/conductor/pkg/workflow"
)

func TestStaticClient_ListAndExecute(t *testing.T) {
	c := NewStaticClient()
	err := c.Register(workflow.ToolDescriptor{Name: "echo", Description: "echoes input"}, func(ctx context.Context, params workflow.Values) (ExecuteResult, error) {
		return ExecuteResult{OK: true, Data: params["message"]}, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if tools.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tools.Len())
	}

	result, err := c.ExecuteTool(context.Background(), "echo", workflow.Values{"message": "hi"})
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if !result.OK || result.Data != "hi" {
		t.Fatalf("result = %+v", result)
	}
}

func TestStaticClient_ExecuteUnregisteredToolErrors(t *testing.T) {
	c := NewStaticClient()
	if _, err := c.ExecuteTool(context.Background(), "missing", nil); err == nil {
		t.Fatal("ExecuteTool(missing) succeeded, want error")
	}
}

func TestStaticClient_ValidatesParametersAgainstSchema(t *testing.T) {
	c := NewStaticClient()
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"count": {"type": "integer", "minimum": 1}},
		"required": ["count"]
	}`)
	err := c.Register(workflow.ToolDescriptor{Name: "repeat", Parameters: schema}, func(ctx context.Context, params workflow.Values) (ExecuteResult, error) {
		return ExecuteResult{OK: true}, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := c.ExecuteTool(context.Background(), "repeat", workflow.Values{"count": 0})
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if result.OK {
		t.Fatalf("result.OK = true, want false for count below schema minimum")
	}

	result, err = c.ExecuteTool(context.Background(), "repeat", workflow.Values{"count": 3})
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if !result.OK {
		t.Fatalf("result.OK = false, want true for valid parameters: %s", result.Error)
	}
}

func TestStaticClient_RegisterRejectsInvalidSchema(t *testing.T) {
	c := NewStaticClient()
	err := c.Register(workflow.ToolDescriptor{Name: "broken", Parameters: json.RawMessage(`not json`)}, nil)
	if err == nil {
		t.Fatal("Register with malformed schema succeeded, want error")
	}
}

type describeArgs struct {
	Query string `json:"query" jsonschema:"required,description=search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=max results"`
}

func TestDescribeParameters(t *testing.T) {
	raw, err := DescribeParameters[describeArgs]()
	if err != nil {
		t.Fatalf("DescribeParameters: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["type"] != "object" {
		t.Fatalf("type = %v, want object", decoded["type"])
	}
}
