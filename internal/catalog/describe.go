package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// DescribeParameters generates a JSON Schema document suitable for
// workflow.ToolDescriptor.Parameters from a Go struct type, for tools
// defined statically in code rather than discovered from a remote
// catalog. Struct tags follow invopop/jsonschema conventions: `json`
// for the field name, `jsonschema:"required,description=..."` for
// constraints.
func DescribeParameters[T any]() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("catalog: describe parameters: %w", err)
	}
	return raw, nil
}
