package schema

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Check validates args against schema and returns one message per
// violation. It is advisory: a schema that cannot be compiled yields a single
// message rather than an error.
func Check(schema map[string]any, args map[string]any) []string {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return []string{fmt.Sprintf("marshal schema: %v", err)}
	}
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return []string{fmt.Sprintf("marshal arguments: %v", err)}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(argsJSON),
	)
	if err != nil {
		return []string{fmt.Sprintf("schema not checkable: %v", err)}
	}
	if result.Valid() {
		return nil
	}

	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return problems
}
