package tooling

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateArguments compiles schema (a tool's ParametersSchema) and checks
// argsJSON against it. The dispatcher calls it before every tool run; a
// tool whose ParametersSchema returns nil skips validation.
func ValidateArguments(schema map[string]any, argsJSON string) error {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool-arguments.json", bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("tool-arguments.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var args any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return fmt.Errorf("parse arguments: %w", err)
	}
	if err := compiled.Validate(args); err != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}
	return nil
}
