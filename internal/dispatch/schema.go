package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validateArguments checks raw tool-call arguments against a tool's JSON
// Schema before invoke, so a malformed call never reaches tool code. An
// empty schema skips validation (tools that take no structured arguments).
func validateArguments(schema, arguments json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return fmt.Errorf("dispatch: tool schema is not valid JSON: %w", err)
	}
	const resourceURL = "mem://tool-schema.json"
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return fmt.Errorf("dispatch: compiling tool schema: %w", err)
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return fmt.Errorf("dispatch: compiling tool schema: %w", err)
	}

	args := arguments
	if len(args) == 0 {
		args = []byte("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := compiled.Validate(inst); err != nil {
		return err
	}
	return nil
}
