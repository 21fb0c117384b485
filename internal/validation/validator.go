package validation

import "encoding/json"

// Validator checks a workflow input against the JSON Schema registered for
// its type. Uses JSON Schema Draft 2020-12.
type Validator interface {
	Compile(inputSchema []byte) error
	Validate(input json.RawMessage, inputSchema []byte) error
}
