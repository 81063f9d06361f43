package scenario

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.yaml
var schemaSource []byte

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	var schemaData any
	if err := yaml.Unmarshal(schemaSource, &schemaData); err != nil {
		return nil, fmt.Errorf("failed to parse scenario schema: %w", err)
	}
	jsonData, err := json.Marshal(schemaData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scenario schema: %w", err)
	}
	return jsonschema.CompileString("scenario.schema.json", string(jsonData))
})

// validateSchema checks a decoded YAML or JSON document against the
// scenario schema.
func validateSchema(doc any) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}

	// The validator expects encoding/json values.
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to convert document: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("failed to convert document: %w", err)
	}
	return schema.Validate(v)
}
