package jobs

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://mapsync.local/schemas/"

var compiledSchemas = sync.OnceValues(func() (map[Kind]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	out := map[Kind]*jsonschema.Schema{}
	for _, kind := range []Kind{KindAnalysis, KindExport} {
		name := string(kind) + ".json"
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", kind, err)
		}
		if err := compiler.AddResource(schemaBaseURL+name, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", kind, err)
		}
		schema, err := compiler.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		out[kind] = schema
	}
	return out, nil
})

// ValidateInput checks raw against the JSON Schema of kind.
func ValidateInput(kind Kind, raw []byte) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: %s input is empty", ErrInvalidInput, kind)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schemas[kind].Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidInput, kind, err)
	}
	return nil
}
