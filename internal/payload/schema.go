package payload

import (
	"bytes"
	"embed"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://tally.local/schemas/"

// Validator checks full entity rows against the embedded JSON schema of
// their collection. Partial updates are validated after merging into the
// current row, so every schema describes a complete row.
//
// Safe for concurrent use once constructed.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

var (
	defaultOnce      sync.Once
	defaultValidator *Validator
	defaultErr       error
)

// DefaultValidator returns the process-wide validator for the embedded schemas.
func DefaultValidator() (*Validator, error) {
	defaultOnce.Do(func() {
		defaultValidator, defaultErr = NewValidator()
	})
	return defaultValidator, defaultErr
}

// NewValidator compiles every embedded schema.
func NewValidator() (*Validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}

	c := jsonschema.NewCompiler()
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		data, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", entry.Name(), err)
		}
		if err := c.AddResource(schemaBaseURL+entry.Name(), doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", entry.Name(), err)
		}
		names = append(names, entry.Name())
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		sch, err := c.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[strings.TrimSuffix(name, ".json")] = sch
	}
	return v, nil
}

// Validate checks row against the schema for entity.
func (v *Validator) Validate(entity string, row Object) error {
	sch, ok := v.schemas[entity]
	if !ok {
		return fmt.Errorf("no schema for entity %q", entity)
	}

	// Round-trip through the schema library's decoder so every value has the
	// shape it expects.
	data, err := MarshalCanonical(row)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}

// Prepare normalises the monetary columns of row and validates it.
func (v *Validator) Prepare(entity string, row Object) error {
	if err := NormalizeAmounts(entity, row); err != nil {
		return err
	}
	return v.Validate(entity, row)
}
