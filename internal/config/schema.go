package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://gestured.local/schema/config.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// Schema returns the compiled configuration schema.
func Schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// SchemaDocument returns the raw JSON schema.
func SchemaDocument() []byte {
	return append([]byte(nil), schemaJSON...)
}

// ValidateDocument checks a raw config document against the schema before
// it is decoded. format is one of the SupportedConfigFormats.
func ValidateDocument(data []byte, format string) error {
	doc, err := genericDocument(data, format)
	if err != nil {
		return err
	}

	schema, err := Schema()
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// genericDocument decodes data into plain maps and normalises it through
// JSON so every format reaches the validator with the same value types.
func genericDocument(data []byte, format string) (any, error) {
	var raw map[string]any
	switch strings.TrimPrefix(strings.ToLower(format), ".") {
	case "toml":
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	case "json":
		return decodeJSONDocument(data)
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if raw == nil {
		raw = map[string]any{}
	}
	normalised, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalise document: %w", err)
	}
	return decodeJSONDocument(normalised)
}

func decodeJSONDocument(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}
	return doc, nil
}
