package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/invopop/jsonschema"
	schemavalidator "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Schema returns the JSON schema for the Config struct, generated once.
func Schema() ([]byte, error) {
	return schemaOnce()
}

var schemaOnce = sync.OnceValues(func() ([]byte, error) {
	r := jsonschema.Reflector{
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := r.Reflect(&Config{})
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config schema: %w", err)
	}
	return data, nil
})

// validateSchema checks the raw config content against the generated schema.
// The file is first decoded into a generic map (TOML or YAML) and re-encoded
// as JSON, since the validator speaks JSON only.
func validateSchema(data []byte, isYAML bool) error {
	var raw map[string]any
	if isYAML {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to parse yaml: %w", err)
		}
	} else {
		if err := toml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to parse toml: %w", err)
		}
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to convert config to json: %w", err)
	}

	schemaData, err := Schema()
	if err != nil {
		return err
	}

	compiler := schemavalidator.NewCompiler()
	if err := compiler.AddResource("config-schema.json", bytes.NewReader(schemaData)); err != nil {
		return fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("config-schema.json")
	if err != nil {
		return fmt.Errorf("failed to compile config schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return fmt.Errorf("failed to parse config json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// formatValidationError flattens the validator's nested error into one line
// per failing location, which reads better on stderr.
func formatValidationError(err error) error {
	var ve *schemavalidator.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	leaves := collectLeaves(ve)
	if len(leaves) == 0 {
		return err
	}
	msgs := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if loc == "" {
			loc = "(root)"
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", strings.ReplaceAll(loc, "/", "."), leaf.Message))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

func collectLeaves(ve *schemavalidator.ValidationError) []*schemavalidator.ValidationError {
	if len(ve.Causes) == 0 {
		return []*schemavalidator.ValidationError{ve}
	}
	var leaves []*schemavalidator.ValidationError
	for _, cause := range ve.Causes {
		leaves = append(leaves, collectLeaves(cause)...)
	}
	return leaves
}
