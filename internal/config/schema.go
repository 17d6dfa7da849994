package config

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema is the JSON schema the config file must satisfy before any
// field is unmarshaled. Rejecting the whole document up front avoids ever
// working with a partially-typed config.
const configSchema = `{
	"type": "object",
	"properties": {
		"data_dir": {"type": "string"},
		"dedup_threshold": {"type": "number"},
		"embedding": {
			"type": "object",
			"properties": {
				"provider": {"type": "string", "enum": ["openai", "voyage", "local"]},
				"model": {"type": "string"},
				"dimensions": {"type": "integer", "minimum": 1},
				"base_url": {"type": "string"},
				"api_key": {"type": "string"},
				"data_dir": {"type": "string"},
				"server_grace_period": {"type": "integer", "minimum": 1}
			}
		},
		"logging": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"level": {"type": "string"},
				"file": {"type": "string"}
			}
		},
		"compaction": {
			"type": "object",
			"properties": {
				"custom_prompt": {"type": "string"},
				"inline_planning": {"type": "boolean"},
				"max_context_tokens": {"type": "integer", "minimum": 1},
				"snapshot_to_kv": {"type": "boolean"}
			}
		}
	}
}`

// ValidateSchema checks a raw JSON config document against the schema.
func ValidateSchema(raw []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(configSchema)
	docLoader := gojsonschema.NewBytesLoader(raw)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("config does not match schema: %s", errs[0].String())
		}
		return fmt.Errorf("config does not match schema")
	}

	return nil
}
