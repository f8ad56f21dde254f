package config

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/yukin371/streamgate/internal/core"
)

const schemaURL = "model-config.schema.json"

// SchemaLoader handles JSON schema validation of resolved model configs
type SchemaLoader struct {
	mu     sync.Mutex
	schema *jsonschema.Schema
}

// NewSchemaLoader creates a new schema loader
func NewSchemaLoader() *SchemaLoader {
	return &SchemaLoader{}
}

// compiled returns the schema, compiling it on first use
func (sl *SchemaLoader) compiled() (*jsonschema.Schema, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.schema != nil {
		return sl.schema, nil
	}
	schema, err := jsonschema.CompileString(schemaURL, generateSchema())
	if err != nil {
		return nil, err
	}
	sl.schema = schema
	return schema, nil
}

// Validate validates a model config against the JSON schema
func (sl *SchemaLoader) Validate(cfg core.ModelConfig) error {
	return sl.validate(configDocument(cfg))
}

// ValidateTuning checks only the tuning ranges
func (sl *SchemaLoader) ValidateTuning(t core.Tuning) error {
	return sl.validate(configDocument(core.ModelConfig{
		Provider: DefaultProvider,
		Model:    DefaultBedrockModel,
		Tuning:   t,
	}))
}

func (sl *SchemaLoader) validate(doc map[string]interface{}) error {
	schema, err := sl.compiled()
	if err != nil {
		return fmt.Errorf("failed to load schema: %w", err)
	}

	// round-trip so numbers arrive as float64 the way the validator expects
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal config for validation: %w", err)
	}
	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to unmarshal config for validation: %w", err)
	}

	if err := schema.Validate(data); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// configDocument renders cfg with unset tuning fields left out
func configDocument(cfg core.ModelConfig) map[string]interface{} {
	tuning := map[string]interface{}{}
	if cfg.Tuning.MaxTokens != nil {
		tuning[core.TuningMaxTokens] = *cfg.Tuning.MaxTokens
	}
	if cfg.Tuning.Temperature != nil {
		tuning[core.TuningTemperature] = *cfg.Tuning.Temperature
	}
	if cfg.Tuning.TopP != nil {
		tuning[core.TuningTopP] = *cfg.Tuning.TopP
	}
	return map[string]interface{}{
		"provider":         string(cfg.Provider),
		"model":            cfg.Model,
		"regionOrEndpoint": cfg.RegionOrEndpoint,
		"credentialRef":    cfg.CredentialRef,
		"tuning":           tuning,
	}
}

// generateSchema generates the JSON schema for model config validation
func generateSchema() string {
	providers := make([]string, 0, len(core.ProviderKinds()))
	for _, k := range core.ProviderKinds() {
		providers = append(providers, string(k))
	}

	schema := map[string]interface{}{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"title":   "streamgate model config",
		"type":    "object",
		"properties": map[string]interface{}{
			"provider": map[string]interface{}{
				"type": "string",
				"enum": providers,
			},
			"model": map[string]interface{}{
				"type":      "string",
				"minLength": 1,
			},
			"regionOrEndpoint": map[string]interface{}{"type": "string"},
			"credentialRef":    map[string]interface{}{"type": "string"},
			"tuning": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					core.TuningMaxTokens: map[string]interface{}{
						"type":    "integer",
						"minimum": 1,
						// Bedrock 的 maxTokens 是 int32
						"maximum": math.MaxInt32,
					},
					core.TuningTemperature: map[string]interface{}{
						"type":    "number",
						"minimum": 0,
						"maximum": 2,
					},
					core.TuningTopP: map[string]interface{}{
						"type":    "number",
						"minimum": 0,
						"maximum": 1,
					},
				},
				"additionalProperties": false,
			},
		},
		"required": []string{"provider", "model"},
	}

	schemaJSON, _ := json.MarshalIndent(schema, "", "  ")
	return string(schemaJSON)
}
