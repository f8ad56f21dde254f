package config

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/yukin371/streamgate/internal/core"
)

// Defaults applied when neither flags, environment nor a catalog alias name a value
const (
	DefaultProvider     = core.ProviderBedrock
	DefaultBedrockModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	DefaultRegion       = "ap-northeast-1"
	DefaultGeminiModel  = "gemini-pro"
	DefaultOpenAIModel  = "gpt-4o"
)

// DefaultModel returns the model used for a provider when none is configured
func DefaultModel(kind core.ProviderKind) string {
	switch kind {
	case core.ProviderGemini:
		return DefaultGeminiModel
	case core.ProviderOpenAI:
		return DefaultOpenAIModel
	default:
		return DefaultBedrockModel
	}
}

// ModelAlias maps a short name to a concrete provider and model id
type ModelAlias struct {
	Provider string `json:"provider" yaml:"provider" toml:"provider"`
	Model    string `json:"model" yaml:"model" toml:"model"`
	Region   string `json:"region,omitempty" yaml:"region,omitempty" toml:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" toml:"endpoint,omitempty"`
}

// Catalog is the set of known aliases keyed by alias name
type Catalog map[string]ModelAlias

// catalogFile is the on-disk shape of a catalog
type catalogFile struct {
	Models Catalog `json:"models" yaml:"models" toml:"models"`
}

// BuiltinCatalog returns the aliases that ship with the binary
func BuiltinCatalog() Catalog {
	bedrock := string(core.ProviderBedrock)
	return Catalog{
		"claude-3-5-sonnet": {
			Provider: bedrock,
			Model:    DefaultBedrockModel,
		},
		"claude-3-5-sonnet-v2": {
			Provider: bedrock,
			Model:    "apac.anthropic.claude-3-5-sonnet-20241022-v2:0",
		},
		"claude-3-7-sonnet": {
			Provider: bedrock,
			Model:    "apac.anthropic.claude-3-7-sonnet-20250219-v1:0",
		},
		"claude-sonnet-4": {
			Provider: bedrock,
			Model:    "apac.anthropic.claude-sonnet-4-20250514-v1:0",
		},
	}
}

// Merge returns a new catalog with o's entries overriding c's
func (c Catalog) Merge(o Catalog) Catalog {
	merged := make(Catalog, len(c)+len(o))
	for k, v := range c {
		merged[k] = v
	}
	for k, v := range o {
		merged[k] = v
	}
	return merged
}

// Lookup returns the alias registered under name
func (c Catalog) Lookup(name string) (ModelAlias, bool) {
	a, ok := c[name]
	return a, ok
}

// Names returns the alias names in sorted order
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for k := range c {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// String returns a JSON string representation of the catalog
func (c Catalog) String() string {
	data, err := json.MarshalIndent(catalogFile{Models: c}, "", "  ")
	if err != nil {
		return fmt.Sprintf("error marshaling catalog: %v", err)
	}
	return string(data)
}
