package config

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yukin371/streamgate/internal/core"
	infracfg "github.com/yukin371/streamgate/internal/infrastructure/config"
	"github.com/yukin371/streamgate/pkg/logger"
)

func newTestLoader() (*Loader, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLoader(logger.New(&buf, logger.Options{Level: logger.DEBUG, Format: logger.FormatJSON})), &buf
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestResolveDefaults(t *testing.T) {
	l, _ := newTestLoader()

	cfg, err := l.Resolve(&infracfg.Settings{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.Provider != core.ProviderBedrock {
		t.Errorf("Expected provider bedrock, got %s", cfg.Provider)
	}
	if cfg.Model != DefaultBedrockModel {
		t.Errorf("Expected model %s, got %s", DefaultBedrockModel, cfg.Model)
	}
	if cfg.RegionOrEndpoint != DefaultRegion {
		t.Errorf("Expected region %s, got %s", DefaultRegion, cfg.RegionOrEndpoint)
	}
	if !cfg.Tuning.IsZero() {
		t.Errorf("Expected no tuning, got %v", cfg.Tuning.Names())
	}
}

func TestResolvePerProviderDefaults(t *testing.T) {
	tests := []struct {
		provider string
		model    string
		endpoint string
		keyEnv   string
	}{
		{provider: "gemini", model: DefaultGeminiModel, keyEnv: "GEMINI_KEY"},
		{provider: "OpenAI", model: DefaultOpenAIModel, endpoint: "http://localhost:8080/v1"},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			l, _ := newTestLoader()
			cfg, err := l.Resolve(&infracfg.Settings{
				Provider:  tt.provider,
				Endpoint:  tt.endpoint,
				Region:    "us-east-1",
				APIKeyEnv: tt.keyEnv,
			})
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if cfg.Model != tt.model {
				t.Errorf("Expected model %s, got %s", tt.model, cfg.Model)
			}
			// region only applies to bedrock
			if cfg.RegionOrEndpoint != tt.endpoint {
				t.Errorf("Expected endpoint %q, got %q", tt.endpoint, cfg.RegionOrEndpoint)
			}
			if cfg.CredentialRef != tt.keyEnv {
				t.Errorf("Expected credential ref %q, got %q", tt.keyEnv, cfg.CredentialRef)
			}
		})
	}
}

func TestResolveBuiltinAlias(t *testing.T) {
	l, _ := newTestLoader()

	cfg, err := l.Resolve(&infracfg.Settings{Model: "claude-sonnet-4", Profile: "work"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.Model != "apac.anthropic.claude-sonnet-4-20250514-v1:0" {
		t.Errorf("Alias not resolved, got %s", cfg.Model)
	}
	if cfg.CredentialRef != "work" {
		t.Errorf("Expected profile work, got %q", cfg.CredentialRef)
	}

	_, err = l.Resolve(&infracfg.Settings{Model: "claude-sonnet-4", Provider: "gemini"})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for provider mismatch, got %v", err)
	}
}

func TestResolveUnknownModelPassesThrough(t *testing.T) {
	l, _ := newTestLoader()

	cfg, err := l.Resolve(&infracfg.Settings{Model: "custom.model-v9"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.Model != "custom.model-v9" {
		t.Errorf("Expected model passed through verbatim, got %s", cfg.Model)
	}
}

func TestResolveUnsupportedProvider(t *testing.T) {
	l, _ := newTestLoader()

	_, err := l.Resolve(&infracfg.Settings{Provider: "ollama"})
	if !errors.Is(err, core.ErrUnsupportedProvider) {
		t.Errorf("Expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestResolveCatalogFile(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "models.yaml",
			content: `models:
  local:
    provider: openai
    model: llama3
    endpoint: http://localhost:11434/v1
`,
		},
		{
			name: "jsonc",
			file: "models.jsonc",
			content: `{
  // local OpenAI-compatible server
  "models": {
    "local": {"provider": "openai", "model": "llama3", "endpoint": "http://localhost:11434/v1"} /* trailing */
  }
}`,
		},
		{
			name: "toml",
			file: "models.toml",
			content: `[models.local]
provider = "openai"
model = "llama3"
endpoint = "http://localhost:11434/v1"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLoader()
			path := writeFile(t, tt.file, tt.content)

			cfg, err := l.Resolve(&infracfg.Settings{Model: "local", Catalog: path})
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if cfg.Provider != core.ProviderOpenAI || cfg.Model != "llama3" {
				t.Errorf("Expected openai/llama3, got %s/%s", cfg.Provider, cfg.Model)
			}
			if cfg.RegionOrEndpoint != "http://localhost:11434/v1" {
				t.Errorf("Expected alias endpoint, got %q", cfg.RegionOrEndpoint)
			}

			sources := l.GetLoadedSources()
			if len(sources) != 1 || sources[0] != path {
				t.Errorf("Expected loaded sources [%s], got %v", path, sources)
			}
		})
	}
}

func TestCatalogErrors(t *testing.T) {
	l, _ := newTestLoader()

	if _, err := l.Catalog(filepath.Join(t.TempDir(), "none.yaml")); !errors.Is(err, core.ErrFileNotFound) {
		t.Errorf("Expected ErrFileNotFound, got %v", err)
	}

	bad := writeFile(t, "bad.yaml", "models:\n  x:\n    provider: ollama\n    model: m\n")
	if _, err := l.Catalog(bad); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for unknown provider, got %v", err)
	}

	ini := writeFile(t, "models.ini", "x=y")
	if _, err := l.Catalog(ini); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for unsupported extension, got %v", err)
	}
}

func TestResolveTuningPrecedence(t *testing.T) {
	l, _ := newTestLoader()
	prop := writeFile(t, "llm.properties", "maxTokens=4096\ntemperature=0.5\ntopP=0.9\n")

	temp := 0.1
	cfg, err := l.Resolve(&infracfg.Settings{
		Prop:   prop,
		Tuning: core.Tuning{Temperature: &temp},
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.Tuning.MaxTokens == nil || *cfg.Tuning.MaxTokens != 4096 {
		t.Errorf("Expected maxTokens from file")
	}
	if cfg.Tuning.Temperature == nil || *cfg.Tuning.Temperature != 0.1 {
		t.Errorf("Expected temperature from flag to win")
	}
	if cfg.Tuning.TopP == nil || *cfg.Tuning.TopP != 0.9 {
		t.Errorf("Expected topP from file")
	}
}

func TestResolveBadTuningFileIsWarning(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "out of range", content: "maxTokens=100\ntopP=1.5\n"},
		{name: "not a number", content: "temperature=hot\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, buf := newTestLoader()
			prop := writeFile(t, "llm.properties", tt.content)

			cfg, err := l.Resolve(&infracfg.Settings{Prop: prop})
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if !cfg.Tuning.IsZero() {
				t.Errorf("Expected all tuning unset, got %v", cfg.Tuning.Names())
			}
			if !strings.Contains(buf.String(), `"level":"warn"`) {
				t.Errorf("Expected a warning, log was: %s", buf.String())
			}
		})
	}

	l, buf := newTestLoader()
	if _, err := l.Resolve(&infracfg.Settings{Prop: filepath.Join(t.TempDir(), "missing.properties")}); err != nil {
		t.Fatalf("Resolve() with missing tuning file error = %v", err)
	}
	if !strings.Contains(buf.String(), "not found") {
		t.Errorf("Expected not-found warning, log was: %s", buf.String())
	}
}

func TestResolveBadFlagTuningIsError(t *testing.T) {
	l, _ := newTestLoader()

	zero := 0
	_, err := l.Resolve(&infracfg.Settings{Tuning: core.Tuning{MaxTokens: &zero}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestValidateTuningMaxTokensFitsInt32(t *testing.T) {
	sl := NewSchemaLoader()

	limit := int64(math.MaxInt32)
	fits := int(limit)
	if err := sl.ValidateTuning(core.Tuning{MaxTokens: &fits}); err != nil {
		t.Errorf("ValidateTuning(MaxInt32) error = %v", err)
	}

	tooBig := int(limit + 1)
	if err := sl.ValidateTuning(core.Tuning{MaxTokens: &tooBig}); err == nil {
		t.Error("Expected maxTokens above MaxInt32 to be rejected")
	}

	l, _ := newTestLoader()
	if _, err := l.Resolve(&infracfg.Settings{Tuning: core.Tuning{MaxTokens: &tooBig}}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestBuiltinCatalogNames(t *testing.T) {
	names := BuiltinCatalog().Names()
	expected := []string{"claude-3-5-sonnet", "claude-3-5-sonnet-v2", "claude-3-7-sonnet", "claude-sonnet-4"}
	if strings.Join(names, ",") != strings.Join(expected, ",") {
		t.Errorf("Expected %v, got %v", expected, names)
	}

	merged := BuiltinCatalog().Merge(Catalog{"claude-sonnet-4": {Provider: "bedrock", Model: "override"}})
	if a, _ := merged.Lookup("claude-sonnet-4"); a.Model != "override" {
		t.Errorf("Expected override to win, got %s", a.Model)
	}
}

func TestStripComments(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "url in string survives",
			input:    "{\"endpoint\": \"https://example.com/v1\"} // note",
			expected: "{\"endpoint\": \"https://example.com/v1\"} ",
		},
		{
			name:     "block comment",
			input:    "{/* a */\"key\": \"value\"}",
			expected: "{\"key\": \"value\"}",
		},
		{
			name:     "escaped quote",
			input:    "{\"k\": \"a\\\"//b\"}",
			expected: "{\"k\": \"a\\\"//b\"}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := stripComments(tt.input)
			if err != nil {
				t.Fatalf("stripComments() error = %v", err)
			}
			if got != tt.expected {
				t.Errorf("stripComments() = %q, want %q", got, tt.expected)
			}
		})
	}

	if _, err := stripComments("{/* open"); err == nil {
		t.Error("Expected error for unterminated block comment")
	}
}
