package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/tidwall/gjson"
	"go.yaml.in/yaml/v3"

	"github.com/yukin371/streamgate/internal/core"
)

// LoadCatalog reads a catalog file based on its extension.
// Supports: .yaml/.yml, .json/.jsonc (comments allowed), .toml
//
// The file holds a single "models" table keyed by alias name.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return nil, fmt.Errorf("empty catalog path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", core.ErrFileNotFound, path)
		}
		return nil, err
	}

	var f catalogFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &f)
	case ".json", ".jsonc":
		var cleaned string
		if cleaned, err = stripComments(string(b)); err == nil {
			err = json.Unmarshal([]byte(cleaned), &f)
		}
	case ".toml":
		err = toml.Unmarshal(b, &f)
	default:
		return nil, fmt.Errorf("unsupported catalog extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	for name, alias := range f.Models {
		if err := validateAlias(name, alias); err != nil {
			return nil, fmt.Errorf("catalog %s: %w", path, err)
		}
	}
	return f.Models, nil
}

func validateAlias(name string, a ModelAlias) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("alias with empty name")
	}
	if a.Model == "" {
		return fmt.Errorf("alias %q: model is required", name)
	}
	if _, err := core.ParseProviderKind(a.Provider); err != nil {
		return fmt.Errorf("alias %q: %w", name, err)
	}
	return nil
}

// stripComments removes JSONC comments (// and /* */ style) that sit outside string literals
func stripComments(content string) (string, error) {
	if gjson.Valid(content) {
		return content, nil
	}

	var b strings.Builder
	inString, escaped := false, false
	for i := 0; i < len(content); i++ {
		c := content[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			b.WriteByte(c)
		case c == '/' && i+1 < len(content) && content[i+1] == '/':
			for i < len(content) && content[i] != '\n' {
				i++
			}
			if i < len(content) {
				b.WriteByte('\n')
			}
		case c == '/' && i+1 < len(content) && content[i+1] == '*':
			end := strings.Index(content[i+2:], "*/")
			if end < 0 {
				return "", fmt.Errorf("unterminated block comment")
			}
			i += end + 3
		default:
			b.WriteByte(c)
		}
	}

	cleaned := b.String()
	if !gjson.Valid(cleaned) {
		return "", fmt.Errorf("invalid JSONC format")
	}
	return cleaned, nil
}
