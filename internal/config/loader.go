package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/yukin371/streamgate/internal/core"
	infracfg "github.com/yukin371/streamgate/internal/infrastructure/config"
	"github.com/yukin371/streamgate/pkg/logger"
)

// ErrInvalidConfig marks settings that cannot form a usable model config
var ErrInvalidConfig = errors.New("invalid configuration")

// Loader turns raw settings into a validated core.ModelConfig
type Loader struct {
	mu            sync.RWMutex
	log           *logger.Logger
	schemaLoader  *SchemaLoader
	loadedSources []string
}

// NewLoader creates a new configuration loader
func NewLoader(log *logger.Logger) *Loader {
	if log == nil {
		log = logger.Nop()
	}
	return &Loader{
		log:          log,
		schemaLoader: NewSchemaLoader(),
	}
}

// Catalog returns the built-in aliases merged with the --catalog file, if any
func (l *Loader) Catalog(path string) (Catalog, error) {
	catalog := BuiltinCatalog()
	if path == "" {
		return catalog, nil
	}
	extra, err := LoadCatalog(path)
	if err != nil {
		if errors.Is(err, core.ErrFileNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	l.addSource(path)
	return catalog.Merge(extra), nil
}

// Resolve builds the model config for one request.
//
// Precedence: explicit flag/env > catalog alias > built-in default. A tuning file that
// is missing, malformed or out of range only produces a warning; bad tuning given by
// flag or environment is an error.
func (l *Loader) Resolve(s *infracfg.Settings) (core.ModelConfig, error) {
	l.mu.Lock()
	l.loadedSources = nil
	l.mu.Unlock()

	catalog, err := l.Catalog(s.Catalog)
	if err != nil {
		return core.ModelConfig{}, err
	}

	var cfg core.ModelConfig
	if s.Provider != "" {
		kind, err := core.ParseProviderKind(s.Provider)
		if err != nil {
			return core.ModelConfig{}, err
		}
		cfg.Provider = kind
	}

	cfg.Model = s.Model
	var alias ModelAlias
	if a, ok := catalog.Lookup(s.Model); ok {
		alias = a
		kind, _ := core.ParseProviderKind(a.Provider)
		if cfg.Provider != "" && cfg.Provider != kind {
			return core.ModelConfig{}, fmt.Errorf("%w: model alias %q belongs to %s, not %s",
				ErrInvalidConfig, s.Model, kind, cfg.Provider)
		}
		cfg.Provider = kind
		cfg.Model = a.Model
		l.log.Debug("model alias %s -> %s/%s", s.Model, kind, a.Model)
	}

	if cfg.Provider == "" {
		cfg.Provider = DefaultProvider
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel(cfg.Provider)
	}

	switch cfg.Provider {
	case core.ProviderBedrock:
		cfg.RegionOrEndpoint = firstNonEmpty(s.Region, alias.Region, DefaultRegion)
		cfg.CredentialRef = s.Profile
	default:
		// empty endpoint lets the provider apply its own default
		cfg.RegionOrEndpoint = firstNonEmpty(s.Endpoint, alias.Endpoint)
		cfg.CredentialRef = s.APIKeyEnv
	}

	fileTuning := l.tuningFromFile(s.Prop)
	if !s.Tuning.IsZero() {
		if err := l.schemaLoader.ValidateTuning(s.Tuning); err != nil {
			return core.ModelConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	cfg.Tuning = fileTuning.Merge(s.Tuning)

	if err := l.Validate(cfg); err != nil {
		return core.ModelConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// tuningFromFile reads the --prop file; any problem leaves every parameter unset
func (l *Loader) tuningFromFile(path string) core.Tuning {
	if path == "" {
		return core.Tuning{}
	}

	t, err := infracfg.LoadTuningFile(path)
	if err != nil {
		if errors.Is(err, core.ErrFileNotFound) {
			l.log.Warn("tuning file %s not found, using provider defaults", path)
		} else {
			l.log.Warn("ignoring tuning file: %v", err)
		}
		return core.Tuning{}
	}
	if err := l.schemaLoader.ValidateTuning(t); err != nil {
		l.log.Warn("ignoring tuning file %s: %v", path, err)
		return core.Tuning{}
	}

	l.addSource(path)
	return t
}

// Validate validates the model config against the JSON schema
func (l *Loader) Validate(cfg core.ModelConfig) error {
	return l.schemaLoader.Validate(cfg)
}

func (l *Loader) addSource(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loadedSources = append(l.loadedSources, path)
}

// GetLoadedSources returns the files that contributed to the last Resolve
func (l *Loader) GetLoadedSources() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sources := make([]string, len(l.loadedSources))
	copy(sources, l.loadedSources)
	return sources
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
