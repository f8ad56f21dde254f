package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/yukin371/streamgate/internal/core"
)

// EnvPrefix is prepended to every setting when read from the environment
const EnvPrefix = "STREAMGATE"

// Setting keys. They double as flag names; the environment form is
// STREAMGATE_<KEY> with dashes replaced by underscores.
const (
	KeyPrompt      = "prompt"
	KeyCode        = "code"
	KeyProp        = "prop"
	KeyProvider    = "provider"
	KeyModel       = "model"
	KeyRegion      = "region"
	KeyEndpoint    = "endpoint"
	KeyProfile     = "profile"
	KeyAPIKeyEnv   = "api-key-env"
	KeyCatalog     = "catalog"
	KeyUsageDB     = "usage-db"
	KeyMetricsFile = "metrics-file"
	KeyLogFormat   = "log-format"
	KeyLogLevel    = "log-level"
	KeyVerbose     = "verbose"
	KeyMaxTokens   = "max-tokens"
	KeyTemperature = "temperature"
	KeyTopP        = "top-p"
)

// Settings holds everything the command line and environment can set
type Settings struct {
	Prompt      string `mapstructure:"prompt"`
	Code        string `mapstructure:"code"`
	Prop        string `mapstructure:"prop"`
	Provider    string `mapstructure:"provider"`
	Model       string `mapstructure:"model"`
	Region      string `mapstructure:"region"`
	Endpoint    string `mapstructure:"endpoint"`
	Profile     string `mapstructure:"profile"`
	APIKeyEnv   string `mapstructure:"api-key-env"`
	Catalog     string `mapstructure:"catalog"`
	UsageDB     string `mapstructure:"usage-db"`
	MetricsFile string `mapstructure:"metrics-file"`
	LogFormat   string `mapstructure:"log-format"`
	LogLevel    string `mapstructure:"log-level"`
	Verbose     bool   `mapstructure:"verbose"`

	// Tuning holds only the parameters given explicitly by flag or environment
	Tuning core.Tuning `mapstructure:"-"`
}

// Load reads settings from flags (when non-nil) and STREAMGATE_* environment variables.
// Explicit flags win over the environment, which wins over defaults.
func Load(flags *pflag.FlagSet) (*Settings, error) {
	v := newViper()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	tuning, err := tuningFrom(v, KeyMaxTokens, KeyTemperature, KeyTopP)
	if err != nil {
		return nil, err
	}
	s.Tuning = tuning
	return &s, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// setDefaults sets default values in Viper.
// Provider and model stay empty so a catalog alias can pick them.
func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyLogFormat, "console")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyVerbose, false)
	// bound as defaults so the keys are known to Unmarshal even without flags
	for _, k := range []string{KeyPrompt, KeyCode, KeyProp, KeyProvider, KeyModel, KeyRegion, KeyEndpoint,
		KeyProfile, KeyAPIKeyEnv, KeyCatalog, KeyUsageDB, KeyMetricsFile} {
		v.SetDefault(k, "")
	}
}

// LoadTuningFile reads maxTokens, temperature and topP from a tuning file.
//
// .yaml, .yml, .json and .toml files are parsed by extension. Anything else is read as a
// Java properties file: "key=value", "key: value" or "key value" lines with # or ! comments.
// Keys are case-insensitive. Absent keys stay unset.
func LoadTuningFile(path string) (core.Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.Tuning{}, fmt.Errorf("%w: %s", core.ErrFileNotFound, path)
		}
		return core.Tuning{}, err
	}

	v := viper.New()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json", ".toml":
		v.SetConfigType(ext[1:])
	default:
		v.SetConfigType("env")
		data = propertiesToEnv(data)
	}

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return core.Tuning{}, fmt.Errorf("failed to read tuning file %s: %w", path, err)
	}
	return tuningFrom(v, core.TuningMaxTokens, core.TuningTemperature, core.TuningTopP)
}

// propertiesToEnv rewrites properties lines into the key=value form the dotenv codec
// accepts. The key ends at the first '=', ':' or blank; blanks around the separator are
// dropped. Line continuations are not supported.
func propertiesToEnv(data []byte) []byte {
	var b bytes.Buffer
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "", line[0] == '#':
		case line[0] == '!':
			line = "#" + line[1:]
		default:
			i := strings.IndexAny(line, "=: \t\f")
			if i < 0 {
				line += "="
				break
			}
			if i == 0 {
				break
			}
			key, rest := line[:i], strings.TrimLeft(line[i:], " \t\f")
			if rest != "" && (rest[0] == '=' || rest[0] == ':') {
				rest = strings.TrimLeft(rest[1:], " \t\f")
			}
			line = key + "=" + rest
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// tuningFrom converts the three keys, when set, into a core.Tuning
func tuningFrom(v *viper.Viper, maxTokensKey, temperatureKey, topPKey string) (core.Tuning, error) {
	var t core.Tuning

	if v.IsSet(maxTokensKey) {
		n, err := cast.ToIntE(strings.TrimSpace(cast.ToString(v.Get(maxTokensKey))))
		if err != nil {
			return core.Tuning{}, fmt.Errorf("invalid %s: %w", maxTokensKey, err)
		}
		t.MaxTokens = &n
	}
	if v.IsSet(temperatureKey) {
		f, err := cast.ToFloat64E(strings.TrimSpace(cast.ToString(v.Get(temperatureKey))))
		if err != nil {
			return core.Tuning{}, fmt.Errorf("invalid %s: %w", temperatureKey, err)
		}
		t.Temperature = &f
	}
	if v.IsSet(topPKey) {
		f, err := cast.ToFloat64E(strings.TrimSpace(cast.ToString(v.Get(topPKey))))
		if err != nil {
			return core.Tuning{}, fmt.Errorf("invalid %s: %w", topPKey, err)
		}
		t.TopP = &f
	}
	return t, nil
}
