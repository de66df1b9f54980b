package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/c360/wsfeed/errors"
)

// EnvPrefix is the prefix for environment overrides
const EnvPrefix = "WSFEED_"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	skipped    []string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: true,
		envPrefix:  EnvPrefix,
	}
}

// AddLayer adds a TOML file layer; later layers override earlier ones
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment variable prefix; an empty prefix disables
// environment overrides
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// Skipped lists environment variables ignored by the last Load because their
// values failed validation
func (l *Loader) Skipped() []string {
	return l.skipped
}

// Load merges defaults, every file layer and the environment, in that order.
//
// Environment keys drop the prefix, lowercase, and map "_" to a section separator
// while "__" stands for a literal underscore:
//
//	WSFEED_CONNECTION_URL            -> connection.url
//	WSFEED_CONNECTION_MAX__ATTEMPTS  -> connection.max_attempts
//	WSFEED_CREDENTIALS_FEED_ENDPOINT -> credentials.feed.endpoint
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	for _, path := range l.layers {
		if err := checkConfigFile(path); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "check config file")
		}
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, path, err),
				"Loader", "Load", "parse config file")
		}
	}

	l.skipped = nil
	if l.envPrefix != "" {
		if err := k.Load(env.ProviderWithValue(l.envPrefix, ".", l.envKey), nil); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load environment")
		}
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Loader", "Load", "decode configuration")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// envKey maps one environment variable to a config key, or drops it
func (l *Loader) envKey(key, value string) (string, any) {
	if err := validateEnvVar(key, value); err != nil {
		l.skipped = append(l.skipped, key)
		return "", nil
	}

	s := strings.ToLower(strings.TrimPrefix(key, l.envPrefix))
	s = strings.ReplaceAll(s, "__", "\x00")
	s = strings.ReplaceAll(s, "_", ".")
	s = strings.ReplaceAll(s, "\x00", "_")
	return s, value
}

// LoadFile loads configuration from a single file plus the environment
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load reads path (which may be empty) and the WSFEED_ environment, then validates
func Load(path string) (*Config, error) {
	l := NewLoader()
	if path != "" {
		l.AddLayer(path)
	}
	return l.Load()
}
