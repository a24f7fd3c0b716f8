package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

// DefaultEnvPrefix prefixes every environment variable read by the loader,
// for example MSGBRIDGE_KAFKA_BROKERS.
const DefaultEnvPrefix = "MSGBRIDGE"

// ErrFileNotFound is returned by Load when the config file does not exist.
var ErrFileNotFound = errors.New("config: file not found")

type loadOptions struct {
	envPrefix  string
	configType string
	validate   bool
}

// LoadOption tunes Load, LoadFromBytes and FromEnv.
type LoadOption func(*loadOptions)

// WithEnvPrefix changes the environment variable prefix.
func WithEnvPrefix(prefix string) LoadOption {
	return func(o *loadOptions) { o.envPrefix = prefix }
}

// WithConfigType forces the file format ("yaml", "json", "toml") instead of
// inferring it from the extension.
func WithConfigType(configType string) LoadOption {
	return func(o *loadOptions) { o.configType = configType }
}

// WithoutValidation skips Validate after decoding.
func WithoutValidation() LoadOption {
	return func(o *loadOptions) { o.validate = false }
}

func newLoadOptions(opts []LoadOption) *loadOptions {
	o := &loadOptions{envPrefix: DefaultEnvPrefix, validate: true}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Load reads path (yaml, json or toml), applies environment overrides and
// validates the result. Lists may be given as comma-separated strings and
// durations as Go duration strings.
func Load(path string, opts ...LoadOption) (*Config, error) {
	o := newLoadOptions(opts)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}

	v := newViper(o)
	v.SetConfigFile(path)
	if o.configType != "" {
		v.SetConfigType(o.configType)
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return decode(v, o)
}

// LoadFromBytes reads configuration of the given type from data.
func LoadFromBytes(data []byte, configType string, opts ...LoadOption) (*Config, error) {
	o := newLoadOptions(opts)
	v := newViper(o)
	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", configType, err)
	}
	return decode(v, o)
}

// FromEnv builds the configuration from environment variables only. An empty
// prefix uses DefaultEnvPrefix.
func FromEnv(prefix string, opts ...LoadOption) (*Config, error) {
	if prefix != "" {
		opts = append([]LoadOption{WithEnvPrefix(prefix)}, opts...)
	}
	o := newLoadOptions(opts)
	return decode(newViper(o), o)
}

// MustLoad is Load that panics on error.
func MustLoad(path string, opts ...LoadOption) *Config {
	cfg, err := Load(path, opts...)
	if err != nil {
		panic(err)
	}
	return cfg
}

func newViper(o *loadOptions) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about, so every
	// field is bound explicitly for env-only configuration.
	for _, key := range configKeys() {
		_ = v.BindEnv(key)
	}
	return v
}

func decode(v *viper.Viper, o *loadOptions) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if o.validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func configKeys() []string {
	t := reflect.TypeOf(Config{})
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if tag := t.Field(i).Tag.Get("mapstructure"); tag != "" && tag != "-" {
			keys = append(keys, tag)
		}
	}
	return keys
}
