package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration. Precedence, lowest to highest: built-in
// defaults, the YAML file at path (optional, missing file tolerated when the
// path is the default), environment variables declared by env struct tags.
func Load(_ context.Context, path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if err := loadFile(k, path); err != nil {
		return nil, err
	}
	if err := loadEnvironment(k); err != nil {
		return nil, err
	}
	cfg, err := unmarshalAndValidate(k)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile merges only the keys present in the YAML file, preserving
// defaults for everything it does not mention.
func loadFile(k *koanf.Koanf, path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	for key, value := range flattenMap("", doc) {
		if err := k.Set(key, value); err != nil {
			return fmt.Errorf("applying config key %s: %w", key, err)
		}
	}
	return nil
}

func loadEnvironment(k *koanf.Koanf) error {
	envToPath := make(map[string]string)
	for _, m := range GenerateEnvMappings() {
		envToPath[m.EnvVar] = m.ConfigPath
	}
	err := k.Load(env.Provider(".", env.Opt{
		TransformFunc: func(key, value string) (string, any) {
			if configPath, ok := envToPath[key]; ok {
				return configPath, value
			}
			// Unmapped environment variables are not configuration.
			return "", nil
		},
	}), nil)
	if err != nil {
		return fmt.Errorf("loading environment: %w", err)
	}
	return nil
}

func unmarshalAndValidate(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				sensitiveStringDecodeHook,
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshaling configuration: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := validateSemantics(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateSemantics enforces the cross-field rules struct tags cannot
// express.
func validateSemantics(cfg *Config) error {
	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.ConnString == "" && cfg.Database.Path == "" {
			return fmt.Errorf("sqlite driver requires database.path")
		}
	case "postgres":
		if cfg.Database.ConnString == "" && (cfg.Database.Host == "" || cfg.Database.DBName == "") {
			return fmt.Errorf("postgres driver requires database.conn_string or database.host and database.name")
		}
	}
	switch cfg.Storage.Backend {
	case "fs":
		if cfg.Storage.FS.Root == "" || cfg.Storage.FS.CacheRoot == "" {
			return fmt.Errorf("fs storage requires storage.fs.root and storage.fs.cache_root")
		}
		if cfg.Storage.FS.Root == cfg.Storage.FS.CacheRoot {
			return fmt.Errorf("storage.fs.cache_root must differ from storage.fs.root")
		}
	case "s3":
		if cfg.Storage.S3.Endpoint == "" || cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3 storage requires storage.s3.endpoint and storage.s3.bucket")
		}
		if cfg.Storage.S3.Prefix == cfg.Storage.S3.CachePrefix {
			return fmt.Errorf("storage.s3.cache_prefix must differ from storage.s3.prefix")
		}
	}
	if cfg.Upstream.Enabled && cfg.Upstream.URL == "" {
		return fmt.Errorf("upstream.enabled requires upstream.url")
	}
	return nil
}

func sensitiveStringDecodeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(SensitiveString("")) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return SensitiveString(v), nil
	case []byte:
		return SensitiveString(v), nil
	default:
		return data, nil
	}
}

func flattenMap(prefix string, m map[string]any) map[string]any {
	result := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for fk, fv := range flattenMap(key, nested) {
				result[fk] = fv
			}
			continue
		}
		result[key] = v
	}
	return result
}
