package config

import "reflect"

// EnvMapping pairs an environment variable with the config path it sets.
type EnvMapping struct {
	EnvVar     string
	ConfigPath string
}

// GenerateEnvMappings derives env-var mappings from the Config struct tags,
// so the env surface can never drift from the struct definition.
func GenerateEnvMappings() []EnvMapping {
	return extractMappings(reflect.TypeOf(Config{}), "")
}

func extractMappings(t reflect.Type, prefix string) []EnvMapping {
	var mappings []EnvMapping
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		koanfTag := field.Tag.Get("koanf")
		if koanfTag == "" || koanfTag == "-" {
			continue
		}
		configPath := koanfTag
		if prefix != "" {
			configPath = prefix + "." + koanfTag
		}
		if envTag := field.Tag.Get("env"); envTag != "" && envTag != "-" {
			mappings = append(mappings, EnvMapping{EnvVar: envTag, ConfigPath: configPath})
		}
		if field.Type.Kind() == reflect.Struct && field.Type.PkgPath() != "time" {
			mappings = append(mappings, extractMappings(field.Type, configPath)...)
		}
	}
	return mappings
}
