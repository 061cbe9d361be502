package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"gatekeeper/pkg/logx"
)

// EnvPrefix prefixes every environment override, e.g. GATEKEEPER_DISPATCH_TICK.
const EnvPrefix = "GATEKEEPER_"

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

var durationType = reflect.TypeOf(Duration(0))

// LoadDotEnv loads KEY=VALUE pairs from the given .env files (default
// ".env") into the environment. Variables already set win, and missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load %s: %w", strings.Join(existing, ", "), err)
	}
	return nil
}

// Load reads the config file at path, substitutes ${VAR} placeholders,
// applies GATEKEEPER_* overrides and defaults, then validates. An empty
// path or a missing file yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logx.NewLogger("config").Warn("config file %s not found, using defaults", path)
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := json.Unmarshal([]byte(substituteEnv(string(data))), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config JSON %s: %w", path, err)
			}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as indented JSON, creating the parent directory.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// substituteEnv replaces ${VAR} with its value. Unset variables are left
// as written.
func substituteEnv(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		if value, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return value
		}
		return match
	})
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	applyEnvOverridesRecursive(reflect.ValueOf(cfg).Elem(), EnvPrefix, &errs)
	return errors.Join(errs...)
}

// applyEnvOverridesRecursive walks struct fields by json tag. Nested
// structs extend the key (GATEKEEPER_LOOP_CEILING); maps of structs add
// the upper-cased map key (GATEKEEPER_HANDLERS_SEND_EMAIL_TIMEOUT).
func applyEnvOverridesRecursive(v reflect.Value, prefix string, errs *[]error) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		jsonTag := fieldType.Tag.Get("json")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}
		envKey := prefix + strings.ToUpper(strings.Split(jsonTag, ",")[0])

		switch {
		case field.Kind() == reflect.Struct:
			applyEnvOverridesRecursive(field, envKey+"_", errs)
			continue
		case field.Kind() == reflect.Map && field.Type().Key().Kind() == reflect.String &&
			field.Type().Elem().Kind() == reflect.Struct:
			for _, key := range field.MapKeys() {
				elem := reflect.New(field.Type().Elem()).Elem()
				elem.Set(field.MapIndex(key))
				applyEnvOverridesRecursive(elem, envKey+"_"+strings.ToUpper(key.String())+"_", errs)
				field.SetMapIndex(key, elem)
			}
			continue
		}

		if envValue, ok := os.LookupEnv(envKey); ok && envValue != "" {
			if err := setFieldFromEnv(field, envValue); err != nil {
				*errs = append(*errs, fmt.Errorf("%s: %w", envKey, err))
			}
		}
	}
}

func setFieldFromEnv(field reflect.Value, envValue string) error {
	if !field.CanSet() {
		return nil
	}

	if field.Type() == durationType {
		d, err := parseDuration(envValue)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int:
		val, err := strconv.Atoi(strings.TrimSpace(envValue))
		if err != nil {
			return fmt.Errorf("failed to parse int from '%s': %w", envValue, err)
		}
		field.SetInt(int64(val))
	case reflect.Bool:
		val, err := strconv.ParseBool(strings.TrimSpace(envValue))
		if err != nil {
			return fmt.Errorf("failed to parse bool from '%s': %w", envValue, err)
		}
		field.SetBool(val)
	case reflect.Slice:
		parts := splitList(envValue)
		switch field.Type().Elem() {
		case durationType:
			out := make([]Duration, 0, len(parts))
			for _, p := range parts {
				d, err := parseDuration(p)
				if err != nil {
					return err
				}
				out = append(out, d)
			}
			field.Set(reflect.ValueOf(out))
		case reflect.TypeOf(""):
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
