// Package config loads the service's environment-variable configuration.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
)

// Config is the flat set of environment-recognized options.
type Config struct {
	Environment    string `env:"ENVIRONMENT"`
	ServiceVersion string `env:"SERVICE_VERSION"`
	DefaultTTL     int    `env:"DEFAULT_TTL_SECONDS"`
	CleanupMillis  int    `env:"CLEANUP_INTERVAL_MS"`
	LogLevel       string `env:"LOG_LEVEL"`

	// DataDir is the directory under which partition DuckDB files are created.
	DataDir string `env:"DISCOVERY_DATA_DIR"`

	// SigningKey and PreviousKeys are secret JSON documents, left unparsed
	// here; internal/discovery/keys decodes them.
	SigningKey   string `env:"DISCOVERY_SIGNING_KEY"`
	PreviousKeys string `env:"DISCOVERY_PREVIOUS_KEYS"`
}

// Default returns a Config populated with the spec's defaults.
func Default() Config {
	return Config{
		Environment:    "development",
		ServiceVersion: "0.0.0",
		DefaultTTL:     300,
		CleanupMillis:  60000,
		LogLevel:       "info",
		DataDir:        "./data",
	}
}

// Load returns a Config seeded with defaults and overridden by whichever
// recognized environment variables are set.
func Load() (Config, error) {
	cfg := Default()
	if err := loadFromEnv(reflect.ValueOf(&cfg).Elem()); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFromEnv overwrites struct fields tagged `env:"..."` from the
// environment, leaving a field untouched when its variable is unset.
func loadFromEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue, ok := os.LookupEnv(envTag)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue, fieldType.Name, envTag); err != nil {
			return err
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value, fieldName, envVar string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		intVal, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer for %s (%s): %w", fieldName, envVar, err)
		}
		field.SetInt(intVal)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s (%s): %w", fieldName, envVar, err)
		}
		field.SetBool(boolVal)
	default:
		return fmt.Errorf("unsupported type %s for %s (%s)", field.Kind(), fieldName, envVar)
	}
	return nil
}
