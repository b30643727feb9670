// Package config loads runtime configuration files and applies environment
// overrides and validators to them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"
	"unicode"
)

// Validator validates configuration
type Validator interface {
	Validate(config interface{}) error
}

// ValidatorFunc is a function that validates configuration
type ValidatorFunc func(config interface{}) error

func (f ValidatorFunc) Validate(config interface{}) error {
	return f(config)
}

// Load loads configuration from a file.
// The format is picked by extension: .yaml/.yml, .json or .toml.
func Load(path string, target interface{}) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(path, target)
	case ".json":
		return LoadJSON(path, target)
	case ".toml":
		return LoadTOML(path, target)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// LoadWithEnv loads configuration from file and applies environment variable overrides.
// An empty path skips the file and only applies the environment.
func LoadWithEnv(path string, prefix string, target interface{}) error {
	if path != "" {
		if err := Load(path, target); err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := ApplyEnvOverrides(prefix, target); err != nil {
		return fmt.Errorf("failed to apply env overrides: %w", err)
	}

	return nil
}

// ApplyEnvOverrides sets struct fields from environment variables named
// PREFIX_FIELD_SUBFIELD. The field part comes from an `env` tag when present,
// otherwise from the Go field name in upper snake case (PoolSize -> POOL_SIZE).
func ApplyEnvOverrides(prefix string, target interface{}) error {
	if prefix == "" {
		prefix = "PTHREADS"
	}

	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("target must be a pointer to a struct")
	}

	return applyEnvToStruct(prefix, val.Elem())
}

// applyEnvToStruct recursively applies environment variables to struct fields
func applyEnvToStruct(prefix string, val reflect.Value) error {
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		if !field.CanSet() {
			continue
		}

		name := fieldType.Tag.Get("env")
		if name == "-" {
			continue
		}
		if name == "" {
			name = envName(fieldType.Name)
		}
		envKey := prefix + "_" + name

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(envKey, field); err != nil {
				return err
			}
			continue
		}

		if field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct {
			if field.IsNil() {
				field.Set(reflect.New(field.Type().Elem()))
			}
			if err := applyEnvToStruct(envKey, field.Elem()); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldFromEnv(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envKey, err)
		}
	}

	return nil
}

// envName converts a Go field name to upper snake case
func envName(field string) string {
	var b strings.Builder
	runes := []rune(field)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (nextLower && unicode.IsUpper(runes[i-1])) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return strings.ReplaceAll(b.String(), "-", "_")
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldFromEnv sets a struct field value from environment variable string
func setFieldFromEnv(field reflect.Value, envValue string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(envValue)
		if err != nil {
			return fmt.Errorf("invalid duration value: %s", envValue)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var intVal int64
		if _, err := fmt.Sscanf(envValue, "%d", &intVal); err != nil {
			return fmt.Errorf("invalid integer value: %s", envValue)
		}
		field.SetInt(intVal)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		var uintVal uint64
		if _, err := fmt.Sscanf(envValue, "%d", &uintVal); err != nil {
			return fmt.Errorf("invalid unsigned integer value: %s", envValue)
		}
		field.SetUint(uintVal)
	case reflect.Float32, reflect.Float64:
		var floatVal float64
		if _, err := fmt.Sscanf(envValue, "%f", &floatVal); err != nil {
			return fmt.Errorf("invalid float value: %s", envValue)
		}
		field.SetFloat(floatVal)
	case reflect.Bool:
		boolVal := strings.ToLower(envValue) == "true" || envValue == "1"
		field.SetBool(boolVal)
	case reflect.Slice:
		parts := strings.Split(envValue, ",")
		sliceType := field.Type().Elem()
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, part := range parts {
			part = strings.TrimSpace(part)
			elem := reflect.New(sliceType).Elem()
			if err := setFieldFromEnv(elem, part); err != nil {
				return err
			}
			slice.Index(i).Set(elem)
		}
		field.Set(slice)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate validates configuration using the given validators
func Validate(config interface{}, validators ...Validator) error {
	for _, validator := range validators {
		if err := validator.Validate(config); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}
	return nil
}
