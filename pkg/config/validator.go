package config

import (
	"fmt"
	"reflect"
	"strings"
)

// field resolves a dot-separated path ("Pool.PoolSize") inside a struct or
// pointer to struct.
func field(config interface{}, path string) (reflect.Value, error) {
	cur := reflect.ValueOf(config)
	for _, part := range strings.Split(path, ".") {
		for cur.Kind() == reflect.Ptr {
			if cur.IsNil() {
				return reflect.Value{}, fmt.Errorf("field %s: nil pointer before %s", path, part)
			}
			cur = cur.Elem()
		}
		if cur.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field %s not found", path)
		}
		cur = cur.FieldByName(part)
		if !cur.IsValid() {
			return reflect.Value{}, fmt.Errorf("field %s not found", path)
		}
	}
	return cur, nil
}

// RequiredFields rejects configs in which any of the named fields holds its
// zero value.
func RequiredFields(fields ...string) Validator {
	return ValidatorFunc(func(config interface{}) error {
		var missing []string
		for _, name := range fields {
			v, err := field(config, name)
			if err != nil {
				return err
			}
			if v.IsZero() {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("required fields are missing: %s", strings.Join(missing, ", "))
		}
		return nil
	})
}

// RangeValidator checks that a numeric field lies in [min, max].
func RangeValidator(fieldName string, min, max float64) Validator {
	return ValidatorFunc(func(config interface{}) error {
		v, err := field(config, fieldName)
		if err != nil {
			return err
		}

		var n float64
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n = float64(v.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			n = float64(v.Uint())
		case reflect.Float32, reflect.Float64:
			n = v.Float()
		default:
			return fmt.Errorf("field %s is not numeric", fieldName)
		}

		if n < min || n > max {
			return fmt.Errorf("field %s value %v is out of range [%v, %v]", fieldName, n, min, max)
		}
		return nil
	})
}

// OneOfValidator checks that a field equals one of allowed. Values of a
// named string type (e.g. a mode enum) match their constants directly.
func OneOfValidator(fieldName string, allowed ...interface{}) Validator {
	return ValidatorFunc(func(config interface{}) error {
		v, err := field(config, fieldName)
		if err != nil {
			return err
		}

		got := v.Interface()
		for _, a := range allowed {
			if reflect.DeepEqual(got, a) {
				return nil
			}
			if v.Kind() == reflect.String {
				if s, ok := a.(string); ok && v.String() == s {
					return nil
				}
			}
		}
		return fmt.Errorf("field %s value %v is not one of allowed values: %v", fieldName, got, allowed)
	})
}

// When applies validators only if cond holds for the config, e.g. to
// require a path only when a feature is switched on.
func When(cond func(config interface{}) bool, validators ...Validator) Validator {
	return ValidatorFunc(func(config interface{}) error {
		if !cond(config) {
			return nil
		}
		for _, v := range validators {
			if err := v.Validate(config); err != nil {
				return err
			}
		}
		return nil
	})
}

// Enabled reports whether the bool field at path is set. It is meant for
// When.
func Enabled(path string) func(config interface{}) bool {
	return func(config interface{}) bool {
		v, err := field(config, path)
		return err == nil && v.Kind() == reflect.Bool && v.Bool()
	}
}
