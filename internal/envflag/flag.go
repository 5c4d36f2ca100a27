// Package envflag fills a struct of flags from a comma-separated
// list of name=value pairs, typically held in an environment variable.
package envflag

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// ErrInvalid indicates a malformed flag value.
var ErrInvalid = errors.New("invalid value")

// Init calls Parse with the contents of the named environment variable.
func Init[T any](flags *T, envVar string) error {
	if err := Parse(flags, os.Getenv(envVar)); err != nil {
		return fmt.Errorf("cannot parse %s: %w", envVar, err)
	}
	return nil
}

// Parse sets the fields of *flags, which must be a struct, from env.
//
// Each exported field is a flag named after the field, matched case
// insensitively. A field tag of the form `envflag:"default:value"`
// sets its value before env is applied.
//
// The env string holds comma-separated name=value elements. For
// bool fields the value may be omitted, meaning true. Empty
// elements are ignored so that values can be joined without care.
// Supported field kinds are bool, int and string.
//
// All problems are reported together; fields that parsed cleanly
// are set even when others fail.
func Parse[T any](flags *T, env string) error {
	fv := reflect.ValueOf(flags).Elem()
	ft := fv.Type()
	if ft.Kind() != reflect.Struct {
		return fmt.Errorf("envflag: %s is not a struct type", ft)
	}
	byName := make(map[string]int)
	for i := 0; i < ft.NumField(); i++ {
		field := ft.Field(i)
		if !field.IsExported() {
			continue
		}
		name := strings.ToLower(field.Name)
		if tag, ok := field.Tag.Lookup("envflag"); ok {
			key, rest, _ := strings.Cut(tag, ":")
			if key != "default" {
				return fmt.Errorf("unknown envflag tag %q", tag)
			}
			val, err := parseValue(name, field.Type.Kind(), rest)
			if err != nil {
				return err
			}
			fv.Field(i).Set(reflect.ValueOf(val).Convert(field.Type))
		}
		byName[name] = i
	}

	var errs []error
	for _, elem := range strings.Split(env, ",") {
		if elem == "" {
			continue
		}
		name, str, hasValue := strings.Cut(elem, "=")
		index, ok := byName[strings.ToLower(name)]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown flag %q", elem))
			continue
		}
		field := fv.Field(index)
		var val any
		switch {
		case hasValue:
			v, err := parseValue(name, field.Kind(), str)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			val = v
		case field.Kind() == reflect.Bool:
			val = true
		default:
			errs = append(errs, fmt.Errorf("value needed for %s flag %q", field.Kind(), name))
			continue
		}
		field.Set(reflect.ValueOf(val).Convert(field.Type()))
	}
	return errors.Join(errs...)
}

func parseValue(name string, kind reflect.Kind, str string) (any, error) {
	var (
		val any
		err error
	)
	switch kind {
	case reflect.Bool:
		val, err = strconv.ParseBool(str)
	case reflect.Int:
		val, err = strconv.Atoi(str)
	case reflect.String:
		val = str
	default:
		return nil, invalidError{fmt.Errorf("unsupported kind %s", kind)}
	}
	if err != nil {
		return nil, invalidError{fmt.Errorf("invalid %s value for %s: %v", kind, name, err)}
	}
	return val, nil
}

type invalidError struct{ error }

func (invalidError) Is(err error) bool {
	return err == ErrInvalid
}
