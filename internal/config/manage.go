package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

type field struct {
	key   string
	env   string
	value reflect.Value
}

// fields walks cfg and returns every leaf setting keyed by its dotted JSON
// path.
func fields(cfg reflect.Value, prefix string) []field {
	var out []field
	t := cfg.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		key := prefix + name
		if sf.Type.Kind() == reflect.Struct {
			out = append(out, fields(cfg.Field(i), key+".")...)
			continue
		}
		out = append(out, field{key: key, env: sf.Tag.Get("env"), value: cfg.Field(i)})
	}
	return out
}

// ShowAll returns all config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, f := range fields(reflect.ValueOf(cfg), "") {
		result = append(result, KeyInfo{
			Key:    f.key,
			EnvVar: f.env,
			Value:  fmt.Sprintf("%v", f.value.Interface()),
		})
	}
	return result
}

// ValidKeys returns the list of valid config key names.
func ValidKeys() []string {
	var keys []string
	for _, f := range fields(reflect.ValueOf(defaults()), "") {
		keys = append(keys, f.key)
	}
	return keys
}

// SetKey writes one setting to the config file at path, keeping the others.
// The resulting file must still produce a valid config.
func SetKey(path, key, value string) error {
	var kind reflect.Kind
	for _, f := range fields(reflect.ValueOf(defaults()), "") {
		if f.key == key {
			kind = f.value.Kind()
		}
	}
	if kind == reflect.Invalid {
		return fmt.Errorf("unknown config key: %q", key)
	}

	var typed any
	var err error
	switch kind {
	case reflect.String:
		typed = value
	case reflect.Int:
		typed, err = strconv.Atoi(value)
	case reflect.Float64:
		typed, err = strconv.ParseFloat(value, 64)
	case reflect.Bool:
		typed, err = strconv.ParseBool(value)
	default:
		return fmt.Errorf("config key %q has unsupported type %s", key, kind)
	}
	if err != nil {
		return fmt.Errorf("invalid %s value for %s: %w", kind, key, err)
	}

	doc := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("reading config file: %w", err)
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	parts := strings.Split(key, ".")
	node := doc
	for _, p := range parts[:len(parts)-1] {
		child, ok := node[p].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[p] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = typed

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	check := defaults()
	if err := json.Unmarshal(out, &check); err != nil {
		return fmt.Errorf("config would not parse: %w", err)
	}
	if err := check.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	return os.WriteFile(path, append(out, '\n'), 0o600)
}
