package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Paths are dot-joined json tag names, e.g. "upstream.breakerThreshold".
// The last segment may also be a key of a string map such as
// "driver.browser.selectors.header".

type target struct {
	v   reflect.Value // the field, or the map that holds key
	key string
}

func resolve(cfg *Config, path string) (target, error) {
	if path == "" {
		return target{}, errors.New("empty path")
	}
	v := reflect.ValueOf(cfg).Elem()
	parts := strings.Split(path, ".")
	for i, part := range parts {
		switch v.Kind() {
		case reflect.Struct:
			f, ok := fieldByTag(v, part)
			if !ok {
				return target{}, fmt.Errorf("key not found: %s", path)
			}
			v = f
		case reflect.Map:
			if i != len(parts)-1 {
				return target{}, fmt.Errorf("cannot traverse into %s at %s", v.Type(), part)
			}
			return target{v: v, key: part}, nil
		default:
			return target{}, fmt.Errorf("cannot traverse into %s at %s", v.Type(), part)
		}
	}
	return target{v: v}, nil
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := range t.NumField() {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// GetByPath returns the typed value at path.
func GetByPath(cfg *Config, path string) (any, error) {
	t, err := resolve(cfg, path)
	if err != nil {
		return nil, err
	}
	if t.key != "" {
		val := t.v.MapIndex(reflect.ValueOf(t.key))
		if !val.IsValid() {
			return nil, fmt.Errorf("key not found: %s", path)
		}
		return val.Interface(), nil
	}
	return t.v.Interface(), nil
}

// SetByPath parses raw according to the type of the field at path and
// assigns it. Lists take comma-separated values; maps take a JSON object.
func SetByPath(cfg *Config, path, raw string) error {
	t, err := resolve(cfg, path)
	if err != nil {
		return err
	}
	if t.key != "" {
		if t.v.IsNil() {
			t.v.Set(reflect.MakeMap(t.v.Type()))
		}
		t.v.SetMapIndex(reflect.ValueOf(t.key), reflect.ValueOf(raw))
		return nil
	}

	v := t.v
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: %q is not a bool", path, raw)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", path, raw)
		}
		v.SetInt(n)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("%s: unsupported list type %s", path, v.Type())
		}
		var items []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		v.Set(reflect.ValueOf(items))
	case reflect.Map:
		m := reflect.New(v.Type())
		if err := json.Unmarshal([]byte(raw), m.Interface()); err != nil {
			return fmt.Errorf("%s: expected a JSON object: %w", path, err)
		}
		v.Set(m.Elem())
	default:
		return fmt.Errorf("%s: cannot set a %s", path, v.Kind())
	}
	return nil
}

// Sanitize returns a copy of the config with tokens masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	for _, secret := range []*string{
		&c.Driver.Bridge.Token,
		&c.Upstream.Token,
		&c.Admin.Token,
		&c.Alert.Telegram.Token,
	} {
		if *secret != "" {
			*secret = maskString(*secret)
		}
	}
	return &c
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every settable path with its current value.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	collect("", reflect.ValueOf(cfg).Elem(), out)
	return out
}

func collect(prefix string, v reflect.Value, out map[string]any) {
	join := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + "." + name
	}
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
			if name == "" || name == "-" {
				continue
			}
			collect(join(name), v.Field(i), out)
		}
	case reflect.Map:
		if v.Len() == 0 {
			out[prefix] = v.Interface()
			return
		}
		iter := v.MapRange()
		for iter.Next() {
			out[join(iter.Key().String())] = iter.Value().Interface()
		}
	default:
		out[prefix] = v.Interface()
	}
}
