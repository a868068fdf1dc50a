package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "scry-data"
		}
	}
	return filepath.Join(dir, "scry")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "scry", "config.json")
}

// fileBackend stores config as a flat JSON object keyed by dotted names
// ("server.port", "embedding.model").
type fileBackend struct {
	path string
	data map[string]any
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, data: make(map[string]any)}
	b.load()
	return b
}

func (b *fileBackend) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		}
		return
	}
	if err := json.Unmarshal(data, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
	}
}

func (b *fileBackend) save() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o600)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, fmt.Errorf("config key %s is not a string", key)
	}
	return s, true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	// encoding/json decodes all numbers as float64.
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, false, fmt.Errorf("config key %s is not an integer", key)
	}
	return int(f), true, nil
}

func (b *fileBackend) GetFloat(key string) (float64, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false, fmt.Errorf("config key %s is not a number", key)
	}
	return f, true, nil
}

// Set writes one key into the config file, creating it if needed. String
// values are coerced to the key's declared type so the CLI can pass raw
// arguments. Used by the config CLI command.
func Set(key string, value any) error {
	spec, ok := specFor(key)
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	if s, isString := value.(string); isString && spec.typ != kString {
		coerced, err := coerce(key, spec.typ, s)
		if err != nil {
			return err
		}
		value = coerced
	}
	b := newFileBackend(configFilePath())
	b.data[key] = value
	return b.save()
}

func coerce(key string, typ keyType, s string) (any, error) {
	switch typ {
	case kInt:
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("config key %s requires an integer: %w", key, err)
		}
		return v, nil
	case kFloat:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("config key %s requires a number: %w", key, err)
		}
		return v, nil
	default:
		return s, nil
	}
}

// List returns the effective configuration as key/value pairs in spec order.
func List() ([][2]string, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	out := make([][2]string, 0, len(specs))
	for _, s := range specs {
		out = append(out, [2]string{s.key, fmt.Sprintf("%v", s.extract(cfg))})
	}
	return out, nil
}

func specFor(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}
