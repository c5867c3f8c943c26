package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "KOMARI_"
	// ConfigPathEnv names the config file when no path is given explicitly.
	ConfigPathEnv = "KOMARI_CONFIG"
	// Delimiter is the key delimiter for nested config.
	Delimiter = "."
)

// ErrConfigNotFound is returned when an explicit config file does not exist.
var ErrConfigNotFound = errors.New("config: file not found")

// searchPaths are tried in order when neither a path nor KOMARI_CONFIG is set.
var searchPaths = []string{
	"komari.yaml",
	"config.yaml",
	"config.yml",
	"config.json",
	"configs/komari.yaml",
	"/etc/komari/komari.yaml",
}

// Loader layers configuration sources on top of the defaults.
type Loader struct {
	k        *koanf.Koanf
	defaults map[string]interface{}
	lists    []string
	// source is the file that was loaded, empty when running on defaults.
	source string
}

// NewLoader creates a loader seeded with DefaultConfig.
func NewLoader() *Loader {
	defaults, lists := flatten(DefaultConfig())
	return &Loader{
		k:        koanf.New(Delimiter),
		defaults: defaults,
		lists:    lists,
	}
}

// Load resolves configuration from, in increasing priority: defaults, the
// config file, KOMARI_* environment variables and overrides. The result is
// validated before it is returned.
func (l *Loader) Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	if err := l.k.Load(confmap.Provider(l.defaults, Delimiter), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	path, explicit := resolvePath(configPath)
	if path != "" {
		if err := l.loadFile(path); err != nil {
			if explicit {
				return nil, err
			}
		} else {
			l.source = path
		}
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if len(overrides) > 0 {
		if err := l.k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
	}

	// A section written as an empty YAML mapping loads as nil and shadows
	// the defaults underneath it.
	for key, value := range l.defaults {
		if l.k.Get(key) == nil {
			if err := l.k.Set(key, value); err != nil {
				return nil, fmt.Errorf("restore default %s: %w", key, err)
			}
		}
	}

	if err := l.normalizeLists(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := l.k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Source returns the config file used by the last Load, if any.
func (l *Loader) Source() string {
	return l.source
}

// resolvePath picks the config file. explicit is true when the caller or the
// environment named the file, in which case it must exist.
func resolvePath(configPath string) (path string, explicit bool) {
	if configPath != "" {
		return configPath, true
	}
	if p := os.Getenv(ConfigPathEnv); p != "" {
		return p, true
	}
	for _, candidate := range searchPaths {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, false
		}
	}
	return "", false
}

func (l *Loader) loadFile(path string) error {
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("config: unsupported file format %q", ext)
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}

	if err := l.k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// loadEnv maps KOMARI_LLM_CHAT_MODEL to llm.chat_model. Known keys are looked
// up exactly since many of them contain underscores; anything else splits on
// the first underscore.
func (l *Loader) loadEnv() error {
	keys := envKeys()
	return l.k.Load(env.Provider(EnvPrefix, Delimiter, func(s string) string {
		if s == ConfigPathEnv {
			return ""
		}
		name := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		if key, ok := keys[name]; ok {
			return key
		}
		return strings.Replace(name, "_", Delimiter, 1)
	}), nil)
}

// envKeys maps the underscore form of every known config key to its dotted
// form.
func envKeys() map[string]string {
	flat, _ := flatten(DefaultConfig())
	keys := make(map[string]string, len(flat))
	for key := range flat {
		keys[strings.ReplaceAll(key, Delimiter, "_")] = key
	}
	return keys
}

// normalizeLists turns comma-separated strings from the environment into
// trimmed lists, so callers never split values themselves.
func (l *Loader) normalizeLists() error {
	for _, key := range l.lists {
		raw, ok := l.k.Get(key).(string)
		if !ok {
			continue
		}
		items := make([]string, 0, strings.Count(raw, ",")+1)
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		if err := l.k.Set(key, items); err != nil {
			return fmt.Errorf("normalize %s: %w", key, err)
		}
	}
	return nil
}

// flatten walks a config struct into dotted mapstructure keys. It also
// returns the keys of slice-valued fields.
func flatten(v interface{}) (map[string]interface{}, []string) {
	out := make(map[string]interface{})
	var lists []string
	flattenValue(reflect.ValueOf(v), "", out, &lists)
	return out, lists
}

func flattenValue(val reflect.Value, prefix string, out map[string]interface{}, lists *[]string) {
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return
	}

	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("mapstructure")
		if !field.IsExported() || tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + Delimiter + tag
		}

		fv := val.Field(i)
		switch fv.Kind() {
		case reflect.Struct, reflect.Ptr:
			flattenValue(fv, key, out, lists)
		case reflect.Slice:
			*lists = append(*lists, key)
			out[key] = fv.Interface()
		case reflect.Map:
			if fv.Len() > 0 {
				out[key] = fv.Interface()
			}
		default:
			out[key] = fv.Interface()
		}
	}
}

// Load is a convenience wrapper around NewLoader().Load.
func Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}
