// Package config loads service configuration from struct tag defaults,
// an optional YAML/JSON file, an optional JSON secrets blob held in a
// single environment variable, and individual environment variables.
// Values are resolved in priority order (highest wins):
//
//	envDefault struct tags
//	YAML/JSON config file
//	JSON secrets blob (see [Loader.WithSecretsVar])
//	individual environment variables
//
// The secrets blob mirrors how the deployment injects credentials: a secret
// manager renders one JSON object into one variable, e.g.
//
//	CHOREGARDEN_SECRETS='{"COGNITO_USER_POOL_ID":"us-east-1_abc","POSTGRES_PASSWORD":"..."}'
//
// Blob keys are env keys without the global prefix.
//
// # Struct Tags
//
//   - `env:"VAR_NAME"` maps the field to an environment variable; on a
//     nested struct it becomes the prefix for the child fields
//   - `envDefault:"value"` sets a default when the field is zero-valued
//   - `required:"true"` fails validation if the field is still zero
//
// # Usage
//
//	cfg := config.MustLoad[app.Config](
//	    config.New().WithEnvPrefix("CHOREGARDEN").WithSecretsVar("CHOREGARDEN_SECRETS"),
//	)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
)

// durationType distinguishes time.Duration from plain int64 fields.
var durationType = reflect.TypeOf(time.Duration(0))

// LookupFunc resolves an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Loader executes layered configuration loading. Create one with [New].
// A Loader is not safe for concurrent use.
type Loader struct {
	envPrefix  string
	filePath   string
	secretsVar string
	lookup     LookupFunc
}

// New creates a Loader that reads environment variables only.
func New() *Loader {
	return &Loader{lookup: os.LookupEnv}
}

// WithEnvPrefix sets an uppercase prefix joined with "_" to every env key.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets a YAML (.yaml, .yml) or JSON (.json) file to load. A
// missing file is not an error.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// WithSecretsVar names an environment variable holding a JSON object of
// secrets. An unset or empty variable is not an error.
func (l *Loader) WithSecretsVar(name string) *Loader {
	l.secretsVar = name
	return l
}

// WithLookup replaces the environment lookup. Tests use it to avoid
// mutating the process environment.
func (l *Loader) WithLookup(fn LookupFunc) *Loader {
	if fn != nil {
		l.lookup = fn
	}
	return l
}

// Load populates cfg, which must be a non-nil pointer to a struct, and then
// validates it: required fields must be non-zero and, if cfg implements
// [Validator], its Validate method must succeed.
//
// Loading failures return [cgerr.CodeInternalConfiguration]; validation
// failures return [cgerr.CodeValidationRequired] or [cgerr.CodeValidation].
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return cgerr.New(cgerr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return cgerr.New(cgerr.CodeInternalConfiguration,
			"config: Load requires a pointer to a struct")
	}

	if err := applyDefaults(rv); err != nil {
		return err
	}

	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}

	secrets, err := l.loadSecrets()
	if err != nil {
		return err
	}
	if len(secrets) > 0 {
		blobLookup := func(key string) (string, bool) {
			v, ok := secrets[key]
			return v, ok
		}
		if err := applyEnv(rv, "", blobLookup); err != nil {
			return err
		}
	}

	if err := applyEnv(rv, l.envPrefix, l.lookup); err != nil {
		return err
	}

	return validate(cfg, rv)
}

// MustLoad loads a T and panics on failure. Use it from main.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return cgerr.New(cgerr.CodeInternalConfiguration,
			"config: file path must not contain directory traversal (..) sequences")
	}

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cgerr.Wrapf(err, cgerr.CodeInternalConfiguration,
			"config: failed to read file %q", l.filePath)
	}

	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return cgerr.Wrapf(err, cgerr.CodeInternalConfiguration,
				"config: failed to parse YAML file %q", l.filePath)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return cgerr.Wrapf(err, cgerr.CodeInternalConfiguration,
				"config: failed to parse JSON file %q", l.filePath)
		}
	default:
		return cgerr.Newf(cgerr.CodeInternalConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, or .json)", ext)
	}
	return nil
}

// loadSecrets decodes the secrets blob into a flat string map. Non-string
// JSON scalars (numbers, booleans) are rendered with fmt so that
// {"POSTGRES_PORT": 5432} works.
func (l *Loader) loadSecrets() (map[string]string, error) {
	if l.secretsVar == "" {
		return nil, nil
	}
	raw, ok := l.lookup(l.secretsVar)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var blob map[string]any
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return nil, cgerr.Wrapf(err, cgerr.CodeInternalConfiguration,
			"config: secrets variable %q is not a JSON object", l.secretsVar)
	}

	out := make(map[string]string, len(blob))
	for k, v := range blob {
		switch tv := v.(type) {
		case nil:
			continue
		case string:
			out[k] = tv
		case map[string]any, []any:
			return nil, cgerr.Newf(cgerr.CodeInternalConfiguration,
				"config: secrets key %q must hold a scalar value", k)
		default:
			out[k] = fmt.Sprint(tv)
		}
	}
	return out, nil
}

// applyDefaults sets zero-valued fields from their envDefault tags.
func applyDefaults(rv reflect.Value) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)
		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct && sf.Type != durationType {
			if err := applyDefaults(field); err != nil {
				return err
			}
			continue
		}

		tag := sf.Tag.Get("envDefault")
		if tag == "" || !field.IsZero() {
			continue
		}
		if err := setField(field, tag); err != nil {
			return cgerr.Wrapf(err, cgerr.CodeInternalConfiguration,
				"config: failed to apply default for field %q", sf.Name)
		}
	}
	return nil
}

// applyEnv sets fields from lookup using their env tags. A nested struct's
// env tag is joined to prefix for its children.
func applyEnv(rv reflect.Value, prefix string, lookup LookupFunc) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)
		if !field.CanSet() {
			continue
		}

		envTag := sf.Tag.Get("env")

		if field.Kind() == reflect.Struct && sf.Type != durationType {
			if err := applyEnv(field, joinKey(prefix, envTag), lookup); err != nil {
				return err
			}
			continue
		}

		if envTag == "" {
			continue
		}

		envKey := joinKey(prefix, envTag)
		val, ok := lookup(envKey)
		if !ok {
			continue
		}
		if err := setField(field, val); err != nil {
			return cgerr.Wrapf(err, cgerr.CodeInternalConfiguration,
				"config: failed to set field %q from %q", sf.Name, envKey)
		}
	}
	return nil
}

func joinKey(prefix, key string) string {
	switch {
	case prefix == "":
		return key
	case key == "":
		return prefix
	default:
		return prefix + "_" + key
	}
}

// setField parses value into field. Supported kinds: string (and named
// string types such as postgres.Secret), bool, signed integers,
// time.Duration and comma-separated []string.
func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", value, err)
		}
		field.SetBool(b)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", value, err)
		}
		field.SetInt(n)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		slice := reflect.MakeSlice(field.Type(), 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			slice = reflect.Append(slice, reflect.ValueOf(p).Convert(field.Type().Elem()))
		}
		field.Set(slice)

	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
