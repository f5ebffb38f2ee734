package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Environment variables read by Load.
const (
	EnvPrefix  = "FLEETWATCH_"
	EnvConfig  = "FLEETWATCH_CONFIG"
	EnvDotFile = "FLEETWATCH_ENV_FILE"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report koanf keys so errors name what the operator actually sets.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("koanf"), ",", 2)[0]
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Load builds a Config by layering defaults, a dotenv file, an optional
// YAML file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. .env (or FLEETWATCH_ENV_FILE); never overrides the real environment
//  3. file (YAML) if FLEETWATCH_CONFIG is set
//  4. env (prefix FLEETWATCH_)
func Load(_ context.Context) (*Config, error) {
	base := New()

	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}

	k := koanf.New(".")

	if path := os.Getenv(EnvConfig); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLoadConfig, path, err)
		}
	}

	// FLEETWATCH_REDIS_ADDR -> redis_addr. Underscores are kept to match the
	// flat koanf tags.
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}
	// Loader settings are not configuration keys.
	k.Delete("config")
	k.Delete("env_file")

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv() error {
	path := os.Getenv(EnvDotFile)
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Validate checks field constraints and reports the first violations by key.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required", "required_if":
			msgs = append(msgs, fe.Field()+" must not be empty")
		default:
			msgs = append(msgs, fmt.Sprintf("%s: failed %s check", fe.Namespace(), fe.ActualTag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}
