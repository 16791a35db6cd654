package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/imdario/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expands environment variables, and
// unmarshals into a Config struct. Unknown keys are rejected to catch
// typos early.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	expanded := ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}

	return &cfg, nil
}

// Defaults returns the baseline config values applied before any YAML
// file or CLI flag is considered. These match the flag defaults declared
// in cli/cmd/run.go so a bare `quarry run` and an empty quarry.yaml
// behave identically.
func Defaults() *Config {
	return &Config{
		Category: "default",
		Policy: PolicyConfig{
			Name:      "strict",
			FlushMode: "at_least_once",
		},
		Storage: StorageConfig{
			Dataset: "quarry",
		},
	}
}

// LoadMerged loads the YAML config at path (if non-empty) and merges it
// over Defaults(), with the file taking precedence field-by-field. CLI
// flags are resolved separately and always win over the result (see
// resolveString et al. in cli/cmd/run.go) — this only collapses the
// defaults-then-file half of the §4.9.1 precedence chain so callers
// never have to nil-check a missing config file.
func LoadMerged(path string) (*Config, error) {
	merged := Defaults()

	if path == "" {
		return merged, nil
	}

	fileCfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if err := mergo.Merge(merged, fileCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config %q over defaults: %w", path, err)
	}

	return merged, nil
}

// LoadDotEnv loads environment variable overrides from a .env file in the
// current working directory, if present. Absence of the file is not an
// error — this is a local-development convenience only, never required
// for a production invocation.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}
