package cli

import (
	"bytes"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// Config holds the optional replay configuration file. Flags win over
// config values.
type Config struct {
	AbortOnIntegrationError bool   `yaml:"abort_on_integration_error"`
	LogLevel                string `yaml:"log_level"`
}

// configSchema constrains the YAML config. The definition is closed, so
// unknown keys are rejected at validation time rather than silently
// ignored.
const configSchema = `
#Config: {
	abort_on_integration_error?: bool
	log_level?: "error" | "debug" | "trace"
}
`

// LoadConfig reads, validates and decodes the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	if err := validateConfig(raw); err != nil {
		return nil, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && len(raw) > 0 {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// validateConfig unifies the decoded document with the embedded schema.
func validateConfig(raw map[string]any) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(configSchema).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	doc := ctx.Encode(raw)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("encode config document: %w", err)
	}

	unified := schema.Unify(doc)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
