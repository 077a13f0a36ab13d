// Package config loads the engine's configuration file. Both YAML and
// JSON are accepted; unknown fields are rejected so typos fail loudly.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ProviderConfig struct {
	APIKeyEnv    string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	DefaultModel string `json:"default_model,omitempty" yaml:"default_model,omitempty"`
}

type DiagnosticsConfig struct {
	MaxPayloadBytes   int      `json:"max_payload_bytes,omitempty" yaml:"max_payload_bytes,omitempty"`
	RedactionKeyGlobs []string `json:"redaction_key_globs,omitempty" yaml:"redaction_key_globs,omitempty"`
}

type HandoffConfig struct {
	PolicyVersion       int `json:"policy_version,omitempty" yaml:"policy_version,omitempty"`
	EnvelopeBudgetChars int `json:"envelope_budget_chars,omitempty" yaml:"envelope_budget_chars,omitempty"`
}

type File struct {
	Version int `json:"version" yaml:"version"`

	Database struct {
		DSN string `json:"dsn" yaml:"dsn"`
	} `json:"database" yaml:"database"`

	Providers map[string]ProviderConfig `json:"providers,omitempty" yaml:"providers,omitempty"`

	Diagnostics DiagnosticsConfig `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
	Handoff     HandoffConfig     `json:"handoff,omitempty" yaml:"handoff,omitempty"`

	Execution struct {
		StepTimeoutMS         int    `json:"step_timeout_ms,omitempty" yaml:"step_timeout_ms,omitempty"`
		FailureSignatureLimit int    `json:"failure_signature_limit,omitempty" yaml:"failure_signature_limit,omitempty"`
		WorkingDirectory      string `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`
	} `json:"execution,omitempty" yaml:"execution,omitempty"`

	Log struct {
		Level string `json:"level,omitempty" yaml:"level,omitempty"`
	} `json:"log,omitempty" yaml:"log,omitempty"`

	Metrics struct {
		ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
	} `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

func (f *File) StepTimeout() time.Duration {
	return time.Duration(f.Execution.StepTimeoutMS) * time.Millisecond
}

// Load reads and strictly decodes the config file at path. Extension
// .json selects JSON; anything else decodes as YAML.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &f); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &f); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	applyDefaults(&f)
	if err := validate(&f); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &f, nil
}

func decodeJSONStrict(b []byte, f *File) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(f); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, f *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(f *File) {
	if f.Version == 0 {
		f.Version = 1
	}
	if f.Handoff.PolicyVersion == 0 {
		f.Handoff.PolicyVersion = 1
	}
	if f.Log.Level == "" {
		f.Log.Level = "info"
	}
}

func validate(f *File) error {
	if f.Version != 1 {
		return fmt.Errorf("unsupported config version %d", f.Version)
	}
	if f.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	for name, p := range f.Providers {
		if p.APIKeyEnv == "" {
			return fmt.Errorf("providers.%s: api_key_env is required", name)
		}
	}
	return nil
}
