// Package config owns the gateway configuration files the secrets subsystem
// touches: the main config (JSON, with YAML accepted on ingest), the .env
// file beside it, and path resolution for per-agent state. The main config is
// held as a raw JSON-like tree so the path engine can address arbitrary
// registry targets; typed accessors decode only the secrets sub-tree.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	rgerrors "github.com/relaygate/relaygate/internal/errors"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/pathtree"
	"github.com/relaygate/relaygate/internal/ref"
)

// Config holds the runtime configuration context shared by commands.
type Config struct {
	Path           string
	StateDir       string
	Logger         *logging.Logger
	NonInteractive bool

	// Environ supplies the process environment to the env provider and
	// tests; defaults to os.Environ-backed lookup.
	Environ func(string) (string, bool)
}

// LookupEnv returns the configured environment lookup.
func (c *Config) LookupEnv(name string) (string, bool) {
	if c.Environ != nil {
		return c.Environ(name)
	}
	return os.LookupEnv(name)
}

// LoadTree reads and parses the main config into a JSON-like tree. YAML
// configs are normalized into the same tree model.
func (c *Config) LoadTree() (map[string]any, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rgerrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create a gateway config or pass --config",
			}
		}
		return nil, rgerrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}
	return ParseTree(c.Path, data)
}

// ParseTree decodes config bytes into the tree model based on the file
// extension.
func ParseTree(path string, data []byte) (map[string]any, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, rgerrors.ConfigError{
				Message:    "invalid YAML syntax in configuration file",
				Suggestion: "Check for indentation errors, missing quotes, or invalid characters",
			}
		}
		tree, ok := normalizeYAML(raw).(map[string]any)
		if !ok {
			return nil, rgerrors.ConfigError{
				Message:    "configuration root must be a mapping",
				Suggestion: "The top level of the config file must be an object",
			}
		}
		return tree, nil
	}
	var tree map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&tree); err != nil {
		return nil, rgerrors.ConfigError{
			Message:    "invalid JSON syntax in configuration file",
			Suggestion: "Validate the config with a JSON linter",
		}
	}
	return tree, nil
}

// normalizeYAML converts yaml.v3 decode output (map[string]any with
// interface keys in older corner cases, ints for numerics) into the JSON
// tree model the path engine operates on.
func normalizeYAML(v any) any {
	switch n := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, val := range n {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, val := range n {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, val := range n {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

// WriteTree writes the main config atomically: temp file in the same
// directory, mode 0600, then rename. JSON output is indented for hand
// editing; a YAML config path keeps its YAML encoding.
func (c *Config) WriteTree(tree map[string]any) error {
	return WriteTreeFile(c.Path, tree)
}

// WriteTreeFile writes a config tree to path atomically.
func WriteTreeFile(path string, tree map[string]any) error {
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		data, err = yaml.Marshal(tree)
	} else {
		data, err = json.MarshalIndent(tree, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return WriteFileAtomic(path, data, 0o600)
}

// WriteFileAtomic writes data to path via a same-directory temp file and
// rename, so readers observe either the old or the new content.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// SecretsSettings is the decoded secrets sub-tree of the main config.
type SecretsSettings struct {
	Providers map[string]ProviderConfig `json:"providers,omitempty"`
	Defaults  ref.Defaults              `json:"defaults,omitempty"`
	Limits    Limits                    `json:"limits,omitempty"`
}

// Limits bounds the provider pipeline.
type Limits struct {
	MaxProviderConcurrency int `json:"maxProviderConcurrency,omitempty"`
	MaxRefsPerProvider     int `json:"maxRefsPerProvider,omitempty"`
	MaxBatchBytes          int `json:"maxBatchBytes,omitempty"`
}

// Defaults applied when the config omits a limit.
const (
	DefaultMaxProviderConcurrency = 4
	DefaultMaxRefsPerProvider     = 512
	DefaultMaxBatchBytes          = 262144
)

// Normalized returns the limits with defaults filled in.
func (l Limits) Normalized() Limits {
	if l.MaxProviderConcurrency <= 0 {
		l.MaxProviderConcurrency = DefaultMaxProviderConcurrency
	}
	if l.MaxRefsPerProvider <= 0 {
		l.MaxRefsPerProvider = DefaultMaxRefsPerProvider
	}
	if l.MaxBatchBytes <= 0 {
		l.MaxBatchBytes = DefaultMaxBatchBytes
	}
	return l
}

// DecodeSecretsSettings extracts secrets.providers / secrets.defaults /
// secrets.limits from a config tree. An absent secrets block yields empty
// settings; a malformed block is an error.
func DecodeSecretsSettings(tree map[string]any) (SecretsSettings, error) {
	var settings SecretsSettings
	node, ok := pathtree.Get(tree, []string{"secrets"})
	if !ok || node == nil {
		return settings, nil
	}
	raw, err := json.Marshal(node)
	if err != nil {
		return settings, fmt.Errorf("encode secrets block: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&settings); err != nil {
		return settings, rgerrors.ConfigError{
			Field:      "secrets",
			Message:    "malformed secrets block",
			Suggestion: "Check secrets.providers and secrets.defaults against the documented shapes",
		}
	}
	for alias, pc := range settings.Providers {
		if !ref.ValidProviderAlias(alias) {
			return settings, rgerrors.ConfigError{
				Field:      "secrets.providers." + alias,
				Message:    "invalid provider alias",
				Suggestion: "Aliases are lowercase: ^[a-z][a-z0-9_-]{0,63}$",
			}
		}
		if err := pc.Validate(alias); err != nil {
			return settings, err
		}
	}
	return settings, nil
}
