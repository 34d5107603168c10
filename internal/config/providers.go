package config

import (
	"path/filepath"

	rgerrors "github.com/relaygate/relaygate/internal/errors"
	"github.com/relaygate/relaygate/internal/ref"
)

// FileProviderMode selects how the file provider interprets its payload.
type FileProviderMode string

const (
	// FileModeJSON parses the file as a JSON object and resolves ids as
	// JSON pointers.
	FileModeJSON FileProviderMode = "json"
	// FileModeSingleValue treats the whole file as one secret; the only
	// valid id is the literal "value".
	FileModeSingleValue FileProviderMode = "singleValue"
)

// ProviderConfig is one entry of secrets.providers, tagged by source.
type ProviderConfig struct {
	Source ref.Source `json:"source"`

	// env
	Allowlist []string `json:"allowlist,omitempty"`

	// file
	Path                string           `json:"path,omitempty"`
	Mode                FileProviderMode `json:"mode,omitempty"`
	SkipPermissionCheck bool             `json:"skipPermissionCheck,omitempty"`

	// file + exec
	TimeoutMs int   `json:"timeoutMs,omitempty"`
	MaxBytes  int64 `json:"maxBytes,omitempty"`

	// exec
	Command             string            `json:"command,omitempty"`
	Args                []string          `json:"args,omitempty"`
	NoOutputTimeoutMs   int               `json:"noOutputTimeoutMs,omitempty"`
	MaxOutputBytes      int64             `json:"maxOutputBytes,omitempty"`
	JSONOnly            bool              `json:"jsonOnly,omitempty"`
	PassEnv             []string          `json:"passEnv,omitempty"`
	TrustedDirs         []string          `json:"trustedDirs,omitempty"`
	AllowInsecurePath   bool              `json:"allowInsecurePath,omitempty"`
	AllowSymlinkCommand bool              `json:"allowSymlinkCommand,omitempty"`
	Env                 map[string]string `json:"env,omitempty"`
}

// Provider defaults applied when the config leaves a knob unset.
const (
	DefaultFileTimeoutMs     = 5000
	DefaultFileMaxBytes      = 1 << 20
	DefaultExecTimeoutMs     = 30000
	DefaultExecIdleTimeoutMs = 10000
	DefaultExecMaxOutput     = 1 << 20
)

// Validate checks the source-specific required fields.
func (p ProviderConfig) Validate(alias string) error {
	field := "secrets.providers." + alias
	switch p.Source {
	case ref.SourceEnv:
		for _, name := range p.Allowlist {
			if name == "" || name != stringsToUpper(name) {
				return rgerrors.ConfigError{
					Field:      field + ".allowlist",
					Value:      name,
					Message:    "env allowlist entries must be uppercase variable names",
					Suggestion: "Use names like OPENAI_API_KEY",
				}
			}
		}
	case ref.SourceFile:
		if !filepath.IsAbs(p.Path) {
			return rgerrors.ConfigError{
				Field:      field + ".path",
				Value:      p.Path,
				Message:    "file provider path must be absolute",
				Suggestion: "Use an absolute path to the secrets file",
			}
		}
		switch p.Mode {
		case FileModeJSON, FileModeSingleValue, "":
		default:
			return rgerrors.ConfigError{
				Field:      field + ".mode",
				Value:      string(p.Mode),
				Message:    "unknown file provider mode",
				Suggestion: `Use "json" or "singleValue"`,
			}
		}
	case ref.SourceExec:
		if !filepath.IsAbs(p.Command) {
			return rgerrors.ConfigError{
				Field:      field + ".command",
				Value:      p.Command,
				Message:    "exec provider command must be an absolute path",
				Suggestion: "Point command at the resolved binary, not a PATH lookup",
			}
		}
		for _, dir := range p.TrustedDirs {
			if !filepath.IsAbs(dir) {
				return rgerrors.ConfigError{
					Field:      field + ".trustedDirs",
					Value:      dir,
					Message:    "trusted directories must be absolute",
					Suggestion: "List absolute directories the command may live under",
				}
			}
		}
	default:
		return rgerrors.ConfigError{
			Field:      field + ".source",
			Value:      string(p.Source),
			Message:    "unknown provider source",
			Suggestion: `Use one of "env", "file", "exec"`,
		}
	}
	return nil
}

// EffectiveFileMode returns the file mode with the default applied.
func (p ProviderConfig) EffectiveFileMode() FileProviderMode {
	if p.Mode == "" {
		return FileModeJSON
	}
	return p.Mode
}

func stringsToUpper(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'a' && b[i] <= 'z' {
			b[i] -= 'a' - 'A'
		}
	}
	return string(b)
}
