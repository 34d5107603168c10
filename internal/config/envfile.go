package config

import (
	"os"
	"strings"

	"github.com/awnumar/memguard"
)

// knownSecretEnvNames lists the well-known variables the audit and apply
// engines treat as secret-bearing when they appear in .env. Unlisted
// variables are never scrubbed.
var knownSecretEnvNames = map[string]bool{
	"ANTHROPIC_API_KEY":    true,
	"OPENAI_API_KEY":       true,
	"GEMINI_API_KEY":       true,
	"GROK_API_KEY":         true,
	"KIMI_API_KEY":         true,
	"PERPLEXITY_API_KEY":   true,
	"ELEVENLABS_API_KEY":   true,
	"TELEGRAM_BOT_TOKEN":   true,
	"DISCORD_BOT_TOKEN":    true,
	"SLACK_BOT_TOKEN":      true,
	"SLACK_APP_TOKEN":      true,
	"SLACK_SIGNING_SECRET": true,
	"PLURALKIT_TOKEN":      true,
	"GATEWAY_AUTH_TOKEN":   true,
	"GATEWAY_PASSWORD":     true,
}

// IsKnownSecretEnvName reports whether name is a scrub candidate.
func IsKnownSecretEnvName(name string) bool {
	return knownSecretEnvNames[name]
}

// KnownSecretEnvNames returns the candidate names, for audit output.
func KnownSecretEnvNames() []string {
	out := make([]string, 0, len(knownSecretEnvNames))
	for name := range knownSecretEnvNames {
		out = append(out, name)
	}
	return out
}

// EnvFileLine is one parsed line of a .env file. Raw preserves the exact
// original text so serialization round-trips untouched lines byte for byte.
type EnvFileLine struct {
	Raw   string
	Key   string
	Value string // parsed value with optional surrounding quotes removed
}

// IsAssignment reports whether the line defines a variable.
func (l EnvFileLine) IsAssignment() bool { return l.Key != "" }

// EnvFile is a parsed .env document.
type EnvFile struct {
	Path  string
	Lines []EnvFileLine
}

// ReadEnvFile parses the .env file at path. A missing file yields an empty
// document, not an error.
func ReadEnvFile(path string) (*EnvFile, error) {
	doc := &EnvFile{Path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, err
	}
	defer memguard.WipeBytes(data)
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	for _, raw := range strings.Split(strings.TrimSuffix(text, "\n"), "\n") {
		doc.Lines = append(doc.Lines, parseEnvLine(raw))
	}
	return doc, nil
}

func parseEnvLine(raw string) EnvFileLine {
	line := EnvFileLine{Raw: raw}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return line
	}
	trimmed = strings.TrimPrefix(trimmed, "export ")
	eq := strings.Index(trimmed, "=")
	if eq <= 0 {
		return line
	}
	key := strings.TrimSpace(trimmed[:eq])
	if key == "" || strings.ContainsAny(key, " \t") {
		return line
	}
	value := strings.TrimSpace(trimmed[eq+1:])
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	line.Key = key
	line.Value = value
	return line
}

// Values returns the assignment map; later lines win.
func (f *EnvFile) Values() map[string]string {
	out := map[string]string{}
	for _, l := range f.Lines {
		if l.IsAssignment() {
			out[l.Key] = l.Value
		}
	}
	return out
}

// Scrub drops every assignment whose key is a known secret name and whose
// parsed value appears in values. Returns the removed keys.
func (f *EnvFile) Scrub(values map[string]bool) []string {
	var removed []string
	kept := f.Lines[:0]
	for _, l := range f.Lines {
		if l.IsAssignment() && IsKnownSecretEnvName(l.Key) && values[l.Value] {
			removed = append(removed, l.Key)
			continue
		}
		kept = append(kept, l)
	}
	f.Lines = kept
	return removed
}

// Write persists the document atomically at mode 0600. An empty document
// with no pre-existing file writes nothing.
func (f *EnvFile) Write() error {
	if len(f.Lines) == 0 {
		if _, err := os.Stat(f.Path); os.IsNotExist(err) {
			return nil
		}
	}
	var b strings.Builder
	for _, l := range f.Lines {
		b.WriteString(l.Raw)
		b.WriteString("\n")
	}
	return WriteFileAtomic(f.Path, []byte(b.String()), 0o600)
}
