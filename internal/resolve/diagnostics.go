package resolve

import "fmt"

// Warning codes emitted during resolution.
const (
	// CodeRefOverridesPlaintext: a sibling *Ref field shadows plaintext
	// at the value slot; the plaintext is ignored at runtime.
	CodeRefOverridesPlaintext = "SECRETS_REF_OVERRIDES_PLAINTEXT"
	// CodeRefIgnoredInactiveSurface: a ref sits on a surface whose
	// owning feature, account, or mode is disabled; it is not resolved.
	CodeRefIgnoredInactiveSurface = "SECRETS_REF_IGNORED_INACTIVE_SURFACE"
)

// InactiveSurfaceSentinel is the stable substring CLI clients match to
// recognize inactive-surface diagnostics without parsing codes.
const InactiveSurfaceSentinel = ": secret ref is configured on an inactive surface;"

// Warning is one deduplicated diagnostic attached to a snapshot.
type Warning struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// warningSet collects warnings, deduplicating by (code, path, message).
type warningSet struct {
	seen     map[string]bool
	warnings []Warning
}

func newWarningSet() *warningSet {
	return &warningSet{seen: map[string]bool{}}
}

func (w *warningSet) add(code, path, message string) {
	key := code + "\x00" + path + "\x00" + message
	if w.seen[key] {
		return
	}
	w.seen[key] = true
	w.warnings = append(w.warnings, Warning{Code: code, Path: path, Message: message})
}

func (w *warningSet) addInactive(path, reason string) {
	w.add(CodeRefIgnoredInactiveSurface, path,
		fmt.Sprintf("%s%s %s", path, InactiveSurfaceSentinel, reason))
}

func (w *warningSet) list() []Warning {
	return append([]Warning(nil), w.warnings...)
}
