// Package registry is the declarative catalog of every location in the main
// configuration and in per-agent auth-profile stores where a secret may live.
// Entries compile once at startup into token lists; the resolver, the audit
// engine, and the plan/apply pipeline all address secrets exclusively through
// this catalog.
package registry

import (
	"github.com/relaygate/relaygate/internal/pathtree"
	"github.com/relaygate/relaygate/internal/ref"
)

// ConfigFile names the file family an entry lives in.
type ConfigFile string

const (
	// FileMain is the gateway main configuration.
	FileMain ConfigFile = "main"
	// FileAuthProfile is a per-agent auth-profile store.
	FileAuthProfile ConfigFile = "auth-profile"
)

// SecretShape describes how the secret is stored at the target.
type SecretShape string

const (
	// ShapeSecretInput stores either plaintext or a ref object in the
	// value slot itself.
	ShapeSecretInput SecretShape = "secret_input"
	// ShapeSiblingRef stores plaintext at the value slot and the ref at a
	// sibling *Ref path; the ref overrides the plaintext at runtime.
	ShapeSiblingRef SecretShape = "sibling_ref"
)

// Entry declares one secret-bearing location.
type Entry struct {
	// ID is the stable identifier used by plans, the RPC surface, and
	// CLI target filters.
	ID string
	// TargetType is the plan target type; Aliases are accepted
	// equivalents kept for older plan files.
	TargetType string
	Aliases    []string

	ConfigFile     ConfigFile
	PathPattern    string
	RefPathPattern string
	Shape          SecretShape
	Expected       ref.ExpectedValue

	// ProviderIDSegment / AccountIDSegment are indices into the matched
	// path segments from which a provider or account id is extracted.
	// Negative means not applicable.
	ProviderIDSegment int
	AccountIDSegment  int

	// AuthProfileType constrains auth-profile entries to one profile
	// type (api_key or token).
	AuthProfileType string

	IncludeInPlan          bool
	IncludeInConfigure     bool
	IncludeInAudit         bool
	TrackProviderShadowing bool

	pathTokens    []pathtree.Token
	refPathTokens []pathtree.Token
}

// PathTokens returns the compiled path pattern.
func (e *Entry) PathTokens() []pathtree.Token { return e.pathTokens }

// RefPathTokens returns the compiled sibling-ref pattern, nil for
// secret_input entries.
func (e *Entry) RefPathTokens() []pathtree.Token { return e.refPathTokens }

func mainEntry(id string, expected ref.ExpectedValue) Entry {
	return Entry{
		ID:                id,
		TargetType:        id,
		ConfigFile:        FileMain,
		PathPattern:       id,
		Shape:             ShapeSecretInput,
		Expected:          expected,
		ProviderIDSegment: -1,
		AccountIDSegment:  -1,
		IncludeInPlan:     true,
		IncludeInConfigure: true,
		IncludeInAudit:    true,
	}
}

// defaultEntries is the full catalog. Order matters only for deterministic
// discovery output.
func defaultEntries() []Entry {
	entries := []Entry{
		mainEntry("gateway.auth.password", ref.ExpectString),
		mainEntry("gateway.auth.token", ref.ExpectString),
		mainEntry("gateway.remote.token", ref.ExpectString),
		mainEntry("gateway.remote.password", ref.ExpectString),
		mainEntry("talk.apiKey", ref.ExpectString),
	}

	modelProvider := mainEntry("models.providers.*.apiKey", ref.ExpectString)
	modelProvider.TargetType = "models.provider.apiKey"
	modelProvider.Aliases = []string{"models.providers.*.apiKey"}
	modelProvider.ProviderIDSegment = 2
	modelProvider.TrackProviderShadowing = true
	entries = append(entries, modelProvider)

	entries = append(entries,
		mainEntry("agents.defaults.memorySearch.remote.apiKey", ref.ExpectString),
	)
	agentOverride := mainEntry("agents.list[].memorySearch.remote.apiKey", ref.ExpectString)
	agentOverride.TargetType = "agents.list.memorySearch.remote.apiKey"
	agentOverride.Aliases = []string{"agents.list[].memorySearch.remote.apiKey"}
	entries = append(entries, agentOverride)

	entries = append(entries, mainEntry("tools.webSearch.apiKey", ref.ExpectString))
	webChild := mainEntry("tools.webSearch.providers.*.apiKey", ref.ExpectString)
	webChild.TargetType = "tools.webSearch.provider.apiKey"
	webChild.Aliases = []string{"tools.webSearch.providers.*.apiKey"}
	webChild.ProviderIDSegment = 3
	entries = append(entries, webChild)

	skills := mainEntry("skills.entries.*.apiKey", ref.ExpectString)
	skills.TargetType = "skills.entry.apiKey"
	skills.Aliases = []string{"skills.entries.*.apiKey"}
	entries = append(entries, skills)

	// Channel surfaces. Every top-level field has an account-scoped twin;
	// the account id is always the segment after "accounts".
	channelPair := func(channel, field string, expected ref.ExpectedValue) []Entry {
		top := mainEntry("channels."+channel+"."+field, expected)
		acct := mainEntry("channels."+channel+".accounts.*."+field, expected)
		acct.TargetType = "channels." + channel + ".account." + field
		acct.Aliases = []string{acct.ID}
		acct.AccountIDSegment = 3
		return []Entry{top, acct}
	}
	entries = append(entries, channelPair("telegram", "botToken", ref.ExpectString)...)
	entries = append(entries, channelPair("telegram", "webhookSecret", ref.ExpectString)...)
	entries = append(entries, channelPair("slack", "botToken", ref.ExpectString)...)
	entries = append(entries, channelPair("slack", "appToken", ref.ExpectString)...)
	entries = append(entries, channelPair("slack", "signingSecret", ref.ExpectString)...)
	entries = append(entries, channelPair("discord", "token", ref.ExpectString)...)
	entries = append(entries, channelPair("discord", "pluralkit.token", ref.ExpectString)...)
	entries = append(entries, channelPair("discord", "voice.tts.elevenlabs.apiKey", ref.ExpectString)...)
	entries = append(entries, channelPair("discord", "voice.tts.openai.apiKey", ref.ExpectString)...)

	for _, scope := range []struct {
		pattern, refPattern, targetType string
		accountSeg                      int
	}{
		{"channels.googlechat.serviceAccount", "channels.googlechat.serviceAccountRef", "channels.googlechat.serviceAccount", -1},
		{"channels.googlechat.accounts.*.serviceAccount", "channels.googlechat.accounts.*.serviceAccountRef", "channels.googlechat.account.serviceAccount", 3},
	} {
		e := mainEntry(scope.pattern, ref.ExpectStringOrObject)
		e.TargetType = scope.targetType
		e.Aliases = []string{scope.pattern}
		e.RefPathPattern = scope.refPattern
		e.Shape = ShapeSiblingRef
		e.AccountIDSegment = scope.accountSeg
		entries = append(entries, e)
	}

	// Auth-profile stores: api_key profiles carry key/keyRef, token
	// profiles carry token/tokenRef.
	entries = append(entries,
		Entry{
			ID:                 "auth-profiles.api_key.key",
			TargetType:         "auth-profiles.api_key.key",
			ConfigFile:         FileAuthProfile,
			PathPattern:        "profiles.*.key",
			RefPathPattern:     "profiles.*.keyRef",
			Shape:              ShapeSiblingRef,
			Expected:           ref.ExpectString,
			ProviderIDSegment:  -1,
			AccountIDSegment:   -1,
			AuthProfileType:    "api_key",
			IncludeInPlan:      true,
			IncludeInConfigure: true,
			IncludeInAudit:     true,
		},
		Entry{
			ID:                 "auth-profiles.token.token",
			TargetType:         "auth-profiles.token.token",
			ConfigFile:         FileAuthProfile,
			PathPattern:        "profiles.*.token",
			RefPathPattern:     "profiles.*.tokenRef",
			Shape:              ShapeSiblingRef,
			Expected:           ref.ExpectString,
			ProviderIDSegment:  -1,
			AccountIDSegment:   -1,
			AuthProfileType:    "token",
			IncludeInPlan:      true,
			IncludeInConfigure: true,
			IncludeInAudit:     true,
		},
	)

	return entries
}
