package plan

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/authstore"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/ref"
	"github.com/relaygate/relaygate/internal/registry"
)

// BuildOptions narrows what the configure flow plans for.
type BuildOptions struct {
	// ProvidersOnly emits provider upserts without migrating any target.
	ProvidersOnly bool
	// AgentID restricts auth-profile targets to one agent; empty plans
	// all agents.
	AgentID string
	// EnvProvider is the provider alias new env refs point at.
	EnvProvider string
	// Now stamps generatedAt; defaults to the wall clock.
	Now func() time.Time
}

// Builder assembles a configure plan from the plaintext secrets discovered
// on disk. Every planned target converts one plaintext into an env ref whose
// variable name is derived from the path, so the operator moves values into
// the environment (or .env) and applies.
type Builder struct {
	reg  *registry.Registry
	opts BuildOptions

	targets []Target
	upserts map[string]config.ProviderConfig
}

// NewBuilder creates a plan builder over the compiled registry.
func NewBuilder(reg *registry.Registry, opts BuildOptions) *Builder {
	if opts.EnvProvider == "" {
		opts.EnvProvider = "env"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Builder{reg: reg, opts: opts}
}

// AddConfigTargets plans a ref for every plaintext main-config target.
func (b *Builder) AddConfigTargets(tree map[string]any) {
	if b.opts.ProvidersOnly {
		return
	}
	for _, d := range b.reg.DiscoverConfigSecretTargets(tree, nil) {
		if !d.Entry.IncludeInConfigure || !d.Entry.IncludeInPlan {
			continue
		}
		s, ok := d.Value.(string)
		if !ok || s == "" {
			continue
		}
		b.targets = append(b.targets, Target{
			Type:         d.Entry.TargetType,
			Path:         d.Path,
			PathSegments: d.PathSegments,
			Ref: ref.Ref{
				Source:   ref.SourceEnv,
				Provider: b.opts.EnvProvider,
				ID:       EnvVarNameForPath(d.PathSegments),
			},
			ProviderID: d.ProviderID,
			AccountID:  d.AccountID,
		})
	}
}

// AddAuthProfileTargets plans refs for plaintext credentials in one agent's
// store.
func (b *Builder) AddAuthProfileTargets(agentID string, store *authstore.Store) {
	if b.opts.ProvidersOnly {
		return
	}
	if b.opts.AgentID != "" && b.opts.AgentID != agentID {
		return
	}
	for _, d := range b.reg.DiscoverAuthProfileSecretTargets(store.Doc, nil) {
		s, ok := d.Value.(string)
		if !ok || s == "" {
			continue
		}
		profileID := d.PathSegments[1]
		provider := store.ProfileField(profileID, "provider")
		b.targets = append(b.targets, Target{
			Type:         d.Entry.TargetType,
			Path:         d.Path,
			PathSegments: d.PathSegments,
			Ref: ref.Ref{
				Source:   ref.SourceEnv,
				Provider: b.opts.EnvProvider,
				ID:       envVarNameForProfile(agentID, profileID, d.PathSegments[len(d.PathSegments)-1]),
			},
			AgentID:             agentID,
			AuthProfileProvider: provider,
		})
	}
}

// EnsureEnvProvider upserts the default env provider when the config does
// not already declare one.
func (b *Builder) EnsureEnvProvider(settingsProviders map[string]bool) {
	if settingsProviders[b.opts.EnvProvider] {
		return
	}
	if b.upserts == nil {
		b.upserts = map[string]config.ProviderConfig{}
	}
	b.upserts[b.opts.EnvProvider] = config.ProviderConfig{Source: ref.SourceEnv}
}

// Build finalizes the plan.
func (b *Builder) Build() *Plan {
	p := &Plan{
		Version:         Version,
		ProtocolVersion: ProtocolVersion,
		GeneratedAt:     b.opts.Now().UTC().Format(time.RFC3339),
		GeneratedBy:     "relaygate secrets configure " + uuid.NewString(),
		Targets:         b.targets,
	}
	if p.Targets == nil {
		p.Targets = []Target{}
	}
	if len(b.upserts) > 0 {
		p.ProviderUpserts = b.upserts
	}
	return p
}

// EnvVarNameForPath derives the env variable a config path migrates to:
// segments uppercased and joined with underscores, non-alphanumerics
// collapsed.
func EnvVarNameForPath(segments []string) string {
	var parts []string
	for _, seg := range segments {
		parts = append(parts, sanitizeEnvPart(seg))
	}
	return strings.Join(parts, "_")
}

func envVarNameForProfile(agentID, profileID, field string) string {
	return strings.Join([]string{
		"AUTH", sanitizeEnvPart(agentID), sanitizeEnvPart(profileID), sanitizeEnvPart(field),
	}, "_")
}

func sanitizeEnvPart(s string) string {
	var b strings.Builder
	lastUnderscore := false
	prevLower := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
			lastUnderscore = false
			prevLower = true
		case r >= 'A' && r <= 'Z':
			// camelCase boundary becomes an underscore.
			if prevLower && !lastUnderscore {
				b.WriteRune('_')
			}
			b.WriteRune(r)
			lastUnderscore = false
			prevLower = false
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
			prevLower = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteRune('_')
				lastUnderscore = true
			}
			prevLower = false
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "X"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "V" + out
	}
	return out
}
