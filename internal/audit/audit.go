// Package audit scans every on-disk secrets surface — main config,
// per-agent auth-profile stores, the legacy auth store, and .env — for
// plaintext, unresolved refs, provider shadowing, and legacy residue. It
// reuses the provider pipeline to prove each discovered ref actually
// resolves to a value of the declared shape.
package audit

import (
	"context"
	"fmt"
	"sort"

	"github.com/relaygate/relaygate/internal/authstore"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/providers"
	"github.com/relaygate/relaygate/internal/ref"
	"github.com/relaygate/relaygate/internal/registry"
)

// Finding codes.
const (
	CodePlaintextFound = "PLAINTEXT_FOUND"
	CodeRefUnresolved  = "REF_UNRESOLVED"
	CodeRefShadowed    = "REF_SHADOWED"
	CodeLegacyResidue  = "LEGACY_RESIDUE"
)

// Severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Statuses, ordered worst-last.
const (
	StatusClean      = "clean"
	StatusFindings   = "findings"
	StatusUnresolved = "unresolved"
)

// Finding is one audit observation.
type Finding struct {
	Code      string `json:"code"`
	Severity  string `json:"severity"`
	File      string `json:"file"`
	JSONPath  string `json:"jsonPath,omitempty"`
	Message   string `json:"message"`
	Provider  string `json:"provider,omitempty"`
	ProfileID string `json:"profileId,omitempty"`
}

// Report is the audit outcome.
type Report struct {
	Status   string    `json:"status"`
	Findings []Finding `json:"findings"`
}

// ExitCode implements the CLI policy: unresolved refs exit 2; with check
// set, any finding exits 1; otherwise 0.
func (r *Report) ExitCode(check bool) int {
	for _, f := range r.Findings {
		if f.Code == CodeRefUnresolved {
			return 2
		}
	}
	if check && len(r.Findings) > 0 {
		return 1
	}
	return 0
}

type discoveredRef struct {
	r        ref.Ref
	file     string
	path     string
	expected ref.ExpectedValue
	provider string // normalized provider id for shadow tracking
}

// Run executes the full audit.
func Run(ctx context.Context, cfg *config.Config) (*Report, error) {
	report := &Report{Findings: []Finding{}}

	tree, err := cfg.LoadTree()
	if err != nil {
		return nil, err
	}
	settings, settingsErr := config.DecodeSecretsSettings(tree)
	if settingsErr != nil {
		report.Findings = append(report.Findings, Finding{
			Code:     CodeRefUnresolved,
			Severity: SeverityError,
			File:     cfg.Path,
			JSONPath: "secrets",
			Message:  fmt.Sprintf("secrets configuration is invalid; no refs can resolve: %v", settingsErr),
		})
		report.Status = StatusUnresolved
		return report, nil
	}
	reg, err := registry.Compile()
	if err != nil {
		return nil, err
	}

	var refs []discoveredRef

	// Main config.
	for _, d := range reg.DiscoverConfigSecretTargets(tree, nil) {
		if !d.Entry.IncludeInAudit {
			continue
		}
		input := ref.ResolveInput(d.Value, d.RefValue, settings.Defaults)
		if s, ok := d.Value.(string); ok && s != "" {
			report.Findings = append(report.Findings, Finding{
				Code:     CodePlaintextFound,
				Severity: SeverityWarning,
				File:     cfg.Path,
				JSONPath: d.Path,
				Message:  fmt.Sprintf("plaintext secret at %s; migrate it to a secret ref", d.Path),
			})
		}
		if input.Ref != nil {
			dr := discoveredRef{r: *input.Ref, file: cfg.Path, path: d.Path, expected: d.Entry.Expected}
			if d.Entry.TrackProviderShadowing {
				dr.provider = authstore.NormalizeProvider(d.ProviderID)
			}
			refs = append(refs, dr)
		}
	}

	// Per-agent auth-profile stores.
	type storeInfo struct {
		agentID string
		store   *authstore.Store
	}
	var stores []storeInfo
	for _, agentID := range config.AgentIDs(tree) {
		path := cfg.AuthStorePath(tree, agentID)
		store, err := authstore.Load(path)
		if err != nil {
			report.Findings = append(report.Findings, Finding{
				Code:     CodeRefUnresolved,
				Severity: SeverityError,
				File:     path,
				Message:  fmt.Sprintf("auth-profile store for agent %q is unreadable: %v", agentID, err),
			})
			continue
		}
		stores = append(stores, storeInfo{agentID: agentID, store: store})

		for _, d := range reg.DiscoverAuthProfileSecretTargets(store.Doc, nil) {
			input := ref.ResolveInput(d.Value, d.RefValue, settings.Defaults)
			profileID := profileIDOf(d)
			if s, ok := d.Value.(string); ok && s != "" {
				report.Findings = append(report.Findings, Finding{
					Code:      CodePlaintextFound,
					Severity:  SeverityWarning,
					File:      path,
					JSONPath:  d.Path,
					ProfileID: profileID,
					Message:   fmt.Sprintf("plaintext credential in profile %q; migrate it to a secret ref", profileID),
				})
			}
			if input.Ref != nil {
				refs = append(refs, discoveredRef{r: *input.Ref, file: path, path: d.Path, expected: d.Entry.Expected})
			}
		}
		for _, profileID := range store.ProfileIDs() {
			profile, _ := store.Profile(profileID)
			if t, _ := profile["type"].(string); t == authstore.TypeOAuth {
				report.Findings = append(report.Findings, Finding{
					Code:      CodeLegacyResidue,
					Severity:  SeverityInfo,
					File:      path,
					ProfileID: profileID,
					Message:   fmt.Sprintf("profile %q holds OAuth material, which secret refs do not manage", profileID),
				})
			}
		}
	}

	// Legacy auth store.
	legacyPath := cfg.LegacyAuthStorePath()
	legacy, err := authstore.LoadLegacy(legacyPath)
	if err == nil {
		for _, provider := range legacy.StaticAPIKeyProviders() {
			report.Findings = append(report.Findings, Finding{
				Code:     CodeLegacyResidue,
				Severity: SeverityWarning,
				File:     legacyPath,
				Provider: provider,
				Message:  fmt.Sprintf("legacy auth store still holds a static api key for %q", provider),
			})
		}
	}

	// .env file.
	envFile, err := config.ReadEnvFile(cfg.EnvFilePath())
	if err == nil {
		for name, value := range envFile.Values() {
			if config.IsKnownSecretEnvName(name) && value != "" {
				report.Findings = append(report.Findings, Finding{
					Code:     CodePlaintextFound,
					Severity: SeverityWarning,
					File:     envFile.Path,
					JSONPath: name,
					Message:  fmt.Sprintf("%s carries a plaintext secret in .env", name),
				})
			}
		}
	}

	// Prove every discovered ref resolves.
	pipeline := providers.NewPipeline(settings, cfg.LookupEnv, cfg.Logger)
	allRefs := make([]ref.Ref, len(refs))
	for i, dr := range refs {
		allRefs[i] = dr.r
	}
	values, errs := pipeline.ResolveRefs(ctx, allRefs)
	for _, dr := range refs {
		key := dr.r.Key()
		if err, failed := errs[key]; failed {
			report.Findings = append(report.Findings, Finding{
				Code:     CodeRefUnresolved,
				Severity: SeverityError,
				File:     dr.file,
				JSONPath: dr.path,
				Message:  fmt.Sprintf("ref %s does not resolve: %v", key, err),
			})
			continue
		}
		if !ref.IsExpectedResolvedValue(dr.expected, values[key]) {
			report.Findings = append(report.Findings, Finding{
				Code:     CodeRefUnresolved,
				Severity: SeverityError,
				File:     dr.file,
				JSONPath: dr.path,
				Message:  fmt.Sprintf("ref %s resolves to a value that is not a valid %s", key, dr.expected),
			})
		}
	}

	// Shadowing: a config ref for a model provider is shadowed when any
	// auth-profile store still holds usable credentials for the same
	// provider.
	for _, dr := range refs {
		if dr.provider == "" {
			continue
		}
		for _, si := range stores {
			for _, profileID := range si.store.ProfileIDs() {
				profile, _ := si.store.Profile(profileID)
				if authstore.NormalizeProvider(profileField(profile, "provider")) != dr.provider {
					continue
				}
				static, oauth := authstore.HasStaticCredential(profile)
				if static || oauth {
					report.Findings = append(report.Findings, Finding{
						Code:      CodeRefShadowed,
						Severity:  SeverityWarning,
						File:      si.store.Path,
						JSONPath:  dr.path,
						Provider:  dr.provider,
						ProfileID: profileID,
						Message: fmt.Sprintf("ref at %s is shadowed by credentials in profile %q of agent %q",
							dr.path, profileID, si.agentID),
					})
				}
			}
		}
	}

	sort.SliceStable(report.Findings, func(i, j int) bool {
		if report.Findings[i].File != report.Findings[j].File {
			return report.Findings[i].File < report.Findings[j].File
		}
		return report.Findings[i].JSONPath < report.Findings[j].JSONPath
	})

	report.Status = StatusClean
	for _, f := range report.Findings {
		if f.Code == CodeRefUnresolved {
			report.Status = StatusUnresolved
			break
		}
		report.Status = StatusFindings
	}
	return report, nil
}

func profileIDOf(d registry.Discovered) string {
	if len(d.PathSegments) >= 2 && d.PathSegments[0] == "profiles" {
		return d.PathSegments[1]
	}
	return ""
}

func profileField(profile map[string]any, field string) string {
	v, _ := profile[field].(string)
	return v
}
