// Package apply projects a validated plan over every file it touches — main
// config, per-agent auth-profile stores, the legacy auth store, and .env —
// entirely in memory, proves the projected state resolves end to end, and
// only then commits all files with best-effort rollback. No plaintext ever
// leaves the process: scrubbed values are held in memory only to match .env
// lines; the held strings themselves are not zeroed after the commit.
package apply

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/awnumar/memguard"

	"github.com/relaygate/relaygate/internal/authstore"
	"github.com/relaygate/relaygate/internal/config"
	rgerrors "github.com/relaygate/relaygate/internal/errors"
	"github.com/relaygate/relaygate/internal/pathtree"
	"github.com/relaygate/relaygate/internal/plan"
	"github.com/relaygate/relaygate/internal/providers"
	"github.com/relaygate/relaygate/internal/ref"
	"github.com/relaygate/relaygate/internal/registry"
	"github.com/relaygate/relaygate/internal/resolve"
)

// Result reports what apply changed, or would change in dry-run mode.
type Result struct {
	ChangedFiles []string `json:"changedFiles"`
	Warnings     []string `json:"warnings"`
	DryRun       bool     `json:"dryRun"`
}

type projection struct {
	cfg        *config.Config
	reg        *registry.Registry
	nextConfig map[string]any
	configDirt bool

	stores     map[string]*resolve.AgentStore // by agent id
	storeDirt  map[string]bool
	legacy     *authstore.LegacyStore
	legacyDirt bool
	envFile    *config.EnvFile
	envDirt    bool

	providerTargets map[string]bool // normalized provider ids
	scrubbedValues  map[string]bool
	warnings        []string
}

// Run validates and applies the plan. With dryRun set, the projection and
// preflight run fully but nothing is written.
func Run(ctx context.Context, cfg *config.Config, p *plan.Plan, dryRun bool) (*Result, error) {
	reg, err := registry.Compile()
	if err != nil {
		return nil, err
	}
	targets, err := p.Validate(reg)
	if err != nil {
		return nil, err
	}

	tree, err := cfg.LoadTree()
	if err != nil {
		return nil, err
	}

	proj := &projection{
		cfg:             cfg,
		reg:             reg,
		nextConfig:      pathtree.CloneMap(tree),
		stores:          map[string]*resolve.AgentStore{},
		storeDirt:       map[string]bool{},
		providerTargets: map[string]bool{},
		scrubbedValues:  map[string]bool{},
	}

	if err := proj.applyProviderChanges(p); err != nil {
		return nil, err
	}
	for _, rt := range targets {
		if err := proj.applyTarget(rt); err != nil {
			return nil, err
		}
	}
	if p.Options.ScrubAuthProfilesEnabled() {
		if err := proj.scrubAuthProfiles(tree); err != nil {
			return nil, err
		}
		// The scrub also strips the profiles the plan targets; write their
		// refs back.
		for _, rt := range targets {
			if rt.Resolved.Entry.ConfigFile != registry.FileAuthProfile {
				continue
			}
			if err := proj.applyTarget(rt); err != nil {
				return nil, err
			}
		}
	}
	if p.Options.ScrubLegacyEnabled() {
		if err := proj.scrubLegacy(); err != nil {
			return nil, err
		}
	}
	if p.Options.ScrubEnvEnabled() {
		if err := proj.scrubEnv(); err != nil {
			return nil, err
		}
	}

	if err := proj.preflight(ctx, targets); err != nil {
		return nil, rgerrors.UserError{
			Message:    "Preflight resolution failed; nothing was written",
			Details:    err.Error(),
			Suggestion: "Fix the provider configuration or the referenced secrets and re-run apply",
			Err:        err,
		}
	}

	result := &Result{
		ChangedFiles: proj.changedFiles(),
		Warnings:     proj.warnings,
		DryRun:       dryRun,
	}
	if result.Warnings == nil {
		result.Warnings = []string{}
	}
	if dryRun {
		return result, nil
	}
	if err := proj.commit(); err != nil {
		return nil, err
	}
	for v := range proj.scrubbedValues {
		memguard.WipeBytes([]byte(v))
	}
	return result, nil
}

func (proj *projection) applyProviderChanges(p *plan.Plan) error {
	for alias, pc := range p.ProviderUpserts {
		encoded, err := json.Marshal(pc)
		if err != nil {
			return err
		}
		var node map[string]any
		if err := json.Unmarshal(encoded, &node); err != nil {
			return err
		}
		segments := []string{"secrets", "providers", alias}
		if existing, ok := pathtree.Get(proj.nextConfig, segments); ok && pathtree.Equal(existing, node) {
			continue
		}
		if _, err := pathtree.SetCreate(proj.nextConfig, segments, node); err != nil {
			return err
		}
		proj.configDirt = true
	}
	for _, alias := range p.ProviderDeletes {
		segments := []string{"secrets", "providers", alias}
		if _, ok := pathtree.Get(proj.nextConfig, segments); !ok {
			continue
		}
		if _, err := pathtree.Delete(proj.nextConfig, segments); err != nil {
			return err
		}
		proj.configDirt = true
	}
	return nil
}

func (proj *projection) applyTarget(rt plan.ResolvedTarget) error {
	entry := rt.Resolved.Entry
	refNode := refToNode(rt.Target.Ref)

	if entry.ConfigFile == registry.FileAuthProfile {
		return proj.applyAuthProfileTarget(rt, refNode)
	}

	if entry.TrackProviderShadowing && rt.Resolved.ProviderID != "" {
		proj.providerTargets[authstore.NormalizeProvider(rt.Resolved.ProviderID)] = true
	}

	segments := rt.Resolved.PathSegments
	if entry.Shape == registry.ShapeSiblingRef {
		if prior, ok := pathtree.Get(proj.nextConfig, segments); ok {
			if s, isStr := prior.(string); isStr && s != "" {
				proj.scrubbedValues[s] = true
				if _, err := pathtree.Delete(proj.nextConfig, segments); err != nil {
					return err
				}
				proj.configDirt = true
			}
		}
		changed, err := pathtree.SetCreate(proj.nextConfig, rt.Resolved.RefPathSegments, refNode)
		if err != nil {
			return err
		}
		proj.configDirt = proj.configDirt || changed
		return nil
	}

	if prior, ok := pathtree.Get(proj.nextConfig, segments); ok {
		if s, isStr := prior.(string); isStr && s != "" {
			proj.scrubbedValues[s] = true
		}
	}
	changed, err := pathtree.SetCreate(proj.nextConfig, segments, refNode)
	if err != nil {
		return err
	}
	proj.configDirt = proj.configDirt || changed
	return nil
}

func (proj *projection) applyAuthProfileTarget(rt plan.ResolvedTarget, refNode map[string]any) error {
	entry := rt.Resolved.Entry
	agentID := rt.Target.AgentID
	as, err := proj.storeFor(agentID)
	if err != nil {
		return err
	}
	segments := rt.Resolved.PathSegments
	profileID := segments[1]

	if _, exists := as.Store.Profile(profileID); !exists && rt.Target.AuthProfileProvider == "" {
		return rgerrors.PlanInvalidError{
			Field:   "targets",
			Message: fmt.Sprintf("profile %q does not exist for agent %q; authProfileProvider is required to create it", profileID, agentID),
		}
	}
	profile, err := as.Store.EnsureProfile(profileID, entry.AuthProfileType, rt.Target.AuthProfileProvider)
	if err != nil {
		return rgerrors.PlanInvalidError{Field: "targets", Message: err.Error()}
	}

	valueField := segments[len(segments)-1]
	refField := rt.Resolved.RefPathSegments[len(rt.Resolved.RefPathSegments)-1]
	if prior, ok := profile[valueField].(string); ok && prior != "" {
		proj.scrubbedValues[prior] = true
	}
	delete(profile, valueField)
	profile[refField] = refNode
	proj.storeDirt[agentID] = true

	provider := rt.Target.AuthProfileProvider
	if provider == "" {
		provider, _ = profile["provider"].(string)
	}
	if provider != "" {
		proj.providerTargets[authstore.NormalizeProvider(provider)] = true
	}
	return nil
}

func (proj *projection) storeFor(agentID string) (*resolve.AgentStore, error) {
	if as, ok := proj.stores[agentID]; ok {
		return as, nil
	}
	path := proj.cfg.AuthStorePath(proj.nextConfig, agentID)
	store, err := authstore.Load(path)
	if err != nil {
		return nil, err
	}
	as := &resolve.AgentStore{AgentID: agentID, Path: path, Store: store}
	proj.stores[agentID] = as
	return as, nil
}

// scrubAuthProfiles strips static credentials from every profile whose
// provider matches a provider-tracked plan target, across all discoverable
// stores.
func (proj *projection) scrubAuthProfiles(tree map[string]any) error {
	if len(proj.providerTargets) == 0 {
		return nil
	}
	for _, agentID := range config.AgentIDs(tree) {
		as, err := proj.storeFor(agentID)
		if err != nil {
			return err
		}
		for _, profileID := range as.Store.ProfileIDs() {
			profile, _ := as.Store.Profile(profileID)
			providerID, _ := profile["provider"].(string)
			if !proj.providerTargets[authstore.NormalizeProvider(providerID)] {
				continue
			}
			switch t, _ := profile["type"].(string); t {
			case authstore.TypeAPIKey:
				proj.stripCredential(as, agentID, profile, "key", "keyRef")
			case authstore.TypeToken:
				proj.stripCredential(as, agentID, profile, "token", "tokenRef")
			case authstore.TypeOAuth:
				proj.warnings = append(proj.warnings, fmt.Sprintf(
					"agent %q profile %q holds OAuth material for %q; it was left in place",
					agentID, profileID, providerID))
			}
		}
	}
	return nil
}

func (proj *projection) stripCredential(as *resolve.AgentStore, agentID string, profile map[string]any, valueField, refField string) {
	if v, ok := profile[valueField].(string); ok && v != "" {
		proj.scrubbedValues[v] = true
	}
	if _, ok := profile[valueField]; ok {
		delete(profile, valueField)
		proj.storeDirt[agentID] = true
	}
	if _, ok := profile[refField]; ok {
		delete(profile, refField)
		proj.storeDirt[agentID] = true
	}
}

func (proj *projection) scrubLegacy() error {
	legacy, err := authstore.LoadLegacy(proj.cfg.LegacyAuthStorePath())
	if err != nil {
		return err
	}
	providersRemoved, values := legacy.ScrubAPIKeys()
	if len(providersRemoved) == 0 {
		return nil
	}
	for _, v := range values {
		proj.scrubbedValues[v] = true
	}
	proj.legacy = legacy
	proj.legacyDirt = true
	return nil
}

func (proj *projection) scrubEnv() error {
	envFile, err := config.ReadEnvFile(proj.cfg.EnvFilePath())
	if err != nil {
		return err
	}
	removed := envFile.Scrub(proj.scrubbedValues)
	if len(removed) == 0 {
		return nil
	}
	proj.envFile = envFile
	proj.envDirt = true
	return nil
}

// preflight proves (a) every plan target's ref resolves to the declared
// shape against the projected config, and (b) the full resolver activates
// end to end over the projected files.
func (proj *projection) preflight(ctx context.Context, targets []plan.ResolvedTarget) error {
	settings, err := config.DecodeSecretsSettings(proj.nextConfig)
	if err != nil {
		return err
	}
	pipeline := providers.NewPipeline(settings, proj.cfg.LookupEnv, proj.cfg.Logger)

	refs := make([]ref.Ref, len(targets))
	for i, rt := range targets {
		refs[i] = rt.Target.Ref
	}
	values, errs := pipeline.ResolveRefs(ctx, refs)
	for _, rt := range targets {
		key := rt.Target.Ref.Key()
		if err, failed := errs[key]; failed {
			return fmt.Errorf("plan target %s: %w", rt.Target.Path, err)
		}
		if !ref.IsExpectedResolvedValue(rt.Resolved.Entry.Expected, values[key]) {
			return rgerrors.ShapeMismatchError{
				RefKey:   key,
				Path:     rt.Target.Path,
				Expected: string(rt.Resolved.Entry.Expected),
			}
		}
	}

	var stores []resolve.AgentStore
	for _, as := range proj.stores {
		stores = append(stores, *as)
	}
	_, err = resolve.Prepare(ctx, resolve.Options{
		Config:     proj.cfg,
		Tree:       proj.nextConfig,
		AuthStores: stores,
	})
	return err
}

func (proj *projection) changedFiles() []string {
	var files []string
	if proj.configDirt {
		files = append(files, proj.cfg.Path)
	}
	for agentID, dirty := range proj.storeDirt {
		if dirty {
			files = append(files, proj.stores[agentID].Path)
		}
	}
	if proj.legacyDirt {
		files = append(files, proj.legacy.Path)
	}
	if proj.envDirt {
		files = append(files, proj.envFile.Path)
	}
	sort.Strings(files)
	return files
}

// fileSnapshot captures a file's pre-commit content for rollback.
type fileSnapshot struct {
	path    string
	data    []byte
	existed bool
}

func snapshotFile(path string) (fileSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileSnapshot{path: path}, nil
		}
		return fileSnapshot{}, err
	}
	return fileSnapshot{path: path, data: data, existed: true}, nil
}

func (s fileSnapshot) restore() {
	if s.existed {
		_ = config.WriteFileAtomic(s.path, s.data, 0o600)
	} else {
		_ = os.Remove(s.path)
	}
}

// commit writes every dirty file, restoring all previously written files on
// the first failure.
func (proj *projection) commit() error {
	var taken []fileSnapshot
	snapshot := func(path string) error {
		snap, err := snapshotFile(path)
		if err != nil {
			return err
		}
		taken = append(taken, snap)
		return nil
	}
	rollback := func(cause error, file string) error {
		for i := len(taken) - 1; i >= 0; i-- {
			taken[i].restore()
		}
		return rgerrors.ApplyIOError{File: file, Err: cause}
	}

	if proj.configDirt {
		if err := snapshot(proj.cfg.Path); err != nil {
			return err
		}
		if err := proj.cfg.WriteTree(proj.nextConfig); err != nil {
			return rollback(err, proj.cfg.Path)
		}
	}
	for agentID, dirty := range proj.storeDirt {
		if !dirty {
			continue
		}
		as := proj.stores[agentID]
		if err := snapshot(as.Path); err != nil {
			return rollback(err, as.Path)
		}
		if err := as.Store.Save(); err != nil {
			return rollback(err, as.Path)
		}
	}
	if proj.legacyDirt {
		if err := snapshot(proj.legacy.Path); err != nil {
			return rollback(err, proj.legacy.Path)
		}
		if err := proj.legacy.Save(); err != nil {
			return rollback(err, proj.legacy.Path)
		}
	}
	if proj.envDirt {
		if err := snapshot(proj.envFile.Path); err != nil {
			return rollback(err, proj.envFile.Path)
		}
		if err := proj.envFile.Write(); err != nil {
			return rollback(err, proj.envFile.Path)
		}
	}
	return nil
}

func refToNode(r ref.Ref) map[string]any {
	return map[string]any{
		"source":   string(r.Source),
		"provider": r.Provider,
		"id":       r.ID,
	}
}
