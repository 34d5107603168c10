package apply

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/authstore"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/pathtree"
	"github.com/relaygate/relaygate/internal/plan"
	"github.com/relaygate/relaygate/internal/ref"
)

type applyFixture struct {
	cfg *config.Config
	dir string
	env map[string]string
}

func newFixture(t *testing.T) *applyFixture {
	t.Helper()
	dir := t.TempDir()
	env := map[string]string{}
	return &applyFixture{
		dir: dir,
		env: env,
		cfg: &config.Config{
			Path:     filepath.Join(dir, "relaygate.json"),
			StateDir: filepath.Join(dir, "state"),
			Logger:   logging.New(false, true),
			Environ: func(name string) (string, bool) {
				v, ok := env[name]
				return v, ok
			},
		},
	}
}

func (f *applyFixture) writeConfig(t *testing.T, tree map[string]any) {
	t.Helper()
	data, err := json.MarshalIndent(tree, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.cfg.Path, data, 0o600))
}

func (f *applyFixture) readConfig(t *testing.T) map[string]any {
	t.Helper()
	tree, err := f.cfg.LoadTree()
	require.NoError(t, err)
	return tree
}

func (f *applyFixture) authStorePath(agentID string) string {
	return filepath.Join(f.cfg.StateDir, "agents", agentID, "agent", "auth-profiles.json")
}

func (f *applyFixture) writeAuthStore(t *testing.T, agentID string, doc map[string]any) {
	t.Helper()
	path := f.authStorePath(agentID)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func secretsBlock() map[string]any {
	return map[string]any{
		"providers": map[string]any{"env": map[string]any{"source": "env"}},
		"defaults":  map[string]any{"env": "env"},
	}
}

func envPlanRef(id string) ref.Ref {
	return ref.Ref{Source: ref.SourceEnv, Provider: "env", ID: id}
}

func TestApplyAuthProfileSiblingRef(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.env["OPENAI_KEY"] = "sk-new"
	f.writeConfig(t, map[string]any{"secrets": secretsBlock()})
	f.writeAuthStore(t, "main", map[string]any{
		"version": 1,
		"profiles": map[string]any{
			"openai:default": map[string]any{
				"type": "api_key", "provider": "openai", "key": "old",
			},
		},
	})
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, ".env"),
		[]byte("OPENAI_API_KEY=old\nKEEP=1\n"), 0o600))

	p := &plan.Plan{
		Version:         1,
		ProtocolVersion: 1,
		Targets: []plan.Target{{
			Type:    "auth-profiles.api_key.key",
			Path:    "profiles.openai:default.key",
			Ref:     envPlanRef("OPENAI_KEY"),
			AgentID: "main",
		}},
	}

	result, err := Run(context.Background(), f.cfg, p, false)
	require.NoError(t, err)
	assert.False(t, result.DryRun)
	assert.Contains(t, result.ChangedFiles, f.authStorePath("main"))

	store, err := authstore.Load(f.authStorePath("main"))
	require.NoError(t, err)
	profile, ok := store.Profile("openai:default")
	require.True(t, ok)
	assert.NotContains(t, profile, "key", "plaintext removed")
	assert.Equal(t, map[string]any{
		"source": "env", "provider": "env", "id": "OPENAI_KEY",
	}, profile["keyRef"])

	// The prior plaintext was scrubbed from .env; unrelated lines stay.
	envData, err := os.ReadFile(filepath.Join(f.dir, ".env"))
	require.NoError(t, err)
	assert.NotContains(t, string(envData), "old")
	assert.Contains(t, string(envData), "KEEP=1")

	// The store file stays private.
	info, err := os.Stat(f.authStorePath("main"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestApplyMainConfigSecretInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.env["TALK_API_KEY"] = "sk-live"
	f.writeConfig(t, map[string]any{
		"secrets": secretsBlock(),
		"talk":    map[string]any{"apiKey": "plaintext-key"},
	})

	p := &plan.Plan{
		Version:         1,
		ProtocolVersion: 1,
		Targets: []plan.Target{{
			Type: "talk.apiKey",
			Path: "talk.apiKey",
			Ref:  envPlanRef("TALK_API_KEY"),
		}},
	}
	result, err := Run(context.Background(), f.cfg, p, false)
	require.NoError(t, err)
	assert.Contains(t, result.ChangedFiles, f.cfg.Path)

	tree := f.readConfig(t)
	value, _ := pathtree.Get(tree, []string{"talk", "apiKey"})
	assert.Equal(t, map[string]any{"source": "env", "provider": "env", "id": "TALK_API_KEY"}, value)
}

func TestApplyDryRunTouchesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.env["TALK_API_KEY"] = "sk-live"
	f.writeConfig(t, map[string]any{
		"secrets": secretsBlock(),
		"talk":    map[string]any{"apiKey": "plaintext-key"},
	})
	before, err := os.ReadFile(f.cfg.Path)
	require.NoError(t, err)

	p := &plan.Plan{
		Version:         1,
		ProtocolVersion: 1,
		Targets: []plan.Target{{
			Type: "talk.apiKey",
			Path: "talk.apiKey",
			Ref:  envPlanRef("TALK_API_KEY"),
		}},
	}
	result, err := Run(context.Background(), f.cfg, p, true)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, []string{f.cfg.Path}, result.ChangedFiles)

	after, err := os.ReadFile(f.cfg.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "dry run must not mutate on-disk state")
}

func TestApplyPreflightFailureWritesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.writeConfig(t, map[string]any{
		"secrets": secretsBlock(),
		"talk":    map[string]any{"apiKey": "plaintext-key"},
	})
	before, err := os.ReadFile(f.cfg.Path)
	require.NoError(t, err)

	p := &plan.Plan{
		Version:         1,
		ProtocolVersion: 1,
		Targets: []plan.Target{{
			Type: "talk.apiKey",
			Path: "talk.apiKey",
			Ref:  envPlanRef("MISSING_VAR"),
		}},
	}
	_, err = Run(context.Background(), f.cfg, p, false)
	require.Error(t, err)

	after, err := os.ReadFile(f.cfg.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestApplyProviderUpsertsAndDeletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.writeConfig(t, map[string]any{
		"secrets": map[string]any{
			"providers": map[string]any{
				"env":   map[string]any{"source": "env"},
				"stale": map[string]any{"source": "env"},
			},
		},
	})

	p := &plan.Plan{
		Version:         1,
		ProtocolVersion: 1,
		Targets:         []plan.Target{},
		ProviderUpserts: map[string]config.ProviderConfig{
			"backup": {Source: ref.SourceEnv},
		},
		ProviderDeletes: []string{"stale"},
	}
	result, err := Run(context.Background(), f.cfg, p, false)
	require.NoError(t, err)
	assert.Contains(t, result.ChangedFiles, f.cfg.Path)

	tree := f.readConfig(t)
	_, hasBackup := pathtree.Get(tree, []string{"secrets", "providers", "backup"})
	assert.True(t, hasBackup)
	_, hasStale := pathtree.Get(tree, []string{"secrets", "providers", "stale"})
	assert.False(t, hasStale)
}

func TestApplyScrubsMatchingProviderProfiles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.env["OPENAI_KEY"] = "sk-live"
	f.writeConfig(t, map[string]any{
		"secrets": secretsBlock(),
		"models": map[string]any{
			"providers": map[string]any{
				"openai": map[string]any{"apiKey": "plaintext"},
			},
		},
	})
	f.writeAuthStore(t, "main", map[string]any{
		"version": 1,
		"profiles": map[string]any{
			"openai:default": map[string]any{
				"type": "api_key", "provider": "openai", "key": "sk-shadow",
			},
			"anthropic:default": map[string]any{
				"type": "api_key", "provider": "anthropic", "key": "keep-me",
			},
		},
	})

	p := &plan.Plan{
		Version:         1,
		ProtocolVersion: 1,
		Targets: []plan.Target{{
			Type: "models.provider.apiKey",
			Path: "models.providers.openai.apiKey",
			Ref:  envPlanRef("OPENAI_KEY"),
		}},
	}
	_, err := Run(context.Background(), f.cfg, p, false)
	require.NoError(t, err)

	store, err := authstore.Load(f.authStorePath("main"))
	require.NoError(t, err)
	openai, _ := store.Profile("openai:default")
	assert.NotContains(t, openai, "key", "shadowing credentials are stripped")
	anthropic, _ := store.Profile("anthropic:default")
	assert.Equal(t, "keep-me", anthropic["key"], "other providers untouched")
}

func TestApplyLegacyScrub(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.env["OPENAI_KEY"] = "sk-live"
	f.writeConfig(t, map[string]any{
		"secrets": secretsBlock(),
		"models": map[string]any{
			"providers": map[string]any{
				"openai": map[string]any{"apiKey": "plaintext"},
			},
		},
	})
	require.NoError(t, os.MkdirAll(f.cfg.StateDir, 0o700))
	legacyPath := filepath.Join(f.cfg.StateDir, "auth.json")
	require.NoError(t, os.WriteFile(legacyPath,
		[]byte(`{"openai":{"type":"api_key","key":"sk-legacy"},"github":{"type":"oauth"}}`), 0o600))

	p := &plan.Plan{
		Version:         1,
		ProtocolVersion: 1,
		Targets: []plan.Target{{
			Type: "models.provider.apiKey",
			Path: "models.providers.openai.apiKey",
			Ref:  envPlanRef("OPENAI_KEY"),
		}},
	}
	result, err := Run(context.Background(), f.cfg, p, false)
	require.NoError(t, err)
	assert.Contains(t, result.ChangedFiles, legacyPath)

	legacy, err := authstore.LoadLegacy(legacyPath)
	require.NoError(t, err)
	assert.NotContains(t, legacy.Entries, "openai")
	assert.Contains(t, legacy.Entries, "github", "non api_key entries survive")
}
