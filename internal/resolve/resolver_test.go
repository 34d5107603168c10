package resolve

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/authstore"
	"github.com/relaygate/relaygate/internal/config"
	rgerrors "github.com/relaygate/relaygate/internal/errors"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/pathtree"
)

// testConfig builds a Config whose environment is the given map and whose
// state lives in a temp dir.
func testConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	return &config.Config{
		Path:     filepath.Join(t.TempDir(), "relaygate.json"),
		StateDir: t.TempDir(),
		Logger:   logging.New(false, true),
		Environ: func(name string) (string, bool) {
			v, ok := env[name]
			return v, ok
		},
	}
}

func envRefNode(id string) map[string]any {
	return map[string]any{"source": "env", "provider": "env", "id": id}
}

func baseTree(extra map[string]any) map[string]any {
	tree := map[string]any{
		"secrets": map[string]any{
			"providers": map[string]any{
				"env": map[string]any{"source": "env"},
			},
			"defaults": map[string]any{"env": "env"},
		},
	}
	for k, v := range extra {
		tree[k] = v
	}
	return tree
}

func TestPrepareResolvesEnvRef(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, map[string]string{"TALK_API_KEY": "sk-live"})
	tree := baseTree(map[string]any{
		"talk": map[string]any{"apiKey": envRefNode("TALK_API_KEY")},
	})

	snap, err := Prepare(context.Background(), Options{Config: cfg, Tree: tree})
	require.NoError(t, err)

	resolved, _ := pathtree.Get(snap.ResolvedConfig, []string{"talk", "apiKey"})
	assert.Equal(t, "sk-live", resolved)

	// The authored view keeps the ref.
	source, _ := pathtree.Get(snap.SourceConfig, []string{"talk", "apiKey"})
	assert.Equal(t, envRefNode("TALK_API_KEY"), source)
	assert.Empty(t, snap.Warnings)
}

func TestPrepareSiblingRefPrecedence(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, map[string]string{"GCHAT_SA": "sa-json"})
	tree := baseTree(map[string]any{
		"channels": map[string]any{
			"googlechat": map[string]any{
				"serviceAccount":    "plaintext-sa",
				"serviceAccountRef": envRefNode("GCHAT_SA"),
			},
		},
	})

	snap, err := Prepare(context.Background(), Options{Config: cfg, Tree: tree})
	require.NoError(t, err)

	value, _ := pathtree.Get(snap.ResolvedConfig, []string{"channels", "googlechat", "serviceAccount"})
	assert.Equal(t, "sa-json", value, "the ref's resolved value replaces the plaintext")

	refValue, _ := pathtree.Get(snap.ResolvedConfig, []string{"channels", "googlechat", "serviceAccountRef"})
	assert.Equal(t, envRefNode("GCHAT_SA"), refValue, "the ref slot is unchanged")

	var overrides []Warning
	for _, w := range snap.Warnings {
		if w.Code == CodeRefOverridesPlaintext {
			overrides = append(overrides, w)
		}
	}
	require.Len(t, overrides, 1)
	assert.Equal(t, "channels.googlechat.serviceAccount", overrides[0].Path)
}

func TestPrepareTelegramInactiveTopLevel(t *testing.T) {
	t.Parallel()

	// Only the work account's token exists in the environment; the
	// top-level ref sits on an inactive surface because every enabled
	// account overrides it.
	cfg := testConfig(t, map[string]string{"TELEGRAM_WORK_TOKEN": "tg-work"})
	tree := baseTree(map[string]any{
		"channels": map[string]any{
			"telegram": map[string]any{
				"botToken": envRefNode("TELEGRAM_TOP_TOKEN"),
				"accounts": map[string]any{
					"work":     map[string]any{"enabled": true, "botToken": envRefNode("TELEGRAM_WORK_TOKEN")},
					"disabled": map[string]any{"enabled": false},
				},
			},
		},
	})

	snap, err := Prepare(context.Background(), Options{Config: cfg, Tree: tree})
	require.NoError(t, err)

	work, _ := pathtree.Get(snap.ResolvedConfig, []string{"channels", "telegram", "accounts", "work", "botToken"})
	assert.Equal(t, "tg-work", work)

	top, _ := pathtree.Get(snap.ResolvedConfig, []string{"channels", "telegram", "botToken"})
	assert.Equal(t, envRefNode("TELEGRAM_TOP_TOKEN"), top, "the inactive ref is left as authored")

	var inactive []Warning
	for _, w := range snap.Warnings {
		if w.Code == CodeRefIgnoredInactiveSurface {
			inactive = append(inactive, w)
		}
	}
	require.Len(t, inactive, 1)
	assert.Equal(t, "channels.telegram.botToken", inactive[0].Path)
	assert.Contains(t, inactive[0].Message, InactiveSurfaceSentinel)
}

func TestPrepareFileProvider(t *testing.T) {
	t.Parallel()

	secretsPath := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(secretsPath,
		[]byte(`{"providers":{"openai":{"apiKey":"sk-file"}}}`), 0o600))

	cfg := testConfig(t, nil)
	tree := map[string]any{
		"secrets": map[string]any{
			"providers": map[string]any{
				"default": map[string]any{"source": "file", "path": secretsPath, "mode": "json"},
			},
		},
		"models": map[string]any{
			"providers": map[string]any{
				"openai": map[string]any{
					"apiKey": map[string]any{
						"source": "file", "provider": "default", "id": "/providers/openai/apiKey",
					},
				},
			},
		},
	}

	snap, err := Prepare(context.Background(), Options{Config: cfg, Tree: tree})
	require.NoError(t, err)
	value, _ := pathtree.Get(snap.ResolvedConfig, []string{"models", "providers", "openai", "apiKey"})
	assert.Equal(t, "sk-file", value)
}

func TestPrepareFailsOnUnresolvedActiveRef(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, nil)
	tree := baseTree(map[string]any{
		"talk": map[string]any{"apiKey": envRefNode("MISSING_KEY")},
	})

	_, err := Prepare(context.Background(), Options{Config: cfg, Tree: tree})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "talk.apiKey")
}

func TestPrepareShapeMismatchIsFatal(t *testing.T) {
	t.Parallel()

	secretsPath := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(secretsPath, []byte(`{"obj":{"k":"v"}}`), 0o600))

	cfg := testConfig(t, nil)
	tree := map[string]any{
		"secrets": map[string]any{
			"providers": map[string]any{
				"default": map[string]any{"source": "file", "path": secretsPath},
			},
		},
		// talk.apiKey expects a string; the pointer yields an object.
		"talk": map[string]any{
			"apiKey": map[string]any{"source": "file", "provider": "default", "id": "/obj"},
		},
	}

	_, err := Prepare(context.Background(), Options{Config: cfg, Tree: tree})
	var mismatch rgerrors.ShapeMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestPrepareResolvesAuthProfileRefs(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, map[string]string{"OPENAI_KEY": "sk-store"})
	tree := baseTree(nil)

	store := authstore.New(filepath.Join(t.TempDir(), "auth-profiles.json"))
	store.Doc["profiles"] = map[string]any{
		"openai:default": map[string]any{
			"type":     "api_key",
			"provider": "openai",
			"keyRef":   envRefNode("OPENAI_KEY"),
		},
	}

	snap, err := Prepare(context.Background(), Options{
		Config: cfg,
		Tree:   tree,
		AuthStores: []AgentStore{
			{AgentID: "main", Path: store.Path, Store: store},
		},
	})
	require.NoError(t, err)

	require.Len(t, snap.AuthStores, 1)
	key, _ := pathtree.Get(snap.AuthStores[0].Store.Doc, []string{"profiles", "openai:default", "key"})
	assert.Equal(t, "sk-store", key)
	keyRef, _ := pathtree.Get(snap.AuthStores[0].Store.Doc, []string{"profiles", "openai:default", "keyRef"})
	assert.Equal(t, envRefNode("OPENAI_KEY"), keyRef)
}

func TestPrepareSlackSigningSecretNeedsHTTPMode(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, map[string]string{"SLACK_SIGNING": "ss"})
	tree := baseTree(map[string]any{
		"channels": map[string]any{
			"slack": map[string]any{
				"mode":          "socket",
				"signingSecret": envRefNode("SLACK_SIGNING"),
			},
		},
	})

	snap, err := Prepare(context.Background(), Options{Config: cfg, Tree: tree})
	require.NoError(t, err)

	var inactive int
	for _, w := range snap.Warnings {
		if w.Code == CodeRefIgnoredInactiveSurface && w.Path == "channels.slack.signingSecret" {
			inactive++
		}
	}
	assert.Equal(t, 1, inactive)

	// Switching to http mode activates the surface.
	treeHTTP := baseTree(map[string]any{
		"channels": map[string]any{
			"slack": map[string]any{
				"mode":          "http",
				"signingSecret": envRefNode("SLACK_SIGNING"),
			},
		},
	})
	snap, err = Prepare(context.Background(), Options{Config: cfg, Tree: treeHTTP})
	require.NoError(t, err)
	value, _ := pathtree.Get(snap.ResolvedConfig, []string{"channels", "slack", "signingSecret"})
	assert.Equal(t, "ss", value)
}

func TestPrepareDisabledProviderEntry(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, nil)
	tree := baseTree(map[string]any{
		"models": map[string]any{
			"providers": map[string]any{
				"openai": map[string]any{
					"enabled": false,
					"apiKey":  envRefNode("NEVER_SET"),
				},
			},
		},
	})

	snap, err := Prepare(context.Background(), Options{Config: cfg, Tree: tree})
	require.NoError(t, err, "inactive surfaces never fail activation")
	require.Len(t, snap.Warnings, 1)
	assert.Equal(t, CodeRefIgnoredInactiveSurface, snap.Warnings[0].Code)
}

func TestSnapshotCloneIsolation(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, map[string]string{"TALK_API_KEY": "sk"})
	tree := baseTree(map[string]any{
		"talk": map[string]any{"apiKey": envRefNode("TALK_API_KEY")},
	})
	snap, err := Prepare(context.Background(), Options{Config: cfg, Tree: tree})
	require.NoError(t, err)

	clone := snap.Clone()
	_, err = pathtree.SetCreate(clone.ResolvedConfig, []string{"talk", "apiKey"}, "tampered")
	require.NoError(t, err)

	original, _ := pathtree.Get(snap.ResolvedConfig, []string{"talk", "apiKey"})
	assert.Equal(t, "sk", original)
}
