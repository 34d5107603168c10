package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/ref"
)

func TestParseTreeJSONAndYAML(t *testing.T) {
	t.Parallel()

	jsonTree, err := ParseTree("config.json", []byte(`{"talk":{"apiKey":"k"},"n":1}`))
	require.NoError(t, err)
	yamlTree, err := ParseTree("config.yaml", []byte("talk:\n  apiKey: k\nn: 1\n"))
	require.NoError(t, err)

	jt := jsonTree["talk"].(map[string]any)
	yt := yamlTree["talk"].(map[string]any)
	assert.Equal(t, jt["apiKey"], yt["apiKey"], "both encodings normalize to the same tree model")

	_, err = ParseTree("config.json", []byte(`not json`))
	assert.Error(t, err)
	_, err = ParseTree("config.yaml", []byte("- a\n- b\n"))
	assert.Error(t, err, "non-mapping YAML root rejected")
}

func TestWriteTreeAtomicAndPrivate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relaygate.json")
	cfg := &Config{Path: path}
	require.NoError(t, cfg.WriteTree(map[string]any{"a": "b"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	tree, err := cfg.LoadTree()
	require.NoError(t, err)
	assert.Equal(t, "b", tree["a"])
}

func TestDecodeSecretsSettings(t *testing.T) {
	t.Parallel()

	t.Run("full block", func(t *testing.T) {
		t.Parallel()
		tree, err := ParseTree("c.json", []byte(`{
		  "secrets": {
		    "providers": {
		      "env": {"source": "env"},
		      "vault": {"source": "exec", "command": "/usr/local/bin/vault-helper", "trustedDirs": ["/usr/local/bin"]}
		    },
		    "defaults": {"env": "env"},
		    "limits": {"maxProviderConcurrency": 2}
		  }
		}`))
		require.NoError(t, err)
		settings, err := DecodeSecretsSettings(tree)
		require.NoError(t, err)
		assert.Equal(t, ref.SourceExec, settings.Providers["vault"].Source)
		assert.Equal(t, "env", settings.Defaults.Env)

		limits := settings.Limits.Normalized()
		assert.Equal(t, 2, limits.MaxProviderConcurrency)
		assert.Equal(t, DefaultMaxRefsPerProvider, limits.MaxRefsPerProvider)
	})

	t.Run("absent block", func(t *testing.T) {
		t.Parallel()
		settings, err := DecodeSecretsSettings(map[string]any{})
		require.NoError(t, err)
		assert.Empty(t, settings.Providers)
	})

	t.Run("invalid provider config", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeSecretsSettings(map[string]any{
			"secrets": map[string]any{
				"providers": map[string]any{
					"f": map[string]any{"source": "file", "path": "relative/path"},
				},
			},
		})
		assert.Error(t, err)
	})

	t.Run("invalid alias", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeSecretsSettings(map[string]any{
			"secrets": map[string]any{
				"providers": map[string]any{
					"NOPE": map[string]any{"source": "env"},
				},
			},
		})
		assert.Error(t, err)
	})
}

func TestProviderConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     ProviderConfig
		wantErr bool
	}{
		{name: "env", cfg: ProviderConfig{Source: ref.SourceEnv}},
		{name: "env bad allowlist", cfg: ProviderConfig{Source: ref.SourceEnv, Allowlist: []string{"lower"}}, wantErr: true},
		{name: "file", cfg: ProviderConfig{Source: ref.SourceFile, Path: "/etc/secrets.json"}},
		{name: "file bad mode", cfg: ProviderConfig{Source: ref.SourceFile, Path: "/s", Mode: "xml"}, wantErr: true},
		{name: "exec", cfg: ProviderConfig{Source: ref.SourceExec, Command: "/usr/bin/op", TrustedDirs: []string{"/usr/bin"}}},
		{name: "exec relative command", cfg: ProviderConfig{Source: ref.SourceExec, Command: "op"}, wantErr: true},
		{name: "exec relative trusted dir", cfg: ProviderConfig{Source: ref.SourceExec, Command: "/usr/bin/op", TrustedDirs: []string{"bin"}}, wantErr: true},
		{name: "unknown source", cfg: ProviderConfig{Source: "vault"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate("p")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAgentIDsAndStorePaths(t *testing.T) {
	t.Parallel()

	tree := map[string]any{
		"agents": map[string]any{
			"list": []any{
				map[string]any{"id": "main"},
				map[string]any{"id": "research", "dir": "/srv/agents/research"},
				map[string]any{"id": "research"}, // duplicate ignored
			},
		},
	}
	assert.Equal(t, []string{"main", "research"}, AgentIDs(tree))

	cfg := &Config{Path: "/etc/relaygate/relaygate.json", StateDir: "/var/lib/relaygate"}
	assert.Equal(t, "/srv/agents/research/auth-profiles.json", cfg.AuthStorePath(tree, "research"))
	assert.Equal(t, "/var/lib/relaygate/agents/main/agent/auth-profiles.json", cfg.AuthStorePath(tree, "main"))
}
