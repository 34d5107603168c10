package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/resolve"
	"github.com/relaygate/relaygate/internal/snapshot"
)

type gatewayFixture struct {
	cfg       *config.Config
	activator *snapshot.Activator
	server    *httptest.Server
	env       map[string]string
}

func newGatewayFixture(t *testing.T, tree map[string]any, env map[string]string, activate bool) *gatewayFixture {
	t.Helper()
	if env == nil {
		env = map[string]string{}
	}
	cfg := &config.Config{
		Path:     filepath.Join(t.TempDir(), "relaygate.json"),
		StateDir: t.TempDir(),
		Logger:   logging.New(false, true),
		Environ: func(name string) (string, bool) {
			v, ok := env[name]
			return v, ok
		},
	}
	// The RPC reload path re-reads the config from disk.
	require.NoError(t, cfg.WriteTree(tree))

	activator := snapshot.NewActivator(cfg.Logger, nil)
	if activate {
		require.NoError(t, activator.Reload(context.Background(), resolve.Options{Config: cfg, Tree: tree}, true))
	}

	server := httptest.NewServer(NewServer(cfg, activator, nil).Handler())
	t.Cleanup(server.Close)
	return &gatewayFixture{cfg: cfg, activator: activator, server: server, env: env}
}

func (f *gatewayFixture) call(t *testing.T, method string, params any) (int, map[string]any) {
	t.Helper()
	body, err := json.Marshal(map[string]any{"method": method, "params": params})
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+"/rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp.StatusCode, payload
}

func talkTree() map[string]any {
	return map[string]any{
		"secrets": map[string]any{
			"providers": map[string]any{"env": map[string]any{"source": "env"}},
			"defaults":  map[string]any{"env": "env"},
		},
		"talk": map[string]any{
			"apiKey": map[string]any{"source": "env", "provider": "env", "id": "TALK_API_KEY"},
		},
	}
}

func TestRPCResolve(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, talkTree(), map[string]string{"TALK_API_KEY": "sk-live"}, true)

	status, payload := f.call(t, "secrets.resolve", map[string]any{
		"commandName": "memory status",
		"targetIds":   []string{"talk.apiKey"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, payload["ok"])

	assignments := payload["assignments"].([]any)
	require.Len(t, assignments, 1)
	first := assignments[0].(map[string]any)
	assert.Equal(t, "talk.apiKey", first["path"])
	assert.Equal(t, []any{"talk", "apiKey"}, first["pathSegments"])
	assert.Equal(t, "sk-live", first["value"])
	assert.Equal(t, []any{}, payload["diagnostics"])
}

func TestRPCResolveUnknownTargetID(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, talkTree(), map[string]string{"TALK_API_KEY": "sk"}, true)
	status, payload := f.call(t, "secrets.resolve", map[string]any{
		"commandName": "x",
		"targetIds":   []string{"no.such.id"},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	errObj := payload["error"].(map[string]any)
	assert.Equal(t, CodeInvalidRequest, errObj["code"])
}

func TestRPCResolveWithoutSnapshot(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, talkTree(), map[string]string{"TALK_API_KEY": "sk"}, false)
	status, payload := f.call(t, "secrets.resolve", map[string]any{
		"commandName": "x",
		"targetIds":   []string{"talk.apiKey"},
	})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	errObj := payload["error"].(map[string]any)
	assert.Equal(t, CodeUnavailable, errObj["code"])
}

func TestRPCResolveRejectsBadParams(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, talkTree(), map[string]string{"TALK_API_KEY": "sk"}, true)
	for _, params := range []any{
		map[string]any{"commandName": "x"},                        // missing targetIds
		map[string]any{"commandName": "x", "targetIds": []any{}},  // empty list
		map[string]any{"commandName": "", "targetIds": []any{"talk.apiKey"}},
		map[string]any{"commandName": "x", "targetIds": []any{"talk.apiKey"}, "extra": 1},
	} {
		status, _ := f.call(t, "secrets.resolve", params)
		assert.Equal(t, http.StatusBadRequest, status, "params %v", params)
	}
}

func TestRPCReload(t *testing.T) {
	t.Parallel()

	env := map[string]string{"TALK_API_KEY": "sk"}
	f := newGatewayFixture(t, talkTree(), env, true)

	status, payload := f.call(t, "secrets.reload", map[string]any{})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, payload["ok"])
	assert.Equal(t, float64(0), payload["warningCount"])

	// Break the environment: reload fails, LKG survives.
	delete(env, "TALK_API_KEY")
	status, payload = f.call(t, "secrets.reload", map[string]any{})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	errObj := payload["error"].(map[string]any)
	assert.Equal(t, CodeUnavailable, errObj["code"])
	assert.NotNil(t, f.activator.Active())
}

func TestRPCUnknownMethod(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, talkTree(), map[string]string{"TALK_API_KEY": "sk"}, true)
	status, _ := f.call(t, "secrets.rotate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
}
