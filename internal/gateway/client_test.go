package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/pathtree"
)

func TestResolveCommandSecretRefsViaGateway(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, talkTree(), map[string]string{"TALK_API_KEY": "sk-live"}, true)
	client := NewClient(f.server.URL)

	hydrated, err := ResolveCommandSecretRefsViaGateway(
		context.Background(), client, talkTree(), "memory status", []string{"talk.apiKey"})
	require.NoError(t, err)

	value, _ := pathtree.Get(hydrated, []string{"talk", "apiKey"})
	assert.Equal(t, "sk-live", value)
}

func TestResolveViaGatewaySkipsWhenNoLocalRef(t *testing.T) {
	t.Parallel()

	// No gateway is listening; with no local ref configured the helper
	// must not make a round-trip at all.
	client := NewClient("http://127.0.0.1:1")
	local := map[string]any{"talk": map[string]any{"apiKey": "already-plain"}}

	hydrated, err := ResolveCommandSecretRefsViaGateway(
		context.Background(), client, local, "memory status", []string{"talk.apiKey"})
	require.NoError(t, err)
	value, _ := pathtree.Get(hydrated, []string{"talk", "apiKey"})
	assert.Equal(t, "already-plain", value)
}

func TestResolveViaGatewayUnknownID(t *testing.T) {
	t.Parallel()

	client := NewClient("http://127.0.0.1:1")
	_, err := ResolveCommandSecretRefsViaGateway(
		context.Background(), client, map[string]any{}, "x", []string{"bogus.id"})
	assert.Error(t, err)
}

func TestResolveViaGatewayInactiveDiagnostics(t *testing.T) {
	t.Parallel()

	// Telegram: the top-level ref is inactive; the gateway reports a
	// diagnostic and the helper treats the path as legitimately skipped.
	tree := map[string]any{
		"secrets": map[string]any{
			"providers": map[string]any{"env": map[string]any{"source": "env"}},
			"defaults":  map[string]any{"env": "env"},
		},
		"channels": map[string]any{
			"telegram": map[string]any{
				"botToken": map[string]any{"source": "env", "provider": "env", "id": "TG_TOP"},
				"accounts": map[string]any{
					"work": map[string]any{
						"botToken": map[string]any{"source": "env", "provider": "env", "id": "TG_WORK"},
					},
				},
			},
		},
	}
	f := newGatewayFixture(t, tree, map[string]string{"TG_WORK": "tok"}, true)
	client := NewClient(f.server.URL)

	hydrated, err := ResolveCommandSecretRefsViaGateway(
		context.Background(), client, tree, "channels status",
		[]string{"channels.telegram.botToken", "channels.telegram.accounts.*.botToken"})
	require.NoError(t, err)

	work, _ := pathtree.Get(hydrated, []string{"channels", "telegram", "accounts", "work", "botToken"})
	assert.Equal(t, "tok", work)
	top, _ := pathtree.Get(hydrated, []string{"channels", "telegram", "botToken"})
	assert.IsType(t, map[string]any{}, top, "inactive ref stays as authored")
}

func TestResolveViaGatewayGatewayDown(t *testing.T) {
	t.Parallel()

	client := NewClient("http://127.0.0.1:1")
	_, err := ResolveCommandSecretRefsViaGateway(
		context.Background(), client, talkTree(), "memory status", []string{"talk.apiKey"})
	assert.Error(t, err)
}
