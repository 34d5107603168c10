package pathtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pattern string
		want    []Token
		wantErr bool
	}{
		{
			name:    "literals",
			pattern: "talk.apiKey",
			want: []Token{
				{Kind: TokenLiteral, Name: "talk"},
				{Kind: TokenLiteral, Name: "apiKey"},
			},
		},
		{
			name:    "wildcard",
			pattern: "channels.*.botToken",
			want: []Token{
				{Kind: TokenLiteral, Name: "channels"},
				{Kind: TokenWildcard},
				{Kind: TokenLiteral, Name: "botToken"},
			},
		},
		{
			name:    "array token",
			pattern: "agents.list[].apiKey",
			want: []Token{
				{Kind: TokenLiteral, Name: "agents"},
				{Kind: TokenArray, Name: "list"},
				{Kind: TokenLiteral, Name: "apiKey"},
			},
		},
		{
			name:    "empty segments dropped",
			pattern: "a..b",
			want: []Token{
				{Kind: TokenLiteral, Name: "a"},
				{Kind: TokenLiteral, Name: "b"},
			},
		},
		{name: "bare array suffix", pattern: "a.[]", wantErr: true},
		{name: "empty pattern", pattern: "", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tokens, err := ParsePattern(tt.pattern)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tokens)
		})
	}
}

func TestMatchAndMaterializeRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		pattern  string
		segments []string
		captures []string
	}{
		{
			name:     "wildcard capture",
			pattern:  "channels.telegram.accounts.*.botToken",
			segments: []string{"channels", "telegram", "accounts", "work", "botToken"},
			captures: []string{"work"},
		},
		{
			name:     "array capture",
			pattern:  "agents.list[].memorySearch.remote.apiKey",
			segments: []string{"agents", "list", "2", "memorySearch", "remote", "apiKey"},
			captures: []string{"2"},
		},
		{
			name:     "no dynamic tokens",
			pattern:  "gateway.auth.password",
			segments: []string{"gateway", "auth", "password"},
			captures: []string{},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tokens, err := ParsePattern(tt.pattern)
			require.NoError(t, err)

			captures, ok := MatchSegments(tokens, tt.segments)
			require.True(t, ok)
			assert.Equal(t, tt.captures, captures)

			rebuilt, err := MaterializeSegments(tokens, captures)
			require.NoError(t, err)
			assert.Equal(t, tt.segments, rebuilt)
		})
	}
}

func TestMatchSegmentsRejects(t *testing.T) {
	t.Parallel()

	tokens, err := ParsePattern("channels.*.botToken")
	require.NoError(t, err)

	for _, segments := range [][]string{
		{"channels", "telegram"},                          // too short
		{"channels", "telegram", "botToken", "x"},         // too long
		{"gateway", "telegram", "botToken"},               // literal mismatch
	} {
		_, ok := MatchSegments(tokens, segments)
		assert.False(t, ok, "segments %v should not match", segments)
	}

	arrayTokens, err := ParsePattern("agents.list[].apiKey")
	require.NoError(t, err)
	_, ok := MatchSegments(arrayTokens, []string{"agents", "list", "notanum", "apiKey"})
	assert.False(t, ok, "non-numeric index must not match an array token")
}

func TestExpand(t *testing.T) {
	t.Parallel()

	tree := map[string]any{
		"channels": map[string]any{
			"telegram": map[string]any{"botToken": "t1"},
			"slack":    map[string]any{"botToken": "t2"},
			"broken":   "not-a-map",
		},
		"agents": map[string]any{
			"list": []any{
				map[string]any{"apiKey": "a0"},
				map[string]any{"apiKey": "a1"},
			},
		},
	}

	tokens, err := ParsePattern("channels.*.botToken")
	require.NoError(t, err)
	hits := Expand(tokens, any(tree))
	require.Len(t, hits, 2)
	// Wildcard keys iterate sorted.
	assert.Equal(t, []string{"channels", "slack", "botToken"}, hits[0].Segments)
	assert.Equal(t, "t2", hits[0].Value)
	assert.Equal(t, []string{"telegram"}, hits[1].Captures)

	arrayTokens, err := ParsePattern("agents.list[].apiKey")
	require.NoError(t, err)
	arrayHits := Expand(arrayTokens, any(tree))
	require.Len(t, arrayHits, 2)
	assert.Equal(t, []string{"agents", "list", "0", "apiKey"}, arrayHits[0].Segments)
	assert.Equal(t, "a1", arrayHits[1].Value)
}
