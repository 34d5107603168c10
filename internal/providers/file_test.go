package providers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/config"
	rgerrors "github.com/relaygate/relaygate/internal/errors"
	"github.com/relaygate/relaygate/internal/ref"
)

func writeSecretFile(t *testing.T, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	return path
}

func TestFileProviderJSONMode(t *testing.T) {
	t.Parallel()

	path := writeSecretFile(t, `{"providers":{"openai":{"apiKey":"sk-file"}},"sa":{"type":"service_account"}}`, 0o600)
	p := NewFileProvider("default", config.ProviderConfig{
		Source: ref.SourceFile,
		Path:   path,
		Mode:   config.FileModeJSON,
	})

	result, err := p.Resolve(context.Background(), []string{
		"/providers/openai/apiKey",
		"/sa",
		"/providers/missing/key",
	})
	require.NoError(t, err)
	assert.Equal(t, "sk-file", result.Values["/providers/openai/apiKey"])
	assert.Equal(t, map[string]any{"type": "service_account"}, result.Values["/sa"])
	assert.Contains(t, result.Errors, "/providers/missing/key")
}

func TestFileProviderSingleValueMode(t *testing.T) {
	t.Parallel()

	path := writeSecretFile(t, "whole-file-secret\n", 0o600)
	p := NewFileProvider("token", config.ProviderConfig{
		Source: ref.SourceFile,
		Path:   path,
		Mode:   config.FileModeSingleValue,
	})

	result, err := p.Resolve(context.Background(), []string{"value", "other"})
	require.NoError(t, err)
	assert.Equal(t, "whole-file-secret", result.Values["value"])
	assert.Contains(t, result.Errors, "other")
}

func TestFileProviderScopedFailures(t *testing.T) {
	t.Parallel()

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		p := NewFileProvider("default", config.ProviderConfig{
			Source: ref.SourceFile,
			Path:   filepath.Join(t.TempDir(), "nope.json"),
		})
		_, err := p.Resolve(context.Background(), []string{"/k"})
		var scoped rgerrors.ProviderScopedError
		require.ErrorAs(t, err, &scoped)
	})

	t.Run("group readable", func(t *testing.T) {
		t.Parallel()
		path := writeSecretFile(t, `{}`, 0o644)
		p := NewFileProvider("default", config.ProviderConfig{
			Source: ref.SourceFile,
			Path:   path,
		})
		_, err := p.Resolve(context.Background(), []string{"/k"})
		var scoped rgerrors.ProviderScopedError
		require.ErrorAs(t, err, &scoped)
	})

	t.Run("array payload", func(t *testing.T) {
		t.Parallel()
		path := writeSecretFile(t, `["a"]`, 0o600)
		p := NewFileProvider("default", config.ProviderConfig{
			Source: ref.SourceFile,
			Path:   path,
		})
		_, err := p.Resolve(context.Background(), []string{"/0"})
		var scoped rgerrors.ProviderScopedError
		require.ErrorAs(t, err, &scoped)
	})

	t.Run("byte cap", func(t *testing.T) {
		t.Parallel()
		path := writeSecretFile(t, `{"k":"0123456789"}`, 0o600)
		p := NewFileProvider("default", config.ProviderConfig{
			Source:   ref.SourceFile,
			Path:     path,
			MaxBytes: 4,
		})
		_, err := p.Resolve(context.Background(), []string{"/k"})
		var scoped rgerrors.ProviderScopedError
		require.ErrorAs(t, err, &scoped)
		assert.True(t, errors.As(err, &scoped))
	})
}
