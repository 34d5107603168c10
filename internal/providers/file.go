package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"

	"github.com/relaygate/relaygate/internal/config"
	rgerrors "github.com/relaygate/relaygate/internal/errors"
	"github.com/relaygate/relaygate/internal/ref"
)

// FileProvider resolves refs from one secrets file: either a JSON object
// addressed by RFC 6901 pointers or a single-value file whose whole content
// is the secret.
type FileProvider struct {
	alias string
	cfg   config.ProviderConfig
}

// NewFileProvider builds a file provider for the given config.
func NewFileProvider(alias string, cfg config.ProviderConfig) *FileProvider {
	return &FileProvider{alias: alias, cfg: cfg}
}

func (p *FileProvider) Source() ref.Source { return ref.SourceFile }
func (p *FileProvider) Alias() string      { return p.alias }

func (p *FileProvider) scoped(message string, err error) error {
	return rgerrors.ProviderScopedError{
		Provider: p.alias,
		Source:   string(ref.SourceFile),
		Message:  message,
		Err:      err,
	}
}

// Resolve reads the file once per batch and resolves every id against the
// parsed payload. File-level problems (missing, unreadable, bad permissions,
// non-object JSON payload) are provider-scoped; dangling pointers fail per
// id.
func (p *FileProvider) Resolve(ctx context.Context, ids []string) (Result, error) {
	result := newResult()

	timeout := time.Duration(p.cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = config.DefaultFileTimeoutMs * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := p.read(ctx)
	if err != nil {
		return result, err
	}
	defer memguard.WipeBytes(data)

	switch p.cfg.EffectiveFileMode() {
	case config.FileModeSingleValue:
		value := strings.TrimSpace(string(data))
		for _, id := range ids {
			if id != "value" {
				result.Errors[id] = rgerrors.RefResolutionError{
					RefKey:  refKey(p, id),
					Message: `singleValue providers only accept the id "value"`,
				}
				continue
			}
			if value == "" {
				result.Errors[id] = rgerrors.RefResolutionError{
					RefKey:  refKey(p, id),
					Message: "secrets file is empty",
				}
				continue
			}
			result.Values[id] = value
		}
	case config.FileModeJSON:
		var payload any
		if err := json.Unmarshal(data, &payload); err != nil {
			return result, p.scoped("secrets file is not valid JSON", err)
		}
		doc, ok := payload.(map[string]any)
		if !ok {
			return result, p.scoped("secrets file must contain a JSON object at the top level", nil)
		}
		for _, id := range ids {
			value, err := resolvePointer(doc, id)
			if err != nil {
				result.Errors[id] = rgerrors.RefResolutionError{
					RefKey:  refKey(p, id),
					Message: err.Error(),
				}
				continue
			}
			result.Values[id] = value
		}
	}
	return result, nil
}

func (p *FileProvider) read(ctx context.Context) ([]byte, error) {
	if !p.cfg.SkipPermissionCheck {
		if err := CheckSecretFile(p.cfg.Path); err != nil {
			return nil, p.scoped("secrets file failed the permission check", err)
		}
	}
	maxBytes := p.cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = config.DefaultFileMaxBytes
	}

	type readOutcome struct {
		data []byte
		err  error
	}
	done := make(chan readOutcome, 1)
	go func() {
		f, err := os.Open(p.cfg.Path)
		if err != nil {
			done <- readOutcome{err: err}
			return
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
		done <- readOutcome{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, p.scoped("timed out reading secrets file", ctx.Err())
	case outcome := <-done:
		if outcome.err != nil {
			return nil, p.scoped("failed to read secrets file", outcome.err)
		}
		if int64(len(outcome.data)) > maxBytes {
			memguard.WipeBytes(outcome.data)
			return nil, p.scoped(fmt.Sprintf("secrets file exceeds %d bytes", maxBytes), nil)
		}
		return outcome.data, nil
	}
}

// resolvePointer walks an RFC 6901 pointer through the document.
func resolvePointer(doc map[string]any, pointer string) (any, error) {
	segments, err := ref.PointerSegments(pointer)
	if err != nil {
		return nil, err
	}
	var node any = doc
	for _, seg := range segments {
		switch c := node.(type) {
		case map[string]any:
			child, ok := c[seg]
			if !ok {
				return nil, fmt.Errorf("pointer %s: key %q not found", pointer, seg)
			}
			node = child
		case []any:
			idx := -1
			if _, err := fmt.Sscanf(seg, "%d", &idx); err != nil || idx < 0 || idx >= len(c) {
				return nil, fmt.Errorf("pointer %s: bad array index %q", pointer, seg)
			}
			node = c[idx]
		default:
			return nil, fmt.Errorf("pointer %s: %q is not a container", pointer, seg)
		}
	}
	if node == nil {
		return nil, fmt.Errorf("pointer %s resolves to null", pointer)
	}
	return node, nil
}
