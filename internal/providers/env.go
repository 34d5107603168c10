package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaygate/relaygate/internal/config"
	rgerrors "github.com/relaygate/relaygate/internal/errors"
	"github.com/relaygate/relaygate/internal/ref"
)

// EnvProvider resolves refs against the process environment.
type EnvProvider struct {
	alias  string
	cfg    config.ProviderConfig
	lookup func(string) (string, bool)
}

// NewEnvProvider builds an env provider. lookup abstracts os.LookupEnv for
// tests and snapshot isolation.
func NewEnvProvider(alias string, cfg config.ProviderConfig, lookup func(string) (string, bool)) *EnvProvider {
	return &EnvProvider{alias: alias, cfg: cfg, lookup: lookup}
}

func (p *EnvProvider) Source() ref.Source { return ref.SourceEnv }
func (p *EnvProvider) Alias() string      { return p.alias }

// Resolve reads each variable, trimmed. Absent or empty variables and
// allowlist violations fail per id; the provider itself cannot fail as a
// whole.
func (p *EnvProvider) Resolve(ctx context.Context, ids []string) (Result, error) {
	result := newResult()
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if len(p.cfg.Allowlist) > 0 && !contains(p.cfg.Allowlist, id) {
			result.Errors[id] = rgerrors.RefResolutionError{
				RefKey:  refKey(p, id),
				Message: fmt.Sprintf("variable %s is not in the provider allowlist", id),
			}
			continue
		}
		value, ok := p.lookup(id)
		value = strings.TrimSpace(value)
		if !ok || value == "" {
			result.Errors[id] = rgerrors.RefResolutionError{
				RefKey:  refKey(p, id),
				Message: fmt.Sprintf("environment variable %s is not set or empty", id),
			}
			continue
		}
		result.Values[id] = value
	}
	return result, nil
}

func refKey(p Provider, id string) string {
	return ref.Ref{Source: p.Source(), Provider: p.Alias(), ID: id}.Key()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
