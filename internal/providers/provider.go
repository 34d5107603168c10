// Package providers implements the three secret provider families — env,
// file, and exec — and the batching pipeline that routes refs to them.
//
// Providers are batch-oriented: the resolver groups refs by (source,
// provider) and hands each group over in one call. A returned error of type
// errors.ProviderScopedError condemns the whole batch (the provider itself
// is misconfigured); any other error triggers a sequential per-id fallback.
// Per-id failures ride back in the Result so sibling refs in the same batch
// still resolve.
package providers

import (
	"context"

	"github.com/relaygate/relaygate/internal/ref"
)

// Result carries one batch's outcome. Values maps resolved ids to their
// value (string, or a mapping for JSON payloads); Errors maps failed ids to
// their cause.
type Result struct {
	Values map[string]any
	Errors map[string]error
}

func newResult() Result {
	return Result{Values: map[string]any{}, Errors: map[string]error{}}
}

// Provider resolves a batch of ids from one configured backend.
type Provider interface {
	// Source names the provider family.
	Source() ref.Source
	// Alias is the configured provider alias.
	Alias() string
	// Resolve fetches the given ids. A non-nil error fails the batch; a
	// ProviderScopedError marks the provider itself unusable.
	Resolve(ctx context.Context, ids []string) (Result, error)
}

// providerKey builds the routing key for a (source, alias) pair.
func providerKey(source ref.Source, alias string) string {
	return string(source) + ":" + alias
}
