package providers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/relaygate/relaygate/internal/config"
	rgerrors "github.com/relaygate/relaygate/internal/errors"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/ref"
)

// CallObserver receives the wall-clock duration of every provider call, one
// observation per batch or fallback invocation.
type CallObserver func(source ref.Source, alias string, seconds float64)

// Pipeline routes refs to providers in batches. It is created per resolution
// context (one activation, one audit) so its cache never serves stale values
// across reloads.
type Pipeline struct {
	providers map[string]Provider
	limits    config.Limits
	logger    *logging.Logger
	sem       *semaphore.Weighted
	observe   CallObserver

	mu     sync.Mutex
	values map[string]any
	errs   map[string]error
}

// NewPipeline builds the provider set from the secrets settings. lookup
// supplies process environment values to the env and exec providers.
func NewPipeline(settings config.SecretsSettings, lookup func(string) (string, bool), logger *logging.Logger) *Pipeline {
	limits := settings.Limits.Normalized()
	p := &Pipeline{
		providers: map[string]Provider{},
		limits:    limits,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(limits.MaxProviderConcurrency)),
		values:    map[string]any{},
		errs:      map[string]error{},
	}
	for alias, cfg := range settings.Providers {
		var prov Provider
		switch cfg.Source {
		case ref.SourceEnv:
			prov = NewEnvProvider(alias, cfg, lookup)
		case ref.SourceFile:
			prov = NewFileProvider(alias, cfg)
		case ref.SourceExec:
			prov = NewExecProvider(alias, cfg, lookup)
		default:
			continue
		}
		p.providers[providerKey(cfg.Source, alias)] = prov
	}
	return p
}

// Register installs a provider directly; used by tests.
func (p *Pipeline) Register(prov Provider) {
	p.providers[providerKey(prov.Source(), prov.Alias())] = prov
}

// SetObserver installs a call-latency observer; nil disables observation.
func (p *Pipeline) SetObserver(fn CallObserver) {
	p.observe = fn
}

// timedResolve runs one provider call under the observer.
func (p *Pipeline) timedResolve(ctx context.Context, prov Provider, ids []string) (Result, error) {
	start := time.Now()
	result, err := prov.Resolve(ctx, ids)
	if p.observe != nil {
		p.observe(prov.Source(), prov.Alias(), time.Since(start).Seconds())
	}
	return result, err
}

// ResolveRefs resolves every ref, deduplicated by refKey, and returns the
// values and errors keyed by refKey. Each key resolves at most once per
// pipeline lifetime.
func (p *Pipeline) ResolveRefs(ctx context.Context, refs []ref.Ref) (map[string]any, map[string]error) {
	// Group the unseen refs by provider.
	groups := map[string][]ref.Ref{}
	p.mu.Lock()
	seen := map[string]bool{}
	for _, r := range refs {
		key := r.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		if _, done := p.values[key]; done {
			continue
		}
		if _, failed := p.errs[key]; failed {
			continue
		}
		groups[providerKey(r.Source, r.Provider)] = append(groups[providerKey(r.Source, r.Provider)], r)
	}
	p.mu.Unlock()

	var g errgroup.Group
	for pkey, group := range groups {
		pkey, group := pkey, group
		g.Go(func() error {
			p.resolveGroup(ctx, pkey, group)
			return nil
		})
	}
	_ = g.Wait()

	// Project the requested keys out of the shared cache.
	values := map[string]any{}
	errs := map[string]error{}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range refs {
		key := r.Key()
		if v, ok := p.values[key]; ok {
			values[key] = v
		} else if err, ok := p.errs[key]; ok {
			errs[key] = err
		}
	}
	return values, errs
}

// resolveGroup handles all refs routed to one provider, splitting them into
// batches bounded by maxRefsPerProvider and maxBatchBytes.
func (p *Pipeline) resolveGroup(ctx context.Context, pkey string, group []ref.Ref) {
	prov, ok := p.providers[pkey]
	if !ok {
		err := rgerrors.ProviderScopedError{
			Provider: group[0].Provider,
			Source:   string(group[0].Source),
			Message:  "no such provider is configured under secrets.providers",
		}
		p.failGroup(group, err)
		return
	}

	for _, batch := range p.splitBatches(group) {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.failGroup(batch, err)
			continue
		}
		p.resolveBatch(ctx, prov, batch)
		p.sem.Release(1)
	}
}

// splitBatches slices a group along the per-provider ref-count and
// request-byte limits.
func (p *Pipeline) splitBatches(group []ref.Ref) [][]ref.Ref {
	sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
	const requestOverhead = 64
	var batches [][]ref.Ref
	var current []ref.Ref
	bytes := requestOverhead
	for _, r := range group {
		cost := len(r.ID) + 3
		if len(current) >= p.limits.MaxRefsPerProvider || (len(current) > 0 && bytes+cost > p.limits.MaxBatchBytes) {
			batches = append(batches, current)
			current = nil
			bytes = requestOverhead
		}
		current = append(current, r)
		bytes += cost
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func (p *Pipeline) resolveBatch(ctx context.Context, prov Provider, batch []ref.Ref) {
	ids := make([]string, len(batch))
	for i, r := range batch {
		ids[i] = r.ID
	}

	result, err := p.timedResolve(ctx, prov, ids)
	if err != nil {
		var scoped rgerrors.ProviderScopedError
		if errors.As(err, &scoped) {
			// The provider itself is unusable; every ref in the batch
			// fails without retries.
			p.failGroup(batch, err)
			return
		}
		p.logger.Debug("Batch resolve failed for %s/%s, falling back per ref: %v",
			prov.Source(), prov.Alias(), err)
		p.fallbackPerRef(ctx, prov, batch)
		return
	}
	p.recordResult(batch, result)
}

// fallbackPerRef retries each ref of a failed batch in its own call,
// sequentially, so one poisoned id cannot sink its siblings.
func (p *Pipeline) fallbackPerRef(ctx context.Context, prov Provider, batch []ref.Ref) {
	for _, r := range batch {
		result, err := p.timedResolve(ctx, prov, []string{r.ID})
		if err != nil {
			p.fail(r, rgerrors.RefResolutionError{RefKey: r.Key(), Message: "resolution failed", Err: err})
			continue
		}
		p.recordResult([]ref.Ref{r}, result)
	}
}

func (p *Pipeline) recordResult(batch []ref.Ref, result Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range batch {
		if value, ok := result.Values[r.ID]; ok {
			p.values[r.Key()] = value
			continue
		}
		if err, ok := result.Errors[r.ID]; ok {
			var perRef rgerrors.RefResolutionError
			if !errors.As(err, &perRef) {
				err = rgerrors.RefResolutionError{RefKey: r.Key(), Message: "resolution failed", Err: err}
			}
			p.errs[r.Key()] = err
			continue
		}
		p.errs[r.Key()] = rgerrors.RefResolutionError{
			RefKey:  r.Key(),
			Message: "provider returned neither a value nor an error",
		}
	}
}

func (p *Pipeline) failGroup(group []ref.Ref, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range group {
		p.errs[r.Key()] = err
	}
}

func (p *Pipeline) fail(r ref.Ref, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[r.Key()] = err
}
