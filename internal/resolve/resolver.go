// Package resolve walks the configuration and auth-profile stores, turns
// every active secret reference into a typed assignment, resolves the
// assignments through the provider pipeline in batches, and builds the
// runtime snapshot. Activation is all-or-nothing: either every active ref
// resolves to a value of its declared shape, or the snapshot is rejected.
package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/relaygate/relaygate/internal/authstore"
	"github.com/relaygate/relaygate/internal/config"
	rgerrors "github.com/relaygate/relaygate/internal/errors"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/pathtree"
	"github.com/relaygate/relaygate/internal/providers"
	"github.com/relaygate/relaygate/internal/ref"
	"github.com/relaygate/relaygate/internal/registry"
)

// AgentStore pairs an agent id with its auth-profile store.
type AgentStore struct {
	AgentID string
	Path    string
	Store   *authstore.Store
}

// Snapshot is the runtime view installed after a successful activation. The
// source config preserves the authored refs; the resolved config holds the
// same tree with every active ref replaced by its resolved value.
type Snapshot struct {
	SourceConfig   map[string]any
	ResolvedConfig map[string]any
	AuthStores     []AgentStore
	Warnings       []Warning
	// AssignmentCount is the number of resolved-value writes this
	// activation performed, for metrics.
	AssignmentCount int
}

// Clone deep-copies the snapshot so callers can hold it without aliasing
// activator state.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		SourceConfig:    pathtree.CloneMap(s.SourceConfig),
		ResolvedConfig:  pathtree.CloneMap(s.ResolvedConfig),
		Warnings:        append([]Warning(nil), s.Warnings...),
		AssignmentCount: s.AssignmentCount,
	}
	for _, as := range s.AuthStores {
		out.AuthStores = append(out.AuthStores, AgentStore{
			AgentID: as.AgentID,
			Path:    as.Path,
			Store:   as.Store.Clone(),
		})
	}
	return out
}

// targetKind discriminates where an assignment writes.
type targetKind int

const (
	targetConfig targetKind = iota
	targetAuthStore
)

// assignment is one planned write of a resolved value. Assignments are plain
// data applied through the path engine after batch resolution, so the batch
// layer never holds tree references.
type assignment struct {
	ref          ref.Ref
	path         string
	pathSegments []string
	expected     ref.ExpectedValue
	target       targetKind
	storeIndex   int
}

// Options configures one activation.
type Options struct {
	Config *config.Config
	// Tree is the pre-loaded main config; loaded from Config.Path when
	// nil.
	Tree map[string]any
	// AuthStores overrides the on-disk stores; the apply engine passes
	// its projected in-memory stores here for preflight.
	AuthStores []AgentStore
	// Pipeline overrides the provider pipeline; tests install fakes.
	Pipeline *providers.Pipeline
	// ProviderObserver receives per-call provider latencies; the
	// activator wires its metrics in here.
	ProviderObserver providers.CallObserver
	// TargetIDs restricts discovery to the given registry ids, nil for
	// all.
	TargetIDs map[string]bool
}

// Prepare runs a full resolution pass and returns the snapshot.
func Prepare(ctx context.Context, opts Options) (*Snapshot, error) {
	cfg := opts.Config
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(false, true)
	}

	tree := opts.Tree
	if tree == nil {
		loaded, err := cfg.LoadTree()
		if err != nil {
			return nil, err
		}
		tree = loaded
	}

	settings, err := config.DecodeSecretsSettings(tree)
	if err != nil {
		return nil, err
	}
	reg, err := registry.Compile()
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		SourceConfig:   pathtree.CloneMap(tree),
		ResolvedConfig: pathtree.CloneMap(tree),
	}

	if opts.AuthStores != nil {
		for _, as := range opts.AuthStores {
			snapshot.AuthStores = append(snapshot.AuthStores, AgentStore{
				AgentID: as.AgentID,
				Path:    as.Path,
				Store:   as.Store.Clone(),
			})
		}
	} else {
		for _, agentID := range config.AgentIDs(tree) {
			path := cfg.AuthStorePath(tree, agentID)
			store, err := authstore.Load(path)
			if err != nil {
				return nil, rgerrors.UserError{
					Message: fmt.Sprintf("Failed to load auth-profile store for agent %q", agentID),
					Details: err.Error(),
					Err:     err,
				}
			}
			snapshot.AuthStores = append(snapshot.AuthStores, AgentStore{
				AgentID: agentID,
				Path:    path,
				Store:   store,
			})
		}
	}

	warnings := newWarningSet()
	assignments := collectAssignments(reg, settings.Defaults, snapshot, warnings, opts.TargetIDs)

	pipeline := opts.Pipeline
	if pipeline == nil {
		pipeline = providers.NewPipeline(settings, cfg.LookupEnv, logger)
	}
	if opts.ProviderObserver != nil {
		pipeline.SetObserver(opts.ProviderObserver)
	}

	refs := make([]ref.Ref, len(assignments))
	for i, a := range assignments {
		refs[i] = a.ref
	}
	values, errs := pipeline.ResolveRefs(ctx, refs)
	if len(errs) > 0 {
		return nil, resolutionFailure(assignments, errs)
	}

	for _, a := range assignments {
		value := pathtree.Clone(values[a.ref.Key()])
		if !ref.IsExpectedResolvedValue(a.expected, value) {
			return nil, rgerrors.ShapeMismatchError{
				RefKey:   a.ref.Key(),
				Path:     a.path,
				Expected: string(a.expected),
			}
		}
		var root map[string]any
		if a.target == targetConfig {
			root = snapshot.ResolvedConfig
		} else {
			root = snapshot.AuthStores[a.storeIndex].Store.Doc
		}
		if _, err := pathtree.SetCreate(root, a.pathSegments, value); err != nil {
			return nil, fmt.Errorf("apply resolved value at %s: %w", a.path, err)
		}
	}

	snapshot.Warnings = warnings.list()
	snapshot.AssignmentCount = len(assignments)
	logger.Debug("Activation prepared: %d assignments, %d warnings",
		len(assignments), len(snapshot.Warnings))
	return snapshot, nil
}

// collectAssignments walks every registry surface over the resolved config
// and the auth-profile stores.
func collectAssignments(reg *registry.Registry, defaults ref.Defaults, snapshot *Snapshot, warnings *warningSet, filter map[string]bool) []assignment {
	var assignments []assignment

	push := func(d registry.Discovered, target targetKind, storeIndex int, pathPrefix string) {
		input := ref.ResolveInput(d.Value, d.RefValue, defaults)
		if input.Ref == nil {
			return
		}
		displayPath := d.Path
		if pathPrefix != "" {
			displayPath = pathPrefix + d.Path
		}
		if input.ExplicitRef != nil {
			if s, ok := d.Value.(string); ok && s != "" {
				warnings.add(CodeRefOverridesPlaintext, displayPath,
					fmt.Sprintf("%s: the %s ref overrides the plaintext value stored beside it", displayPath, input.Ref.Source))
			}
		}
		if target == targetConfig {
			if active, reason := surfaceActive(snapshot.ResolvedConfig, defaults, d); !active {
				warnings.addInactive(displayPath, reason)
				return
			}
		}
		assignments = append(assignments, assignment{
			ref:          *input.Ref,
			path:         displayPath,
			pathSegments: d.PathSegments,
			expected:     d.Entry.Expected,
			target:       target,
			storeIndex:   storeIndex,
		})
	}

	for _, d := range reg.DiscoverConfigSecretTargets(snapshot.ResolvedConfig, filter) {
		push(d, targetConfig, 0, "")
	}
	for i, as := range snapshot.AuthStores {
		prefix := fmt.Sprintf("agents.%s.authProfiles.", as.AgentID)
		for _, d := range reg.DiscoverAuthProfileSecretTargets(as.Store.Doc, filter) {
			push(d, targetAuthStore, i, prefix)
		}
	}
	return assignments
}

// resolutionFailure renders every failed ref with the exact path it was
// configured at.
func resolutionFailure(assignments []assignment, errs map[string]error) error {
	var lines []string
	seen := map[string]bool{}
	for _, a := range assignments {
		err, failed := errs[a.ref.Key()]
		if !failed {
			continue
		}
		line := fmt.Sprintf("%s (%s): %v", a.path, a.ref.Key(), err)
		if seen[line] {
			continue
		}
		seen[line] = true
		lines = append(lines, line)
	}
	sort.Strings(lines)
	return rgerrors.UserError{
		Message:    fmt.Sprintf("Failed to resolve %d secret reference(s)", len(lines)),
		Details:    strings.Join(lines, "\n           "),
		Suggestion: "Check the provider configuration and that each referenced secret exists",
	}
}
