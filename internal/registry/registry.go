package registry

import (
	"fmt"

	"github.com/relaygate/relaygate/internal/pathtree"
)

// Registry holds the compiled entry catalog and its lookup indices.
type Registry struct {
	entries       []*Entry
	byType        map[string][]*Entry
	byIDMain      map[string]*Entry
	byIDAuthStore map[string]*Entry
}

// Compile builds the registry from the default catalog. It is a pure
// function of the entry table and fails only on a malformed entry, which is
// a programming error surfaced at startup.
func Compile() (*Registry, error) {
	return compile(defaultEntries())
}

func compile(raw []Entry) (*Registry, error) {
	r := &Registry{
		byType:        map[string][]*Entry{},
		byIDMain:      map[string]*Entry{},
		byIDAuthStore: map[string]*Entry{},
	}
	for i := range raw {
		e := &raw[i]
		tokens, err := pathtree.ParsePattern(e.PathPattern)
		if err != nil {
			return nil, fmt.Errorf("registry entry %s: %w", e.ID, err)
		}
		e.pathTokens = tokens
		if e.Shape == ShapeSiblingRef {
			if e.RefPathPattern == "" {
				return nil, fmt.Errorf("registry entry %s: sibling_ref entry requires a refPathPattern", e.ID)
			}
			refTokens, err := pathtree.ParsePattern(e.RefPathPattern)
			if err != nil {
				return nil, fmt.Errorf("registry entry %s: %w", e.ID, err)
			}
			if pathtree.DynamicTokenCount(refTokens) != pathtree.DynamicTokenCount(tokens) {
				return nil, fmt.Errorf("registry entry %s: refPathPattern dynamic-token count differs from pathPattern", e.ID)
			}
			e.refPathTokens = refTokens
		} else if e.RefPathPattern != "" {
			return nil, fmt.Errorf("registry entry %s: refPathPattern requires sibling_ref shape", e.ID)
		}

		r.entries = append(r.entries, e)
		r.byType[e.TargetType] = append(r.byType[e.TargetType], e)
		for _, alias := range e.Aliases {
			if alias != e.TargetType {
				r.byType[alias] = append(r.byType[alias], e)
			}
		}
		switch e.ConfigFile {
		case FileMain:
			if _, dup := r.byIDMain[e.ID]; dup {
				return nil, fmt.Errorf("registry entry %s: duplicate id", e.ID)
			}
			r.byIDMain[e.ID] = e
		case FileAuthProfile:
			if _, dup := r.byIDAuthStore[e.ID]; dup {
				return nil, fmt.Errorf("registry entry %s: duplicate id", e.ID)
			}
			r.byIDAuthStore[e.ID] = e
		default:
			return nil, fmt.Errorf("registry entry %s: unknown configFile %q", e.ID, e.ConfigFile)
		}
	}
	return r, nil
}

// Entries returns all compiled entries in catalog order.
func (r *Registry) Entries() []*Entry { return r.entries }

// MainEntries returns the entries addressing the main configuration.
func (r *Registry) MainEntries() []*Entry {
	var out []*Entry
	for _, e := range r.entries {
		if e.ConfigFile == FileMain {
			out = append(out, e)
		}
	}
	return out
}

// AuthProfileEntries returns the entries addressing auth-profile stores.
func (r *Registry) AuthProfileEntries() []*Entry {
	var out []*Entry
	for _, e := range r.entries {
		if e.ConfigFile == FileAuthProfile {
			out = append(out, e)
		}
	}
	return out
}

// IsKnownSecretTargetType reports whether t names a registered target type
// or alias.
func (r *Registry) IsKnownSecretTargetType(t string) bool {
	_, ok := r.byType[t]
	return ok
}

// IsKnownSecretTargetID reports whether id names a registered entry in
// either file family.
func (r *Registry) IsKnownSecretTargetID(id string) bool {
	if _, ok := r.byIDMain[id]; ok {
		return true
	}
	_, ok := r.byIDAuthStore[id]
	return ok
}

// EntryByID returns the entry with the given id, preferring main-config
// entries.
func (r *Registry) EntryByID(id string) (*Entry, bool) {
	if e, ok := r.byIDMain[id]; ok {
		return e, true
	}
	e, ok := r.byIDAuthStore[id]
	return e, ok
}

// PlanTarget is the input to ResolvePlanTarget.
type PlanTarget struct {
	Type         string
	PathSegments []string
	ProviderID   string
	AccountID    string
}

// ResolvedTarget is a plan target bound to its registry entry.
type ResolvedTarget struct {
	Entry           *Entry
	PathSegments    []string
	RefPathSegments []string
	Captures        []string
	ProviderID      string
	AccountID       string
}

// ResolvePlanTarget matches a plan target's path against the entries
// registered for its type. When an entry extracts a provider or account id
// from the path, a caller-supplied value must agree. Returns nil when no
// entry accepts the target.
func (r *Registry) ResolvePlanTarget(t PlanTarget) *ResolvedTarget {
	for _, e := range r.byType[t.Type] {
		captures, ok := pathtree.MatchSegments(e.pathTokens, t.PathSegments)
		if !ok {
			continue
		}
		providerID, accountID := extractIDs(e, t.PathSegments)
		if t.ProviderID != "" && providerID != "" && t.ProviderID != providerID {
			continue
		}
		if t.AccountID != "" && accountID != "" && t.AccountID != accountID {
			continue
		}
		rt := &ResolvedTarget{
			Entry:        e,
			PathSegments: append([]string(nil), t.PathSegments...),
			Captures:     captures,
			ProviderID:   providerID,
			AccountID:    accountID,
		}
		if e.Shape == ShapeSiblingRef {
			refSegments, err := pathtree.MaterializeSegments(e.refPathTokens, captures)
			if err != nil {
				continue
			}
			rt.RefPathSegments = refSegments
		}
		return rt
	}
	return nil
}

func extractIDs(e *Entry, segments []string) (providerID, accountID string) {
	if e.ProviderIDSegment >= 0 && e.ProviderIDSegment < len(segments) {
		providerID = segments[e.ProviderIDSegment]
	}
	if e.AccountIDSegment >= 0 && e.AccountIDSegment < len(segments) {
		accountID = segments[e.AccountIDSegment]
	}
	return
}

// Discovered is one concrete secret-bearing location found in a tree.
type Discovered struct {
	Entry           *Entry
	Path            string
	PathSegments    []string
	RefPath         string
	RefPathSegments []string
	Value           any
	RefValue        any
	ProviderID      string
	AccountID       string
}

// DiscoverConfigSecretTargets expands every main-config entry against the
// tree, optionally restricted to the ids in filter. Results deduplicate by
// (id, path).
func (r *Registry) DiscoverConfigSecretTargets(root map[string]any, filter map[string]bool) []Discovered {
	return r.discover(r.MainEntries(), root, filter)
}

// DiscoverAuthProfileSecretTargets expands the auth-profile entries against
// a store document.
func (r *Registry) DiscoverAuthProfileSecretTargets(store map[string]any, filter map[string]bool) []Discovered {
	return r.discover(r.AuthProfileEntries(), store, filter)
}

func (r *Registry) discover(entries []*Entry, root map[string]any, filter map[string]bool) []Discovered {
	var out []Discovered
	seen := map[string]bool{}
	for _, e := range entries {
		if filter != nil && !filter[e.ID] {
			continue
		}
		for _, hit := range pathtree.Expand(e.pathTokens, any(root)) {
			d := Discovered{
				Entry:        e,
				Path:         pathtree.JoinPath(hit.Segments),
				PathSegments: hit.Segments,
				Value:        hit.Value,
			}
			key := e.ID + "\x00" + d.Path
			if seen[key] {
				continue
			}
			seen[key] = true
			d.ProviderID, d.AccountID = extractIDs(e, hit.Segments)
			if e.Shape == ShapeSiblingRef {
				refSegments, err := pathtree.MaterializeSegments(e.refPathTokens, hit.Captures)
				if err != nil {
					continue
				}
				d.RefPathSegments = refSegments
				d.RefPath = pathtree.JoinPath(refSegments)
				if v, ok := pathtree.Get(root, refSegments); ok {
					d.RefValue = v
				}
			}
			out = append(out, d)
		}
		// Sibling-ref entries must also surface locations where only the
		// *Ref side is present (no plaintext value slot).
		if e.Shape == ShapeSiblingRef {
			for _, hit := range pathtree.Expand(e.refPathTokens, any(root)) {
				valueSegments, err := pathtree.MaterializeSegments(e.pathTokens, hit.Captures)
				if err != nil {
					continue
				}
				d := Discovered{
					Entry:           e,
					Path:            pathtree.JoinPath(valueSegments),
					PathSegments:    valueSegments,
					RefPath:         pathtree.JoinPath(hit.Segments),
					RefPathSegments: hit.Segments,
					RefValue:        hit.Value,
				}
				key := e.ID + "\x00" + d.Path
				if seen[key] {
					continue
				}
				seen[key] = true
				d.ProviderID, d.AccountID = extractIDs(e, valueSegments)
				if v, ok := pathtree.Get(root, valueSegments); ok {
					d.Value = v
				}
				out = append(out, d)
			}
		}
	}
	return out
}
