// Package authstore reads and writes the per-agent auth-profile stores and
// the legacy auth.json file. The store document is kept as a raw JSON tree
// so the path engine and registry discovery can address profile fields the
// same way they address the main config; typed helpers wrap the common
// profile operations.
package authstore

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/pathtree"
)

// Profile types the store recognizes. OAuth profiles are carried but never
// resolve through refs.
const (
	TypeAPIKey = "api_key"
	TypeToken  = "token"
	TypeOAuth  = "oauth"
)

var profileIDRe = regexp.MustCompile(`^[A-Za-z0-9:_\-]{1,128}$`)

// ValidProfileID reports whether id matches the profile id grammar.
func ValidProfileID(id string) bool { return profileIDRe.MatchString(id) }

// Store is one agent's auth-profile document.
type Store struct {
	Path string
	Doc  map[string]any
}

// New returns an empty version-1 store rooted at path.
func New(path string) *Store {
	return &Store{
		Path: path,
		Doc: map[string]any{
			"version":  1,
			"profiles": map[string]any{},
		},
	}
}

// Load reads the store at path. A missing file yields an empty store.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(path), nil
		}
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("auth store %s: %w", path, err)
	}
	if v, ok := doc["version"]; ok {
		if n, ok := asInt(v); !ok || n != 1 {
			return nil, fmt.Errorf("auth store %s: unsupported version %v", path, v)
		}
	}
	if _, ok := doc["profiles"].(map[string]any); !ok {
		if doc["profiles"] == nil {
			doc["profiles"] = map[string]any{}
		} else {
			return nil, fmt.Errorf("auth store %s: profiles must be a mapping", path)
		}
	}
	return &Store{Path: path, Doc: doc}, nil
}

// Save writes the store atomically at mode 0600.
func (s *Store) Save() error {
	data, err := json.MarshalIndent(s.Doc, "", "  ")
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(s.Path, append(data, '\n'), 0o600)
}

// Clone deep-copies the store.
func (s *Store) Clone() *Store {
	return &Store{Path: s.Path, Doc: pathtree.CloneMap(s.Doc)}
}

// Profiles returns the profile mapping, never nil.
func (s *Store) Profiles() map[string]any {
	p, _ := s.Doc["profiles"].(map[string]any)
	if p == nil {
		p = map[string]any{}
		s.Doc["profiles"] = p
	}
	return p
}

// ProfileIDs returns the profile ids sorted.
func (s *Store) ProfileIDs() []string {
	profiles := s.Profiles()
	ids := make([]string, 0, len(profiles))
	for id := range profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Profile returns the profile object for id, if present.
func (s *Store) Profile(id string) (map[string]any, bool) {
	p, ok := s.Profiles()[id].(map[string]any)
	return p, ok
}

// ProfileField reads a string field of a profile.
func (s *Store) ProfileField(id, field string) string {
	p, ok := s.Profile(id)
	if !ok {
		return ""
	}
	v, _ := p[field].(string)
	return v
}

// EnsureProfile returns the profile for id, creating it with the given type
// and provider when absent. An existing profile with a different type is
// refused; an existing profile without a provider gets one.
func (s *Store) EnsureProfile(id, profileType, provider string) (map[string]any, error) {
	if !ValidProfileID(id) {
		return nil, fmt.Errorf("invalid profile id %q", id)
	}
	profiles := s.Profiles()
	if existing, ok := profiles[id].(map[string]any); ok {
		if t, _ := existing["type"].(string); t != "" && t != profileType {
			return nil, fmt.Errorf("profile %q has type %q, expected %q", id, t, profileType)
		}
		if _, ok := existing["provider"].(string); !ok && provider != "" {
			existing["provider"] = provider
		}
		return existing, nil
	}
	if provider == "" {
		return nil, fmt.Errorf("profile %q does not exist and no provider was given", id)
	}
	created := map[string]any{"type": profileType, "provider": provider}
	profiles[id] = created
	return created, nil
}

// NormalizeProvider lowercases and trims a provider id for comparisons.
func NormalizeProvider(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// HasStaticCredential reports whether the profile holds a usable plaintext
// or ref credential (api_key or token types), or an OAuth residue.
func HasStaticCredential(profile map[string]any) (static bool, oauth bool) {
	t, _ := profile["type"].(string)
	switch t {
	case TypeAPIKey:
		static = hasValue(profile, "key") || profile["keyRef"] != nil
	case TypeToken:
		static = hasValue(profile, "token") || profile["tokenRef"] != nil
	case TypeOAuth:
		oauth = true
	}
	return
}

func hasValue(profile map[string]any, field string) bool {
	v, ok := profile[field].(string)
	return ok && v != ""
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
