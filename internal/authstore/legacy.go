package authstore

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/relaygate/relaygate/internal/config"
)

// LegacyStore is the pre-profile auth.json: a flat provider-id to entry
// mapping. It is read for audit residue detection and scrubbed by apply;
// nothing else writes it.
type LegacyStore struct {
	Path    string
	Entries map[string]map[string]any
}

// LoadLegacy reads the legacy store; a missing file yields an empty store.
func LoadLegacy(path string) (*LegacyStore, error) {
	store := &LegacyStore{Path: path, Entries: map[string]map[string]any{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for provider, entry := range raw {
		if m, ok := entry.(map[string]any); ok {
			store.Entries[provider] = m
		}
	}
	return store, nil
}

// StaticAPIKeyProviders lists the providers with api_key entries, sorted.
func (s *LegacyStore) StaticAPIKeyProviders() []string {
	var out []string
	for provider, entry := range s.Entries {
		if t, _ := entry["type"].(string); t == TypeAPIKey {
			out = append(out, provider)
		}
	}
	sort.Strings(out)
	return out
}

// ScrubAPIKeys removes every api_key entry, returning the removed provider
// ids and their prior key values.
func (s *LegacyStore) ScrubAPIKeys() (providers []string, values []string) {
	for _, provider := range s.StaticAPIKeyProviders() {
		entry := s.Entries[provider]
		if key, ok := entry["key"].(string); ok && key != "" {
			values = append(values, key)
		}
		delete(s.Entries, provider)
		providers = append(providers, provider)
	}
	return
}

// Save writes the legacy store atomically at mode 0600.
func (s *LegacyStore) Save() error {
	raw := make(map[string]any, len(s.Entries))
	for provider, entry := range s.Entries {
		raw[provider] = entry
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(s.Path, append(data, '\n'), 0o600)
}
