package config

import (
	"path/filepath"

	"github.com/relaygate/relaygate/internal/pathtree"
)

// EnvFilePath returns the .env location beside the main config.
func (c *Config) EnvFilePath() string {
	return filepath.Join(filepath.Dir(c.Path), ".env")
}

// LegacyAuthStorePath returns the location of the pre-profile auth.json,
// which the audit engine reads and the apply engine may scrub.
func (c *Config) LegacyAuthStorePath() string {
	return filepath.Join(c.stateDir(), "auth.json")
}

func (c *Config) stateDir() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	return filepath.Join(filepath.Dir(c.Path), "state")
}

// AgentIDs lists the agents declared in the config tree: the entries of
// agents.list plus the implicit "main" agent.
func AgentIDs(tree map[string]any) []string {
	ids := []string{"main"}
	seen := map[string]bool{"main": true}
	node, ok := pathtree.Get(tree, []string{"agents", "list"})
	if !ok {
		return ids
	}
	arr, ok := node.([]any)
	if !ok {
		return ids
	}
	for _, elem := range arr {
		m, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		id, ok := m["id"].(string)
		if !ok || id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// AuthStorePath resolves the auth-profiles.json path for an agent: the
// agent's configured directory when present, otherwise the default layout
// under the state directory.
func (c *Config) AuthStorePath(tree map[string]any, agentID string) string {
	if dir := configuredAgentDir(tree, agentID); dir != "" {
		return filepath.Join(dir, "auth-profiles.json")
	}
	return filepath.Join(c.stateDir(), "agents", agentID, "agent", "auth-profiles.json")
}

func configuredAgentDir(tree map[string]any, agentID string) string {
	node, ok := pathtree.Get(tree, []string{"agents", "list"})
	if !ok {
		return ""
	}
	arr, ok := node.([]any)
	if !ok {
		return ""
	}
	for _, elem := range arr {
		m, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := m["id"].(string); id != agentID {
			continue
		}
		if dir, ok := m["dir"].(string); ok && dir != "" {
			return dir
		}
		return ""
	}
	return ""
}
