package resolve

import (
	"fmt"
	"strings"

	"github.com/relaygate/relaygate/internal/pathtree"
	"github.com/relaygate/relaygate/internal/ref"
	"github.com/relaygate/relaygate/internal/registry"
)

// surfaceActive decides, per discovered target, whether the surface the ref
// sits on is live. An inactive surface skips resolution and records a
// diagnostic; it never fails activation.
//
// Activeness is computed per field. The channel rules share one inheritance
// model: a top-level field matters only while some enabled account would
// actually inherit it, and an account field matters only while both the
// channel and the account are enabled.
func surfaceActive(root map[string]any, defaults ref.Defaults, d registry.Discovered) (bool, string) {
	segs := d.PathSegments
	switch {
	case segs[0] == "models" && len(segs) == 4:
		if flagIsFalse(root, "models", "providers", d.ProviderID, "enabled") {
			return false, fmt.Sprintf("model provider %q is disabled", d.ProviderID)
		}
		return true, ""

	case segs[0] == "skills" && len(segs) == 4:
		if flagIsFalse(root, "skills", "entries", segs[2], "enabled") {
			return false, fmt.Sprintf("skill %q is disabled", segs[2])
		}
		return true, ""

	case d.Entry.ID == "tools.webSearch.apiKey":
		if flagIsFalse(root, "tools", "webSearch", "enabled") {
			return false, "web search is disabled"
		}
		return true, ""

	case d.Entry.ID == "tools.webSearch.providers.*.apiKey":
		if flagIsFalse(root, "tools", "webSearch", "enabled") {
			return false, "web search is disabled"
		}
		if flagIsFalse(root, "tools", "webSearch", "providers", d.ProviderID, "enabled") {
			return false, fmt.Sprintf("web search provider %q is disabled", d.ProviderID)
		}
		return true, ""

	case d.Entry.ID == "gateway.auth.password":
		if mode := getString(root, "gateway", "auth", "mode"); mode != "password" {
			return false, `gateway auth mode is not "password"`
		}
		return true, ""

	case d.Entry.ID == "gateway.auth.token":
		if mode := getString(root, "gateway", "auth", "mode"); mode == "password" {
			return false, `gateway auth mode is "password"`
		}
		return true, ""

	case d.Entry.ID == "gateway.remote.token" || d.Entry.ID == "gateway.remote.password":
		if _, ok := getMap(root, "gateway", "remote"); !ok {
			return false, "gateway remote mode is not configured"
		}
		if flagIsFalse(root, "gateway", "remote", "enabled") {
			return false, "gateway remote mode is disabled"
		}
		// A configured local auth secret takes effect instead of the
		// remote credential.
		if localAuthSecretConfigured(root, defaults) {
			return false, "a local gateway auth secret takes precedence"
		}
		return true, ""

	case d.Entry.ID == "agents.defaults.memorySearch.remote.apiKey":
		if overridden, all := everyEnabledAgentOverrides(root, defaults); all && overridden {
			return false, "every enabled agent overrides memorySearch.remote.apiKey"
		}
		return true, ""

	case strings.HasPrefix(d.Entry.ID, "agents.list[]"):
		if agentDisabledAt(root, segs) {
			return false, "the agent is disabled"
		}
		return true, ""

	case segs[0] == "channels":
		return channelSurfaceActive(root, defaults, d)
	}
	return true, ""
}

// channelSurfaceActive applies the shared account-inheritance model plus the
// per-channel extras.
func channelSurfaceActive(root map[string]any, defaults ref.Defaults, d registry.Discovered) (bool, string) {
	channel := d.PathSegments[1]
	channelNode, _ := getMap(root, "channels", channel)
	if boolField(channelNode, "enabled") == falseValue {
		return false, fmt.Sprintf("channel %q is disabled", channel)
	}

	isAccount := d.AccountID != ""
	var fieldSegs []string
	if isAccount {
		fieldSegs = d.PathSegments[4:]
	} else {
		fieldSegs = d.PathSegments[2:]
	}

	accounts := accountsOf(channelNode)

	if isAccount {
		account, ok := accounts[d.AccountID]
		if !ok {
			return true, ""
		}
		if boolField(account, "enabled") == falseValue {
			return false, fmt.Sprintf("account %q is disabled", d.AccountID)
		}
		if subSurfaceDisabled(channelNode, account, fieldSegs) {
			return false, subSurfaceReason(fieldSegs)
		}
		return channelFieldExtras(channel, channelNode, account, fieldSegs)
	}

	// Top-level field.
	if len(accounts) > 0 {
		inherited := false
		for _, account := range accounts {
			if boolField(account, "enabled") == falseValue {
				continue
			}
			if !accountOverrides(account, fieldSegs, d.Entry, defaults) {
				inherited = true
				break
			}
		}
		if !inherited {
			return false, "no enabled account inherits this value"
		}
	}
	if subSurfaceDisabled(channelNode, nil, fieldSegs) {
		return false, subSurfaceReason(fieldSegs)
	}
	return channelFieldExtras(channel, channelNode, nil, fieldSegs)
}

// channelFieldExtras applies the telegram/slack field-specific gates. The
// account mapping may be nil for top-level fields; lookups fall back from
// account scope to channel scope.
func channelFieldExtras(channel string, channelNode, account map[string]any, fieldSegs []string) (bool, string) {
	field := strings.Join(fieldSegs, ".")
	inherit := func(name string) string {
		if account != nil {
			if v, ok := account[name].(string); ok {
				return v
			}
			if _, defined := account[name]; defined {
				return ""
			}
		}
		v, _ := channelNode[name].(string)
		return v
	}
	switch {
	case channel == "telegram" && field == "botToken":
		if inherit("tokenFile") != "" {
			return false, "a tokenFile supplies the bot token"
		}
	case channel == "telegram" && field == "webhookSecret":
		if inherit("webhookUrl") == "" {
			return false, "no webhookUrl is configured"
		}
	case channel == "slack" && field == "signingSecret":
		if mode := inherit("mode"); mode != "http" {
			return false, `slack mode is not "http"`
		}
	}
	return true, ""
}

// subSurfaceDisabled walks the relative field path (pluralkit.token,
// voice.tts.elevenlabs.apiKey) and reports whether any intermediate object
// turns itself off. Account scope wins over channel scope per intermediate.
func subSurfaceDisabled(channelNode, account map[string]any, fieldSegs []string) bool {
	for i := 1; i < len(fieldSegs); i++ {
		prefix := fieldSegs[:i]
		node := resolveNested(account, prefix)
		if node == nil {
			node = resolveNested(channelNode, prefix)
		}
		if node != nil && boolField(node, "enabled") == falseValue {
			return true
		}
	}
	return false
}

func subSurfaceReason(fieldSegs []string) string {
	if len(fieldSegs) > 1 {
		return fmt.Sprintf("the %s surface is disabled", strings.Join(fieldSegs[:len(fieldSegs)-1], "."))
	}
	return "the surface is disabled"
}

func resolveNested(node map[string]any, segs []string) map[string]any {
	if node == nil {
		return nil
	}
	current := node
	for _, seg := range segs {
		next, ok := current[seg].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

// accountOverrides reports whether the account defines its own value for
// the field (plaintext or ref, including the sibling *Ref slot).
func accountOverrides(account map[string]any, fieldSegs []string, entry *registry.Entry, defaults ref.Defaults) bool {
	if v, ok := pathtree.Get(account, fieldSegs); ok && ref.HasConfiguredSecretInput(v, defaults) {
		return true
	}
	if entry.Shape == registry.ShapeSiblingRef && len(fieldSegs) > 0 {
		refSegs := append(append([]string(nil), fieldSegs[:len(fieldSegs)-1]...), fieldSegs[len(fieldSegs)-1]+"Ref")
		if v, ok := pathtree.Get(account, refSegs); ok && ref.Coerce(v, defaults) != nil {
			return true
		}
	}
	return false
}

// localAuthSecretConfigured reports whether the mode-effective local gateway
// auth secret has usable input, suppressing remote credentials.
func localAuthSecretConfigured(root map[string]any, defaults ref.Defaults) bool {
	mode := getString(root, "gateway", "auth", "mode")
	field := "token"
	if mode == "password" {
		field = "password"
	}
	v, ok := pathtree.Get(root, []string{"gateway", "auth", field})
	return ok && ref.HasConfiguredSecretInput(v, defaults)
}

// everyEnabledAgentOverrides reports whether all enabled agents define their
// own memorySearch.remote.apiKey. The second return is false when there are
// no agents to consider.
func everyEnabledAgentOverrides(root map[string]any, defaults ref.Defaults) (bool, bool) {
	node, ok := pathtree.Get(root, []string{"agents", "list"})
	if !ok {
		return false, false
	}
	arr, ok := node.([]any)
	if !ok || len(arr) == 0 {
		return false, false
	}
	sawEnabled := false
	for _, elem := range arr {
		agent, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		if boolField(agent, "enabled") == falseValue {
			continue
		}
		sawEnabled = true
		v, ok := pathtree.Get(agent, []string{"memorySearch", "remote", "apiKey"})
		if !ok || !ref.HasConfiguredSecretInput(v, defaults) {
			return false, true
		}
	}
	return sawEnabled, sawEnabled
}

// agentDisabledAt checks the enabled flag of the agents.list element the
// path runs through (segments: agents list <idx> ...).
func agentDisabledAt(root map[string]any, segs []string) bool {
	if len(segs) < 3 {
		return false
	}
	node, ok := pathtree.Get(root, segs[:3])
	if !ok {
		return false
	}
	agent, ok := node.(map[string]any)
	return ok && boolField(agent, "enabled") == falseValue
}

func accountsOf(channelNode map[string]any) map[string]map[string]any {
	out := map[string]map[string]any{}
	raw, ok := channelNode["accounts"].(map[string]any)
	if !ok {
		return out
	}
	for id, v := range raw {
		if m, ok := v.(map[string]any); ok {
			out[id] = m
		}
	}
	return out
}

type triBool int

const (
	unsetValue triBool = iota
	trueValue
	falseValue
)

func boolField(node map[string]any, field string) triBool {
	if node == nil {
		return unsetValue
	}
	v, ok := node[field].(bool)
	if !ok {
		return unsetValue
	}
	if v {
		return trueValue
	}
	return falseValue
}

func flagIsFalse(root map[string]any, segs ...string) bool {
	v, ok := pathtree.Get(root, segs)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && !b
}

func getString(root map[string]any, segs ...string) string {
	v, ok := pathtree.Get(root, segs)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func getMap(root map[string]any, segs ...string) (map[string]any, bool) {
	v, ok := pathtree.Get(root, segs)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}
