// Package channels holds the per-channel helpers the secrets subsystem
// shares with the channel clients. The Tlon outbound normalizer is the
// representative of the per-channel normalizer shape: it canonicalizes a
// user-supplied target into the peer identity plus the from/to session
// labels used for outbound delivery.
package channels

import "strings"

// PeerKind discriminates direct and group peers.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// TlonSession is a normalized outbound target.
type TlonSession struct {
	Kind PeerKind
	ID   string
	From string
	To   string
}

// NormalizeTlonTarget decodes a raw target into a session. Accepted forms:
// a ship ("~zod" or "zod"), "dm:<ship>", "group:<host>/<name>", a bare
// "<host>/<name>" pair, an explicit "chat/..." channel path, or an opaque
// "group:" id. Blank input returns nil.
func NormalizeTlonTarget(target string) *TlonSession {
	t := strings.TrimSpace(target)
	t = strings.TrimPrefix(t, "tlon:")
	t = strings.TrimSpace(t)
	if t == "" {
		return nil
	}

	switch {
	case strings.HasPrefix(t, "dm:"):
		return directSession(strings.TrimPrefix(t, "dm:"))

	case strings.HasPrefix(t, "group:"):
		rest := strings.TrimSpace(strings.TrimPrefix(t, "group:"))
		if rest == "" {
			return nil
		}
		if strings.HasPrefix(rest, "chat/") {
			return groupSession(rest)
		}
		if host, name, ok := splitHostChannel(rest); ok {
			return groupSession("chat/" + ensureSig(host) + "/" + name)
		}
		// Opaque group id: pass through untouched.
		return groupSession(rest)

	case strings.HasPrefix(t, "chat/"):
		return groupSession(t)

	default:
		if host, name, ok := splitHostChannel(t); ok {
			return groupSession("chat/" + ensureSig(host) + "/" + name)
		}
		return directSession(t)
	}
}

func directSession(ship string) *TlonSession {
	ship = strings.TrimSpace(ship)
	if ship == "" {
		return nil
	}
	ship = ensureSig(ship)
	return &TlonSession{
		Kind: PeerDirect,
		ID:   ship,
		From: "tlon:" + ship,
		To:   "tlon:" + ship,
	}
}

func groupSession(id string) *TlonSession {
	return &TlonSession{
		Kind: PeerGroup,
		ID:   id,
		From: "tlon:group:" + id,
		To:   "tlon:" + id,
	}
}

// splitHostChannel matches the bare "host/name" form.
func splitHostChannel(s string) (host, name string, ok bool) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ensureSig prepends the ~ a ship id carries canonically.
func ensureSig(ship string) string {
	if strings.HasPrefix(ship, "~") {
		return ship
	}
	return "~" + ship
}
