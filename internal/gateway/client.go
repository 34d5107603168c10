package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/pathtree"
	"github.com/relaygate/relaygate/internal/ref"
	"github.com/relaygate/relaygate/internal/registry"
	"github.com/relaygate/relaygate/internal/resolve"
	"github.com/relaygate/relaygate/internal/snapshot"
)

// Client calls the gateway RPC surface.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient builds a client for the gateway at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Call invokes one RPC method, decoding the success payload into out.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{"method": method, "params": json.RawMessage(rawParams)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		OK    bool            `json:"ok"`
		Error *rpcError       `json:"error"`
		Raw   json.RawMessage `json:"-"`
	}
	raw, err := decodeAll(resp)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("malformed gateway reply: %w", err)
	}
	if !envelope.OK {
		if envelope.Error != nil {
			return fmt.Errorf("gateway error %s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("gateway returned a failure without an error object")
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func decodeAll(resp *http.Response) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("malformed gateway reply: %w", err)
	}
	return raw, nil
}

// resolveReply is the secrets.resolve success payload.
type resolveReply struct {
	OK          bool                         `json:"ok"`
	Assignments []snapshot.CommandAssignment `json:"assignments"`
	Diagnostics []string                     `json:"diagnostics"`
}

// ResolveCommandSecretRefsViaGateway hydrates the requested target ids in a
// local config tree from the gateway's live snapshot. When none of the
// requested targets is configured as a ref locally, the tree is returned
// unchanged without a gateway round-trip. Hydrated values are written with
// strict existing-path semantics; a gateway assignment whose path the local
// tree lacks is an error, not a silent create.
func ResolveCommandSecretRefsViaGateway(ctx context.Context, client *Client, localTree map[string]any, commandName string, targetIDs []string) (map[string]any, error) {
	reg, err := registry.Compile()
	if err != nil {
		return nil, err
	}
	defaults := treeDefaults(localTree)

	filter := map[string]bool{}
	for _, id := range targetIDs {
		if !reg.IsKnownSecretTargetID(id) {
			return nil, fmt.Errorf("unknown secret target id %q", id)
		}
		filter[id] = true
	}

	discovered := reg.DiscoverConfigSecretTargets(localTree, filter)
	anyRef := false
	for _, d := range discovered {
		if input := ref.ResolveInput(d.Value, d.RefValue, defaults); input.Ref != nil {
			anyRef = true
			break
		}
	}
	if !anyRef {
		return localTree, nil
	}

	var reply resolveReply
	if err := client.Call(ctx, "secrets.resolve", map[string]any{
		"commandName": commandName,
		"targetIds":   targetIDs,
	}, &reply); err != nil {
		return nil, err
	}

	hydrated := pathtree.CloneMap(localTree)
	assigned := map[string]bool{}
	for _, a := range reply.Assignments {
		if len(a.PathSegments) == 0 || pathtree.JoinPath(a.PathSegments) != a.Path {
			return nil, fmt.Errorf("gateway returned a malformed assignment for %q", a.Path)
		}
		if _, err := pathtree.SetExisting(hydrated, a.PathSegments, a.Value); err != nil {
			return nil, fmt.Errorf("gateway assignment targets %s, which the local config does not define: %w", a.Path, err)
		}
		assigned[a.Path] = true
	}

	// Diagnostics carrying the inactive-surface sentinel mark paths the
	// snapshot deliberately skipped.
	inactive := map[string]bool{}
	for _, diag := range reply.Diagnostics {
		if idx := strings.Index(diag, resolve.InactiveSurfaceSentinel); idx > 0 {
			inactive[diag[:idx]] = true
		}
	}

	// Cross-check: every locally configured ref must now be hydrated or
	// known-inactive.
	for _, d := range discovered {
		input := ref.ResolveInput(d.Value, d.RefValue, defaults)
		if input.Ref == nil || assigned[d.Path] || inactive[d.Path] {
			continue
		}
		return nil, fmt.Errorf("secret ref at %s was not resolved by the gateway", d.Path)
	}
	return hydrated, nil
}

func treeDefaults(tree map[string]any) ref.Defaults {
	var defaults ref.Defaults
	node, ok := pathtree.Get(tree, []string{"secrets", "defaults"})
	if !ok {
		return defaults
	}
	m, ok := node.(map[string]any)
	if !ok {
		return defaults
	}
	defaults.Env, _ = m["env"].(string)
	defaults.File, _ = m["file"].(string)
	defaults.Exec, _ = m["exec"].(string)
	return defaults
}
