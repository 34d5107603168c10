// Package plan defines the versioned migration plan consumed by the apply
// engine: a list of targets to convert to secret refs, provider upserts and
// deletes, and scrub options. Validation is strict and total; apply never
// sees a plan that has not passed both the JSON schema and the semantic
// checks against the target registry.
package plan

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xeipuuv/gojsonschema"

	"github.com/relaygate/relaygate/internal/config"
	rgerrors "github.com/relaygate/relaygate/internal/errors"
	"github.com/relaygate/relaygate/internal/pathtree"
	"github.com/relaygate/relaygate/internal/ref"
	"github.com/relaygate/relaygate/internal/registry"
)

// Version and ProtocolVersion currently accepted.
const (
	Version         = 1
	ProtocolVersion = 1
)

// Target is one planned ref placement.
type Target struct {
	Type                string   `json:"type"`
	Path                string   `json:"path"`
	PathSegments        []string `json:"pathSegments,omitempty"`
	Ref                 ref.Ref  `json:"ref"`
	AgentID             string   `json:"agentId,omitempty"`
	ProviderID          string   `json:"providerId,omitempty"`
	AccountID           string   `json:"accountId,omitempty"`
	AuthProfileProvider string   `json:"authProfileProvider,omitempty"`
}

// Options toggles the scrub passes. All default to enabled.
type Options struct {
	ScrubEnv                            *bool `json:"scrubEnv,omitempty"`
	ScrubAuthProfilesForProviderTargets *bool `json:"scrubAuthProfilesForProviderTargets,omitempty"`
	ScrubLegacyAuthJSON                 *bool `json:"scrubLegacyAuthJson,omitempty"`
}

func enabled(v *bool) bool { return v == nil || *v }

// ScrubEnvEnabled reports whether .env scrubbing runs.
func (o *Options) ScrubEnvEnabled() bool {
	return o == nil || enabled(o.ScrubEnv)
}

// ScrubAuthProfilesEnabled reports whether auth-profile scrubbing runs for
// provider-tracked targets.
func (o *Options) ScrubAuthProfilesEnabled() bool {
	return o == nil || enabled(o.ScrubAuthProfilesForProviderTargets)
}

// ScrubLegacyEnabled reports whether legacy auth.json scrubbing runs.
func (o *Options) ScrubLegacyEnabled() bool {
	return o == nil || enabled(o.ScrubLegacyAuthJSON)
}

// Plan is the full plan document.
type Plan struct {
	Version         int                              `json:"version"`
	ProtocolVersion int                              `json:"protocolVersion"`
	GeneratedAt     string                           `json:"generatedAt,omitempty"`
	GeneratedBy     string                           `json:"generatedBy,omitempty"`
	Targets         []Target                         `json:"targets"`
	ProviderUpserts map[string]config.ProviderConfig `json:"providerUpserts,omitempty"`
	ProviderDeletes []string                         `json:"providerDeletes,omitempty"`
	Options         *Options                         `json:"options,omitempty"`
}

// forbiddenSegments are rejected everywhere in a plan path so a malicious
// plan cannot smuggle prototype-pollution style keys into the tree.
var forbiddenSegments = map[string]bool{
	"__proto__":   true,
	"prototype":   true,
	"constructor": true,
}

const planSchema = `{
  "type": "object",
  "required": ["version", "protocolVersion", "targets"],
  "properties": {
    "version": {"type": "integer"},
    "protocolVersion": {"type": "integer"},
    "generatedAt": {"type": "string"},
    "generatedBy": {"type": "string"},
    "targets": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "path", "ref"],
        "properties": {
          "type": {"type": "string", "minLength": 1},
          "path": {"type": "string", "minLength": 1},
          "pathSegments": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "ref": {
            "type": "object",
            "required": ["source", "provider", "id"],
            "properties": {
              "source": {"enum": ["env", "file", "exec"]},
              "provider": {"type": "string", "minLength": 1},
              "id": {"type": "string", "minLength": 1}
            },
            "additionalProperties": false
          },
          "agentId": {"type": "string"},
          "providerId": {"type": "string"},
          "accountId": {"type": "string"},
          "authProfileProvider": {"type": "string"}
        },
        "additionalProperties": false
      }
    },
    "providerUpserts": {"type": "object"},
    "providerDeletes": {"type": "array", "items": {"type": "string"}},
    "options": {"type": "object"}
  },
  "additionalProperties": false
}`

// Load reads, schema-checks, and decodes a plan file. Semantic validation
// is separate so callers can validate against a registry of their choosing.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rgerrors.UserError{
			Message:    "Failed to read plan file",
			Details:    err.Error(),
			Suggestion: "Check the --from path",
			Err:        err,
		}
	}
	return Parse(data)
}

// Parse schema-checks and decodes plan bytes.
func Parse(data []byte) (*Plan, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(planSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, rgerrors.PlanInvalidError{Message: err.Error()}
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return nil, rgerrors.PlanInvalidError{
			Field:   first.Field(),
			Message: first.Description(),
		}
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, rgerrors.PlanInvalidError{Message: err.Error()}
	}
	return &p, nil
}

// ResolvedTarget pairs a plan target with its registry binding.
type ResolvedTarget struct {
	Target   Target
	Resolved *registry.ResolvedTarget
}

// Validate runs the full semantic check and binds every target to its
// registry entry.
func (p *Plan) Validate(reg *registry.Registry) ([]ResolvedTarget, error) {
	if p.Version != Version {
		return nil, rgerrors.PlanInvalidError{Field: "version", Message: fmt.Sprintf("unsupported version %d", p.Version)}
	}
	if p.ProtocolVersion != ProtocolVersion {
		return nil, rgerrors.PlanInvalidError{Field: "protocolVersion", Message: fmt.Sprintf("unsupported protocol version %d", p.ProtocolVersion)}
	}
	if p.Targets == nil {
		return nil, rgerrors.PlanInvalidError{Field: "targets", Message: "targets are required"}
	}

	out := make([]ResolvedTarget, 0, len(p.Targets))
	for i, t := range p.Targets {
		field := fmt.Sprintf("targets[%d]", i)
		if !reg.IsKnownSecretTargetType(t.Type) {
			return nil, rgerrors.PlanInvalidError{Field: field + ".type", Message: fmt.Sprintf("unknown target type %q", t.Type)}
		}
		if t.Path == "" {
			return nil, rgerrors.PlanInvalidError{Field: field + ".path", Message: "path is required"}
		}
		segments := t.PathSegments
		if segments == nil {
			segments = pathtree.SplitPath(t.Path)
		} else if pathtree.JoinPath(segments) != t.Path {
			return nil, rgerrors.PlanInvalidError{
				Field:   field + ".pathSegments",
				Message: fmt.Sprintf("pathSegments %v do not serialize to path %q", segments, t.Path),
			}
		}
		for _, seg := range segments {
			if forbiddenSegments[seg] {
				return nil, rgerrors.PlanInvalidError{
					Field:   field + ".path",
					Message: fmt.Sprintf("segment %q is not allowed", seg),
				}
			}
		}
		if err := t.Ref.Validate(); err != nil {
			return nil, rgerrors.PlanInvalidError{Field: field + ".ref", Message: err.Error()}
		}
		resolved := reg.ResolvePlanTarget(registry.PlanTarget{
			Type:         t.Type,
			PathSegments: segments,
			ProviderID:   t.ProviderID,
			AccountID:    t.AccountID,
		})
		if resolved == nil {
			return nil, rgerrors.PlanInvalidError{
				Field:   field + ".path",
				Message: fmt.Sprintf("path %q does not match the registered pattern for type %q", t.Path, t.Type),
			}
		}
		if resolved.Entry.ConfigFile == registry.FileAuthProfile {
			if t.AgentID == "" {
				return nil, rgerrors.PlanInvalidError{Field: field + ".agentId", Message: "auth-profile targets require agentId"}
			}
		}
		out = append(out, ResolvedTarget{Target: t, Resolved: resolved})
	}

	for alias, pc := range p.ProviderUpserts {
		if !ref.ValidProviderAlias(alias) {
			return nil, rgerrors.PlanInvalidError{Field: "providerUpserts", Message: fmt.Sprintf("invalid provider alias %q", alias)}
		}
		if err := pc.Validate(alias); err != nil {
			return nil, rgerrors.PlanInvalidError{Field: "providerUpserts." + alias, Message: err.Error()}
		}
	}
	for _, alias := range p.ProviderDeletes {
		if !ref.ValidProviderAlias(alias) {
			return nil, rgerrors.PlanInvalidError{Field: "providerDeletes", Message: fmt.Sprintf("invalid provider alias %q", alias)}
		}
	}
	return out, nil
}
