// Package gateway exposes the secrets RPC surface: secrets.reload and
// secrets.resolve over a JSON envelope, plus the Prometheus metrics endpoint
// and an optional config watcher that funnels file changes into the same
// reload state machine. CLI tools hydrate secret refs through this surface
// instead of resolving providers themselves.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xeipuuv/gojsonschema"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/registry"
	"github.com/relaygate/relaygate/internal/resolve"
	"github.com/relaygate/relaygate/internal/snapshot"
)

// RPC error codes.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnavailable    = "UNAVAILABLE"
)

// rpcRequest is the envelope for POST /rpc.
type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// rpcError is the error half of the envelope.
type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const resolveParamsSchema = `{
  "type": "object",
  "required": ["commandName", "targetIds"],
  "properties": {
    "commandName": {"type": "string", "minLength": 1},
    "targetIds": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    }
  },
  "additionalProperties": false
}`

const reloadParamsSchema = `{"type": "object", "additionalProperties": false}`

// Server serves the secrets RPC surface.
type Server struct {
	cfg       *config.Config
	activator *snapshot.Activator
	registry  *prometheus.Registry
	logger    *logging.Logger
}

// NewServer wires the RPC surface to an activator.
func NewServer(cfg *config.Config, activator *snapshot.Activator, metricsReg *prometheus.Registry) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(false, true)
	}
	return &Server{cfg: cfg, activator: activator, registry: metricsReg, logger: logger}
}

// Handler returns the HTTP mux: /rpc for the envelope, /metrics for
// Prometheus.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "POST only")
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed request envelope")
		return
	}
	switch req.Method {
	case "secrets.reload":
		s.handleReload(w, r.Context(), req.Params)
	case "secrets.resolve":
		s.handleResolve(w, req.Params)
	default:
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "unknown method "+req.Method)
	}
}

func (s *Server) handleReload(w http.ResponseWriter, ctx context.Context, params json.RawMessage) {
	if !validateParams(w, reloadParamsSchema, params) {
		return
	}
	err := s.activator.Reload(ctx, resolve.Options{Config: s.cfg}, false)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
		return
	}
	snap := s.activator.Active()
	writeJSON(w, map[string]any{
		"ok":           true,
		"warningCount": len(snap.Warnings),
	})
}

type resolveParams struct {
	CommandName string   `json:"commandName"`
	TargetIDs   []string `json:"targetIds"`
}

func (s *Server) handleResolve(w http.ResponseWriter, params json.RawMessage) {
	if !validateParams(w, resolveParamsSchema, params) {
		return
	}
	var p resolveParams
	if err := json.Unmarshal(params, &p); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed params")
		return
	}
	reg, err := registry.Compile()
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeUnavailable, err.Error())
		return
	}
	for _, id := range p.TargetIDs {
		if !reg.IsKnownSecretTargetID(id) {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "unknown target id "+id)
			return
		}
	}
	if s.activator.Active() == nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "no active snapshot")
		return
	}
	secrets, err := s.activator.ResolveCommandSecrets(p.CommandName, p.TargetIDs, nil)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"ok":          true,
		"assignments": secrets.Assignments,
		"diagnostics": secrets.Diagnostics,
	})
}

func validateParams(w http.ResponseWriter, schema string, params json.RawMessage) bool {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(params),
	)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed params")
		return false
	}
	if !result.Valid() {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, result.Errors()[0].String())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":    false,
		"error": rpcError{Code: code, Message: message},
	})
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("Gateway RPC listening on %s", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
