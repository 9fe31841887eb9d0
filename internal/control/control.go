// Package control implements the optional local control HTTP surface from
// §6: a single POST endpoint, semantically identical to the Tool Adapter
// Surface, for callers that talk HTTP instead of embedding the adapter
// directly. No HTTP framework appears anywhere in the teacher or the rest of
// the retrieval pack for a surface this small, so it is built on net/http
// directly rather than importing one.
package control

import (
	"encoding/json"
	"net/http"

	"github.com/gasoline-dev/tabrouter/internal/adapter"
	"github.com/gasoline-dev/tabrouter/internal/envelope"
	"github.com/gasoline-dev/tabrouter/internal/telemetry"
)

// SessionTokenHeader names the required header carrying the caller's opaque
// session token (§6: "a required header naming the session token").
const SessionTokenHeader = "X-Session-Token"

// SecretHeader names the optional shared-secret header checked when Secret
// is configured.
const SecretHeader = "X-Control-Secret"

type request struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	TabID   *envelope.TabID `json:"tabId,omitempty"`
}

// Server is an http.Handler exposing the control surface over the Tool
// Adapter Surface it wraps.
type Server struct {
	adapter *adapter.Adapter
	secret  string
	logger  telemetry.Logger
}

// Option configures a Server at construction.
type Option func(*Server)

// WithLogger overrides the server's logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New builds a control Server. secret may be empty, in which case no
// shared-secret check is performed (§6 Non-goals: "no authentication beyond
// optional shared secret").
func New(a *adapter.Adapter, secret string, opts ...Option) *Server {
	s := &Server{adapter: a, secret: secret, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP implements the single POST endpoint described in §6.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.secret != "" && r.Header.Get(SecretHeader) != s.secret {
		http.Error(w, "invalid control secret", http.StatusUnauthorized)
		return
	}

	sessionToken := r.Header.Get(SessionTokenHeader)
	if sessionToken == "" {
		http.Error(w, "missing "+SessionTokenHeader, http.StatusBadRequest)
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	result := s.adapter.HandleToolCall(r.Context(), adapter.ToolCall{
		SessionToken: sessionToken,
		Name:         req.Type,
		Arguments:    req.Payload,
		TabID:        req.TabID,
	})

	w.Header().Set("Content-Type", "application/json")
	if result.Error != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": result.Error.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]json.RawMessage{"payload": result.Payload})
}
