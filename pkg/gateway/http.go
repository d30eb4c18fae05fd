package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mahi-systems/mahid/pkg/mahierr"
	"github.com/mahi-systems/mahid/pkg/metrics"
)

type ctxKey int

const ctxKeyToken ctxKey = iota

func (s *Server) buildHTTPRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/v1/status", s.requireScope("status", s.handleStatus))
	r.Post("/v1/query", s.requireScope("query", s.handleQuery))
	r.Post("/v1/index", s.requireScope("index", s.handleIndex))
	r.Post("/v1/plan", s.requireScope("plan", s.handlePlan))
	r.Post("/v1/execute", s.requireScope("execute", s.handleExecute))
	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	return r
}

func (s *Server) requireScope(scope string, next http.HandlerFunc) http.HandlerFunc {
	instrumented := instrumentHTTP(scope, next)
	return func(w http.ResponseWriter, req *http.Request) {
		token := extractTokenFromHeaders(req)
		tok := s.auth.Validate(token, scope)
		if tok == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		if err := s.auth.RecordUsage(tok.Value); err != nil {
			if mahierr.Is(err, mahierr.RateLimitExceeded) {
				metrics.AuthRateLimitedTotal.Inc()
				writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate_limit_exceeded"})
				return
			}
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		ctx := context.WithValue(req.Context(), ctxKeyToken, tok.Value)
		instrumented(w, req.WithContext(ctx))
	}
}

// instrumentHTTP wraps next so every call to the named operation counts
// towards mahi_gateway_requests_total and mahi_gateway_request_duration_seconds
// under the "http" transport label.
func instrumentHTTP(op string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		timer := metrics.NewTimer()
		next(w, req)
		metrics.GatewayRequestsTotal.WithLabelValues("http", op).Inc()
		timer.ObserveDurationVec(metrics.GatewayRequestDuration, "http", op)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": s.metrics(),
		"gateway": s.registry.Snapshot(),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Query string `json:"query"`
		K     int    `json:"k"`
	}
	if !decodeJSON(w, req, &body) {
		return
	}
	body.Query = strings.TrimSpace(body.Query)
	if body.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "query required"})
		return
	}
	if body.K == 0 {
		body.K = 5
	}

	result, err := s.disp.Submit(req.Context(), func(ctx context.Context) (any, error) {
		return s.backend.Query(ctx, body.Query, body.K)
	})
	if err != nil {
		writeTimeoutOrError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": result})
}

func (s *Server) handleIndex(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Text   string `json:"text"`
		Source string `json:"source"`
	}
	if !decodeJSON(w, req, &body) {
		return
	}
	body.Text = strings.TrimSpace(body.Text)
	if body.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "text required"})
		return
	}
	if body.Source == "" {
		body.Source = "http"
	}

	result, err := s.disp.Submit(req.Context(), func(ctx context.Context) (any, error) {
		return s.backend.Index(ctx, body.Text, body.Source)
	})
	if err != nil {
		writeTimeoutOrError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"doc_id": result})
}

func (s *Server) handlePlan(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Goal   string         `json:"goal"`
		Params map[string]any `json:"params"`
	}
	if !decodeJSON(w, req, &body) {
		return
	}
	body.Goal = strings.TrimSpace(body.Goal)
	if body.Goal == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "goal required"})
		return
	}

	result, err := s.disp.Submit(req.Context(), func(ctx context.Context) (any, error) {
		return s.backend.Plan(ctx, body.Goal, body.Params)
	})
	if err != nil {
		writeTimeoutOrError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": result})
}

// handleExecute runs a single sandboxed action through the Sandbox
// Harness (spec.md's "action execution requests flow through the
// Sandbox Harness"), returning its SandboxResult verbatim — including
// failures, which the Harness reports inside the result rather than as
// an error.
func (s *Server) handleExecute(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Target string         `json:"target"`
		Args   []any          `json:"args"`
		Kwargs map[string]any `json:"kwargs"`
	}
	if !decodeJSON(w, req, &body) {
		return
	}
	body.Target = strings.TrimSpace(body.Target)
	if body.Target == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "target required"})
		return
	}

	result, err := s.executeAction(req.Context(), body.Target, body.Args, body.Kwargs)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func extractTokenFromHeaders(req *http.Request) string {
	auth := req.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if tok := req.Header.Get("X-Mahi-Token"); tok != "" {
		return strings.TrimSpace(tok)
	}
	return ""
}

// decodeJSON mirrors the original's request.get_json(silent=True) or
// {}: a missing, empty, or malformed body is tolerated and decodes to
// v's zero value, deferring to the per-field "<field> required" 400
// response rather than a separate invalid_json one.
func decodeJSON(w http.ResponseWriter, req *http.Request, v any) bool {
	if req.Body != nil {
		_ = json.NewDecoder(req.Body).Decode(v)
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeTimeoutOrError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": err.Error()})
}
