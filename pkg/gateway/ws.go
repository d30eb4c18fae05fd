package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahi-systems/mahid/pkg/mahierr"
	"github.com/mahi-systems/mahid/pkg/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS implements the WS session protocol: authenticate once at
// connect time (scope "stream"), send {"type":"ready"}, then process
// one JSON message at a time in strict FIFO order for this connection
// (SPEC_FULL.md §5's per-connection ordering guarantee).
func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	token := extractTokenFromQuery(req.URL)
	tok := s.auth.Validate(token, "stream")
	if tok == nil {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(4401, "unauthorized"), time.Now().Add(time.Second))
		conn.Close()
		return
	}
	if err := s.auth.RecordUsage(tok.Value); err != nil {
		conn, uerr := upgrader.Upgrade(w, req, nil)
		if uerr != nil {
			return
		}
		code := 4429
		if mahierr.Is(err, mahierr.RateLimitExceeded) {
			metrics.AuthRateLimitedTotal.Inc()
		} else {
			code = 4401
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(time.Second))
		conn.Close()
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "ready"}); err != nil {
		return
	}

readLoop:
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			_ = conn.WriteJSON(map[string]any{"type": "error", "error": "invalid_json"})
			continue
		}

		action, _ := payload["action"].(string)
		action = strings.ToLower(action)
		timer := metrics.NewTimer()

		switch action {
		case "ping":
			_ = conn.WriteJSON(map[string]any{"type": "pong", "ts": float64(time.Now().UnixMilli()) / 1000.0})

		case "status":
			_ = conn.WriteJSON(map[string]any{"type": "status", "metrics": s.metrics()})

		case "query":
			query, _ := payload["query"].(string)
			query = strings.TrimSpace(query)
			if query == "" {
				_ = conn.WriteJSON(map[string]any{"type": "error", "error": "query required"})
				recordWSMetric(timer, action)
				continue readLoop
			}
			k := intField(payload, "k", 5)
			result, err := s.disp.Submit(req.Context(), func(ctx context.Context) (any, error) {
				return s.backend.Query(ctx, query, k)
			})
			if err != nil {
				_ = conn.WriteJSON(map[string]any{"type": "error", "error": err.Error()})
				recordWSMetric(timer, action)
				continue readLoop
			}
			_ = conn.WriteJSON(map[string]any{"type": "query_result", "hits": result})

		case "plan":
			goal, _ := payload["goal"].(string)
			goal = strings.TrimSpace(goal)
			if goal == "" {
				_ = conn.WriteJSON(map[string]any{"type": "error", "error": "goal required"})
				recordWSMetric(timer, action)
				continue readLoop
			}
			params, _ := payload["params"].(map[string]any)
			result, err := s.disp.Submit(req.Context(), func(ctx context.Context) (any, error) {
				return s.backend.Plan(ctx, goal, params)
			})
			if err != nil {
				_ = conn.WriteJSON(map[string]any{"type": "error", "error": err.Error()})
				recordWSMetric(timer, action)
				continue readLoop
			}
			_ = conn.WriteJSON(map[string]any{"type": "plan_result", "actions": result})

		case "execute":
			target, _ := payload["target"].(string)
			target = strings.TrimSpace(target)
			if target == "" {
				_ = conn.WriteJSON(map[string]any{"type": "error", "error": "target required"})
				recordWSMetric(timer, action)
				continue readLoop
			}
			args, _ := payload["args"].([]any)
			kwargs, _ := payload["kwargs"].(map[string]any)
			result, err := s.executeAction(req.Context(), target, args, kwargs)
			if err != nil {
				_ = conn.WriteJSON(map[string]any{"type": "error", "error": err.Error()})
				recordWSMetric(timer, action)
				continue readLoop
			}
			_ = conn.WriteJSON(map[string]any{"type": "execute_result", "result": result})

		default:
			_ = conn.WriteJSON(map[string]any{"type": "error", "error": "unsupported_action"})
		}
		recordWSMetric(timer, action)
	}
}

func recordWSMetric(timer *metrics.Timer, action string) {
	metrics.GatewayRequestsTotal.WithLabelValues("ws", action).Inc()
	timer.ObserveDurationVec(metrics.GatewayRequestDuration, "ws", action)
}

func extractTokenFromQuery(u *url.URL) string {
	return strings.TrimSpace(u.Query().Get("token"))
}

func intField(payload map[string]any, key string, fallback int) int {
	v, ok := payload[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return fallback
}
