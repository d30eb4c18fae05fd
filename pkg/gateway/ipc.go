package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"

	"github.com/mahi-systems/mahid/pkg/log"
	"github.com/mahi-systems/mahid/pkg/mahierr"
	"github.com/mahi-systems/mahid/pkg/metrics"
)

// serveIPC accepts connections on the local unix socket. Each
// connection authenticates once via its first line (the bearer token,
// no scope required — IPC is treated as already-local-trusted the way
// core/gateway_server.py's _ipc_handler does) and then processes
// newline-delimited JSON requests, writing one newline-terminated JSON
// response per request, in order.
func (s *Server) serveIPC(lis net.Listener) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		go s.handleIPCConn(conn)
	}
}

func (s *Server) handleIPCConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	tokenLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	token := strings.TrimSpace(tokenLine)

	tok := s.auth.Validate(token, "")
	if tok == nil {
		writeIPCLine(conn, map[string]any{"type": "error", "error": "unauthorized"})
		return
	}

	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			s.handleIPCLine(conn, tok.Value, trimmed)
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleIPCLine(conn net.Conn, tokenValue, line string) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		writeIPCLine(conn, map[string]any{"type": "error", "error": "invalid_json"})
		return
	}

	if err := s.auth.RecordUsage(tokenValue); err != nil {
		errName := "unauthorized"
		if mahierr.Is(err, mahierr.RateLimitExceeded) {
			errName = "rate_limit_exceeded"
			metrics.AuthRateLimitedTotal.Inc()
		}
		writeIPCLine(conn, map[string]any{"type": "error", "error": errName})
		return
	}

	action, _ := payload["action"].(string)
	action = strings.ToLower(action)
	ctx := context.Background()
	timer := metrics.NewTimer()
	defer func() {
		metrics.GatewayRequestsTotal.WithLabelValues("ipc", action).Inc()
		timer.ObserveDurationVec(metrics.GatewayRequestDuration, "ipc", action)
	}()

	switch action {
	case "ping":
		writeIPCLine(conn, map[string]any{"type": "pong"})

	case "status":
		writeIPCLine(conn, map[string]any{"type": "status", "metrics": s.metrics()})

	case "query":
		query, _ := payload["query"].(string)
		query = strings.TrimSpace(query)
		if query == "" {
			writeIPCLine(conn, map[string]any{"type": "error", "error": "query required"})
			return
		}
		k := intField(payload, "k", 5)
		result, err := s.disp.Submit(ctx, func(ctx context.Context) (any, error) {
			return s.backend.Query(ctx, query, k)
		})
		if err != nil {
			writeIPCLine(conn, map[string]any{"type": "error", "error": err.Error()})
			return
		}
		writeIPCLine(conn, map[string]any{"type": "query_result", "hits": result})

	case "plan":
		goal, _ := payload["goal"].(string)
		goal = strings.TrimSpace(goal)
		if goal == "" {
			writeIPCLine(conn, map[string]any{"type": "error", "error": "goal required"})
			return
		}
		params, _ := payload["params"].(map[string]any)
		result, err := s.disp.Submit(ctx, func(ctx context.Context) (any, error) {
			return s.backend.Plan(ctx, goal, params)
		})
		if err != nil {
			writeIPCLine(conn, map[string]any{"type": "error", "error": err.Error()})
			return
		}
		writeIPCLine(conn, map[string]any{"type": "plan_result", "actions": result})

	case "execute":
		target, _ := payload["target"].(string)
		target = strings.TrimSpace(target)
		if target == "" {
			writeIPCLine(conn, map[string]any{"type": "error", "error": "target required"})
			return
		}
		args, _ := payload["args"].([]any)
		kwargs, _ := payload["kwargs"].(map[string]any)
		result, err := s.executeAction(ctx, target, args, kwargs)
		if err != nil {
			writeIPCLine(conn, map[string]any{"type": "error", "error": err.Error()})
			return
		}
		writeIPCLine(conn, map[string]any{"type": "execute_result", "result": result})

	default:
		writeIPCLine(conn, map[string]any{"type": "error", "error": "unsupported_action"})
	}
}

func writeIPCLine(conn net.Conn, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		log.WithTransport("ipc").Error().Err(err).Msg("failed to marshal ipc response")
		return
	}
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
