package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahi-systems/mahid/pkg/auth"
	"github.com/mahi-systems/mahid/pkg/backend"
	"github.com/mahi-systems/mahid/pkg/registry"
	"github.com/mahi-systems/mahid/pkg/sandbox"
	"github.com/mahi-systems/mahid/pkg/types"
)

func newTestHarness() *sandbox.Harness {
	reg := sandbox.NewActionRegistry()
	sandbox.RegisterBuiltins(reg)
	return sandbox.NewHarness(types.DefaultSandboxConfig(), types.SandboxPermissions{}, reg)
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	am, err := auth.New(auth.NewMemoryStore())
	if err != nil {
		t.Fatalf("auth.New() error = %v", err)
	}
	reg := registry.New()
	be := backend.New()

	srv := New(be, am, reg, nil, newTestHarness(), Config{
		HTTPHost: "127.0.0.1",
		WSHost:   "127.0.0.1",
		IPCPath:  fmt.Sprintf("/tmp/mahid-gateway-test-%d.sock", time.Now().UnixNano()),
	})

	token, err := srv.Start()
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return srv, token
}

func httpBase(srv *Server) string {
	return fmt.Sprintf("http://%s", srv.httpLis.Addr().String())
}

// S1: HTTP index then query round-trip.
func TestHTTPIndexThenQueryRoundTrip(t *testing.T) {
	srv, token := newTestServer(t)
	base := httpBase(srv)

	indexBody, _ := json.Marshal(map[string]any{"text": "hello sandbox world"})
	resp := doHTTP(t, "POST", base+"/v1/index", token, indexBody)
	if resp["doc_id"] == nil || resp["doc_id"] == "" {
		t.Fatalf("index response missing doc_id: %v", resp)
	}
	docID := resp["doc_id"].(string)

	queryBody, _ := json.Marshal(map[string]any{"query": "hello sandbox"})
	resp = doHTTP(t, "POST", base+"/v1/query", token, queryBody)
	hits, ok := resp["hits"].([]any)
	if !ok || len(hits) == 0 {
		t.Fatalf("query response missing hits: %v", resp)
	}
	first := hits[0].(map[string]any)
	if first["doc_id"] != docID {
		t.Errorf("first hit doc_id = %v, want %v", first["doc_id"], docID)
	}
}

// S2: unauthorized HTTP request is rejected.
func TestHTTPUnauthorized(t *testing.T) {
	srv, _ := newTestServer(t)
	base := httpBase(srv)

	req, _ := http.NewRequest("GET", base+"/v1/status", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

// S3: rate limiting surfaces as 429 once a token's per-minute budget
// is exhausted.
func TestHTTPRateLimitExceeded(t *testing.T) {
	am, err := auth.New(auth.NewMemoryStore())
	if err != nil {
		t.Fatalf("auth.New() error = %v", err)
	}
	reg := registry.New()
	be := backend.New()
	srv := New(be, am, reg, nil, newTestHarness(), Config{
		HTTPHost: "127.0.0.1",
		WSHost:   "127.0.0.1",
		IPCPath:  fmt.Sprintf("/tmp/mahid-gateway-test-%d.sock", time.Now().UnixNano()),
	})
	if _, err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer srv.Stop(context.Background())

	limited, err := am.Mint("tester", []string{"status"}, nil, false, 1)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	base := httpBase(srv)
	resp := doHTTPRaw(t, "GET", base+"/v1/status", limited.Value, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doHTTPRaw(t, "GET", base+"/v1/status", limited.Value, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", resp.StatusCode)
	}
}

// Action execution requests reach the Sandbox Harness over HTTP and
// come back as a SandboxResult.
func TestHTTPExecuteEcho(t *testing.T) {
	srv, token := newTestServer(t)
	base := httpBase(srv)

	body, _ := json.Marshal(map[string]any{"target": "echo", "args": []any{"a"}, "kwargs": map[string]any{"b": 1.0}})
	resp := doHTTP(t, "POST", base+"/v1/execute", token, body)
	if resp["success"] != true {
		t.Fatalf("execute response = %v, want success=true", resp)
	}
	value, ok := resp["value"].(map[string]any)
	if !ok {
		t.Fatalf("execute response missing value object: %v", resp)
	}
	args, _ := value["args"].([]any)
	if len(args) != 1 || args[0] != "a" {
		t.Errorf("echoed args = %v, want [a]", args)
	}
}

func TestHTTPExecuteUnknownTarget(t *testing.T) {
	srv, token := newTestServer(t)
	base := httpBase(srv)

	body, _ := json.Marshal(map[string]any{"target": "no_such_target"})
	resp := doHTTP(t, "POST", base+"/v1/execute", token, body)
	if resp["success"] != false {
		t.Fatalf("execute response = %v, want success=false", resp)
	}
}

// S4: WS session greets with ready, answers ping with pong, and
// serves a query.
func TestWSSessionPingAndQuery(t *testing.T) {
	srv, token := newTestServer(t)

	wsURL := fmt.Sprintf("ws://%s/?token=%s", srv.wsLis.Addr().String(), token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	var greeting map[string]any
	if err := conn.ReadJSON(&greeting); err != nil {
		t.Fatalf("ReadJSON(greeting) error = %v", err)
	}
	if greeting["type"] != "ready" {
		t.Fatalf("greeting type = %v, want ready", greeting["type"])
	}

	if err := conn.WriteJSON(map[string]any{"action": "ping"}); err != nil {
		t.Fatalf("WriteJSON(ping) error = %v", err)
	}
	var pong map[string]any
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("ReadJSON(pong) error = %v", err)
	}
	if pong["type"] != "pong" {
		t.Fatalf("response type = %v, want pong", pong["type"])
	}

	if _, err := srv.backend.Index(context.Background(), "ws round trip marker", "ws"); err != nil {
		t.Fatalf("Index() error = %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"action": "query", "query": "round trip marker"}); err != nil {
		t.Fatalf("WriteJSON(query) error = %v", err)
	}
	var queryResp map[string]any
	if err := conn.ReadJSON(&queryResp); err != nil {
		t.Fatalf("ReadJSON(query) error = %v", err)
	}
	if queryResp["type"] != "query_result" {
		t.Fatalf("response type = %v, want query_result: %v", queryResp["type"], queryResp)
	}
}

func TestIPCPingRoundTrip(t *testing.T) {
	srv, token := newTestServer(t)
	if srv.ipcLis == nil {
		t.Skip("ipc socket unavailable on this platform")
	}

	conn, err := net.Dial("unix", srv.ipcPath)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "%s\n", token)
	fmt.Fprintf(conn, "%s\n", `{"action":"ping"}`)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString() error = %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v, line = %q", err, line)
	}
	if resp["type"] != "pong" {
		t.Errorf("response type = %v, want pong", resp["type"])
	}
}

func doHTTP(t *testing.T, method, url, token string, body []byte) map[string]any {
	t.Helper()
	resp := doHTTPRaw(t, method, url, token, body)
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func doHTTPRaw(t *testing.T, method, url, token string, body []byte) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	return resp
}
