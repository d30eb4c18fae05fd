package registry

import (
	"testing"

	"github.com/mahi-systems/mahid/pkg/mahierr"
	"github.com/mahi-systems/mahid/pkg/types"
)

func TestRegisterAndFind(t *testing.T) {
	r := New()

	ep := types.Endpoint{Name: "gateway-http", Protocol: "http", Address: "http://127.0.0.1:8080"}
	if err := r.Register(ep); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, ok := r.Find("http", "gateway-http")
	if !ok {
		t.Fatal("Find() did not return the registered endpoint")
	}
	if got.Address != ep.Address {
		t.Errorf("Address = %q, want %q", got.Address, ep.Address)
	}
}

func TestRegisterInvalidProtocol(t *testing.T) {
	r := New()
	err := r.Register(types.Endpoint{Name: "x", Protocol: "carrier-pigeon"})
	if !mahierr.Is(err, mahierr.InvalidProtocol) {
		t.Fatalf("expected InvalidProtocol, got %v", err)
	}
}

func TestRegisterOverwrites(t *testing.T) {
	r := New()
	r.Register(types.Endpoint{Name: "n", Protocol: "http", Address: "http://a"})
	r.Register(types.Endpoint{Name: "n", Protocol: "http", Address: "http://b"})

	eps := r.Endpoints("http")
	if len(eps) != 1 {
		t.Fatalf("expected exactly one endpoint for (http, n), got %d", len(eps))
	}
	if eps[0].Address != "http://b" {
		t.Errorf("Address = %q, want http://b", eps[0].Address)
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	r.Register(types.Endpoint{Name: "n", Protocol: "ipc", Address: "unix:///tmp/s"})
	r.Unregister("ipc", "n")
	if _, ok := r.Find("ipc", "n"); ok {
		t.Error("expected endpoint to be gone after Unregister")
	}
	// Unregistering something absent must not panic or error.
	r.Unregister("ipc", "does-not-exist")
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	r := New()
	r.Register(types.Endpoint{Name: "n", Protocol: "ws", Address: "ws://a"})

	snap := r.Snapshot()
	r.Register(types.Endpoint{Name: "n2", Protocol: "ws", Address: "ws://b"})

	if len(snap.Endpoints["ws"]) != 1 {
		t.Errorf("snapshot mutated after later Register; got %d ws endpoints", len(snap.Endpoints["ws"]))
	}
}

func TestTokenIssueAuthenticateRevoke(t *testing.T) {
	r := New()
	tok := r.IssueToken([]string{"b", "a", "a"})

	if len(tok.Scopes) != 2 || tok.Scopes[0] != "a" || tok.Scopes[1] != "b" {
		t.Errorf("scopes not deduped+sorted: %v", tok.Scopes)
	}
	if !r.Authenticate(tok.Value, "a") {
		t.Error("Authenticate() should accept a granted scope")
	}
	if r.Authenticate(tok.Value, "c") {
		t.Error("Authenticate() should reject an ungranted scope")
	}
	if !r.RevokeToken(tok.Value) {
		t.Error("RevokeToken() should report the token existed")
	}
	if r.Authenticate(tok.Value, "") {
		t.Error("Authenticate() should reject a revoked token")
	}
}
