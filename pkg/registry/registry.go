// Package registry implements the Endpoint Registry: a concurrency-safe
// directory of live transport endpoints and a small, separate table of
// registry-issued tokens, keyed by (protocol, name) and value
// respectively.
//
// Grounded on core/runtime_gateway.py's RuntimeGateway/RuntimeEndpoint/
// GatewayToken. The registry's own token issuance is intentionally
// simpler than, and distinct from, the Auth Manager's richer Token
// model in pkg/auth — it exists only because the original exposes it,
// and nothing in the Gateway is wired to consume it for request auth.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mahi-systems/mahid/pkg/mahierr"
	"github.com/mahi-systems/mahid/pkg/types"
)

// GatewayToken is a lightweight scoped token issued directly by the
// Registry, independent of the Auth Manager.
type GatewayToken struct {
	Value    string    `json:"value"`
	Scopes   []string  `json:"scopes"`
	IssuedAt time.Time `json:"issued_at"`
}

// Registry is the single source of truth for "what is reachable right
// now". All read operations return independent copies; callers never
// observe mutation after the fact.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]map[string]types.Endpoint // protocol -> name -> endpoint
	tokens    map[string]GatewayToken
}

// New returns an empty Registry ready to serve all four protocols.
func New() *Registry {
	r := &Registry{
		endpoints: make(map[string]map[string]types.Endpoint),
		tokens:    make(map[string]GatewayToken),
	}
	for proto := range types.ValidProtocols {
		r.endpoints[proto] = make(map[string]types.Endpoint)
	}
	return r
}

// Register adds or overwrites ep. Fails with mahierr.InvalidProtocol if
// ep.Protocol is not one of grpc/http/ws/ipc.
func (r *Registry) Register(ep types.Endpoint) error {
	if !types.ValidProtocols[ep.Protocol] {
		return mahierr.New(mahierr.InvalidProtocol, "unsupported protocol: "+ep.Protocol)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[ep.Protocol]; !ok {
		r.endpoints[ep.Protocol] = make(map[string]types.Endpoint)
	}
	r.endpoints[ep.Protocol][ep.Name] = ep
	return nil
}

// BulkRegister registers every endpoint in eps, stopping at the first
// invalid-protocol error.
func (r *Registry) BulkRegister(eps []types.Endpoint) error {
	for _, ep := range eps {
		if err := r.Register(ep); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes the endpoint identified by (protocol, name), if
// present. Always succeeds.
func (r *Registry) Unregister(protocol, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.endpoints[protocol]; ok {
		delete(m, name)
	}
}

// Endpoints returns an ordered snapshot of all endpoints for protocol,
// or across every protocol if protocol is empty, per spec.md §4.1's
// endpoints([protocol]) contract. Map iteration order is otherwise
// randomized per call, which would make status responses and the
// startup banner list endpoints in a different order every time.
func (r *Registry) Endpoints(protocol string) []types.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.Endpoint
	if protocol != "" {
		for _, ep := range r.endpoints[protocol] {
			out = append(out, ep)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out
	}
	for _, m := range r.endpoints {
		for _, ep := range m {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Protocol != out[j].Protocol {
			return out[i].Protocol < out[j].Protocol
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Find returns the endpoint identified by (protocol, name), if any. At
// most one endpoint is ever returned per identity (testable property
// #5).
func (r *Registry) Find(protocol, name string) (types.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.endpoints[protocol]
	if !ok {
		return types.Endpoint{}, false
	}
	ep, ok := m[name]
	return ep, ok
}

// IssueToken mints a registry-level GatewayToken with the given scopes
// (deduplicated and sorted).
func (r *Registry) IssueToken(scopes []string) GatewayToken {
	tok := GatewayToken{
		Value:    uuid.NewString(),
		Scopes:   dedupeSorted(scopes),
		IssuedAt: time.Now(),
	}
	r.mu.Lock()
	r.tokens[tok.Value] = tok
	r.mu.Unlock()
	return tok
}

// RevokeToken removes the registry-level token with the given value.
// Returns true if it existed.
func (r *Registry) RevokeToken(value string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[value]; ok {
		delete(r.tokens, value)
		return true
	}
	return false
}

// Authenticate reports whether value names a known registry token
// that, if requiredScope is non-empty, also carries that scope.
func (r *Registry) Authenticate(value, requiredScope string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tok, ok := r.tokens[value]
	if !ok {
		return false
	}
	if requiredScope == "" {
		return true
	}
	for _, s := range tok.Scopes {
		if s == requiredScope {
			return true
		}
	}
	return false
}

// Snapshot returns a serializable view of the entire registry, suitable
// for inclusion in a /v1/status response.
type Snapshot struct {
	Endpoints map[string][]types.Endpoint `json:"endpoints"`
	Tokens    []GatewayToken              `json:"tokens"`
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Snapshot{Endpoints: make(map[string][]types.Endpoint)}
	for proto, m := range r.endpoints {
		var eps []types.Endpoint
		for _, ep := range m {
			eps = append(eps, ep)
		}
		sort.Slice(eps, func(i, j int) bool { return eps[i].Name < eps[j].Name })
		out.Endpoints[proto] = eps
	}
	for _, t := range r.tokens {
		out.Tokens = append(out.Tokens, t)
	}
	return out
}

func dedupeSorted(scopes []string) []string {
	seen := make(map[string]bool, len(scopes))
	var out []string
	for _, s := range scopes {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
