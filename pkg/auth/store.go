package auth

import (
	"encoding/json"
	"sync"

	"github.com/mahi-systems/mahid/pkg/types"
)

// Store persists the full token map. Every mutation writes the whole
// map back out atomically — acceptable given mint/revoke rate, and it
// keeps each backend's implementation trivial.
//
// Three variants exist: MemoryStore (tests, and when no persistence is
// configured), KeychainStore (default — an OS-keychain entry), and
// FileStore (a bbolt-backed blob encrypted with a key that itself
// lives in the keychain). Grounded on core/auth.py's TokenStore.
type Store interface {
	Load() (map[string]*types.Token, error)
	Save(tokens map[string]*types.Token) error
}

// MemoryStore is an in-process Store backed by a plain map. It never
// persists across process restarts.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]*types.Token
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*types.Token)}
}

func (m *MemoryStore) Load() (map[string]*types.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*types.Token, len(m.tokens))
	for k, v := range m.tokens {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}

func (m *MemoryStore) Save(tokens map[string]*types.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*types.Token, len(tokens))
	for k, v := range tokens {
		cp := *v
		out[k] = &cp
	}
	m.tokens = out
	return nil
}

// marshalTokens/unmarshalTokens are shared by the persistent backends
// (KeychainStore, FileStore) so the on-disk/on-keychain representation
// is identical regardless of which one is configured.
func marshalTokens(tokens map[string]*types.Token) ([]byte, error) {
	return json.Marshal(tokens)
}

func unmarshalTokens(data []byte) (map[string]*types.Token, error) {
	if len(data) == 0 {
		return map[string]*types.Token{}, nil
	}
	out := map[string]*types.Token{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
