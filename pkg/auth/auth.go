// Package auth implements the Auth Manager: mint/validate/revoke
// bearer tokens with scopes, TTL, and a per-token sliding one-minute
// rate-limit window, persisted across restarts via a pluggable Store.
//
// Grounded on original_source/ondevice-ai/core/auth.py for semantics
// and on the teacher's pkg/manager/token.go for the Go
// sync.RWMutex-guarded manager shape.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mahi-systems/mahid/pkg/log"
	"github.com/mahi-systems/mahid/pkg/mahierr"
	"github.com/mahi-systems/mahid/pkg/metrics"
	"github.com/mahi-systems/mahid/pkg/types"
)

// DefaultTTL is used by Mint when ttl is nil.
const DefaultTTL = 24 * time.Hour

// BootstrapScopes are granted to the bootstrap admin token.
var BootstrapScopes = []string{"admin", "*", "query", "index", "status", "plan", "execute", "stream"}

const bootstrapSubject = "bootstrap"

// Manager mints, validates, and rate-limits bearer tokens, persisting
// the full set through Store after every mutation.
type Manager struct {
	mu     sync.RWMutex
	tokens map[string]*types.Token
	store  Store
	now    func() time.Time
}

// New constructs a Manager backed by store, loading any
// previously-persisted tokens immediately. Load errors surface as
// mahierr.TokenStoreError (SPEC_FULL.md §4.2 failure semantics).
func New(store Store) (*Manager, error) {
	m := &Manager{store: store, now: time.Now}
	tokens, err := store.Load()
	if err != nil {
		return nil, err
	}
	m.tokens = tokens
	metrics.TokensActive.Set(float64(len(m.tokens)))
	return m, nil
}

func (m *Manager) persistLocked() error {
	if err := m.store.Save(m.tokens); err != nil {
		return err
	}
	metrics.TokensActive.Set(float64(len(m.tokens)))
	return nil
}

// Mint creates, persists, and returns a new Token. A ttl of nil uses
// DefaultTTL; ttl <= 0 means no expiry. Scopes are deduplicated and
// sorted canonically.
func (m *Manager) Mint(subject string, scopes []string, ttl *time.Duration, admin bool, rateLimitPerMin int) (*types.Token, error) {
	value, err := generateTokenValue()
	if err != nil {
		return nil, mahierr.Wrap(mahierr.TokenStoreError, "failed to generate token value", err)
	}

	now := m.now()
	tok := &types.Token{
		Value:           value,
		Subject:         subject,
		Scopes:          dedupeSorted(scopes),
		IssuedAt:        now,
		Admin:           admin,
		RateLimitPerMin: rateLimitPerMin,
		WindowStart:     now,
	}
	switch {
	case ttl == nil:
		exp := now.Add(DefaultTTL)
		tok.ExpiresAt = &exp
	case *ttl > 0:
		exp := now.Add(*ttl)
		tok.ExpiresAt = &exp
	default:
		// ttl <= 0: no expiry.
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[value] = tok
	if err := m.persistLocked(); err != nil {
		delete(m.tokens, value)
		return nil, err
	}
	log.WithToken(hashToken(value)).Info().Str("subject", subject).Msg("token minted")
	return cloneToken(tok), nil
}

// Revoke removes the token identified by value. Returns true if it
// existed.
func (m *Manager) Revoke(value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[value]; !ok {
		return false, nil
	}
	delete(m.tokens, value)
	if err := m.persistLocked(); err != nil {
		return false, err
	}
	log.WithToken(hashToken(value)).Info().Msg("token revoked")
	return true, nil
}

// Validate returns the token identified by value if it is known, not
// expired, and (when requiredScope is non-empty) carries that scope.
// Returns nil otherwise — it never errors (testable property #2, #3).
func (m *Manager) Validate(value, requiredScope string) *types.Token {
	if value == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[value]
	if !ok {
		return nil
	}
	if tok.Expired(m.now()) {
		return nil
	}
	if !tok.HasScope(requiredScope) {
		return nil
	}
	return cloneToken(tok)
}

// RecordUsage advances the sliding one-minute window counter for
// value. Fails with mahierr.RateLimitExceeded once the count within the
// current window exceeds the token's rate limit. The window resets
// once 60s have elapsed since it started (testable property #4).
func (m *Manager) RecordUsage(value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[value]
	if !ok {
		return mahierr.New(mahierr.Unauthorized, "unknown token")
	}

	now := m.now()
	if now.Sub(tok.WindowStart) >= time.Minute {
		tok.WindowStart = now
		tok.WindowCount = 0
	}
	tok.WindowCount++
	lastUsed := now
	tok.LastUsedAt = &lastUsed

	if tok.RateLimitPerMin > 0 && tok.WindowCount > tok.RateLimitPerMin {
		// Persist the observed-usage bookkeeping even on the rejected
		// call; only the caller-visible outcome is an error.
		_ = m.persistLocked()
		return mahierr.New(mahierr.RateLimitExceeded, "rate_limit_exceeded")
	}
	return m.persistLocked()
}

// ListTokens returns a snapshot of every known token.
func (m *Manager) ListTokens() []*types.Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Token, 0, len(m.tokens))
	for _, t := range m.tokens {
		out = append(out, cloneToken(t))
	}
	return out
}

// EnsureBootstrap idempotently guarantees a persisted admin bootstrap
// token exists, minting one (ttl=0, i.e. no expiry) if absent, and
// returns it.
func (m *Manager) EnsureBootstrap() (*types.Token, error) {
	m.mu.Lock()
	for _, t := range m.tokens {
		if t.Admin && t.Subject == bootstrapSubject {
			tok := cloneToken(t)
			m.mu.Unlock()
			return tok, nil
		}
	}
	m.mu.Unlock()

	noExpiry := time.Duration(0)
	return m.Mint(bootstrapSubject, BootstrapScopes, &noExpiry, true, 0)
}

// RotateBootstrap revokes the current bootstrap token (if any) and
// mints a replacement, per SPEC_FULL.md §9: existing WS/IPC sessions
// authenticated with the old bootstrap token are not disconnected.
func (m *Manager) RotateBootstrap() (*types.Token, error) {
	m.mu.Lock()
	var old string
	for v, t := range m.tokens {
		if t.Admin && t.Subject == bootstrapSubject {
			old = v
			break
		}
	}
	m.mu.Unlock()

	if old != "" {
		if _, err := m.Revoke(old); err != nil {
			return nil, err
		}
	}
	noExpiry := time.Duration(0)
	return m.Mint(bootstrapSubject, BootstrapScopes, &noExpiry, true, 0)
}

func generateTokenValue() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// hashToken mirrors core/auth.py's _hash_token: a log/audit-safe
// representation that never exposes the raw token value.
func hashToken(value string) string {
	if len(value) < 4 {
		return "token:***"
	}
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("token:%s…%s", value[:4], hex.EncodeToString(sum[:])[:16])
}

func cloneToken(t *types.Token) *types.Token {
	cp := *t
	cp.Scopes = append([]string(nil), t.Scopes...)
	return &cp
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
