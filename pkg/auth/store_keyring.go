package auth

import (
	"fmt"

	"github.com/mahi-systems/mahid/pkg/mahierr"
	"github.com/mahi-systems/mahid/pkg/types"
	"github.com/zalando/go-keyring"
)

// KeychainStore persists the full token map as a single JSON blob under
// one OS-keychain entry (macOS Keychain, Windows Credential Manager, or
// the Linux Secret Service via libsecret, depending on platform). This
// is the default backend per SPEC_FULL.md §4.2.
type KeychainStore struct {
	service string
	account string
}

// NewKeychainStore returns a KeychainStore addressing the given
// service/account pair in the OS keychain.
func NewKeychainStore(service, account string) *KeychainStore {
	return &KeychainStore{service: service, account: account}
}

func (k *KeychainStore) Load() (map[string]*types.Token, error) {
	blob, err := keyring.Get(k.service, k.account)
	if err == keyring.ErrNotFound {
		return map[string]*types.Token{}, nil
	}
	if err != nil {
		return nil, mahierr.Wrap(mahierr.TokenStoreError, "failed to read keychain entry", err)
	}
	tokens, err := unmarshalTokens([]byte(blob))
	if err != nil {
		return nil, mahierr.Wrap(mahierr.TokenStoreError, "failed to decode keychain token blob", err)
	}
	return tokens, nil
}

func (k *KeychainStore) Save(tokens map[string]*types.Token) error {
	data, err := marshalTokens(tokens)
	if err != nil {
		return mahierr.Wrap(mahierr.TokenStoreError, "failed to encode token blob", err)
	}
	if err := keyring.Set(k.service, k.account, string(data)); err != nil {
		return mahierr.Wrap(mahierr.TokenStoreError, fmt.Sprintf("failed to write keychain entry %s/%s", k.service, k.account), err)
	}
	return nil
}
