package auth

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/mahi-systems/mahid/pkg/mahierr"
	"github.com/mahi-systems/mahid/pkg/security"
	"github.com/mahi-systems/mahid/pkg/storage"
	"github.com/mahi-systems/mahid/pkg/types"
	"github.com/zalando/go-keyring"
)

const fileStoreBlobKey = "tokens"

// FileStore persists the token map to a local bbolt-backed blob,
// encrypted with AES-256-GCM. The encryption key itself is not stored
// alongside the ciphertext — it lives in the OS keychain, generated
// lazily on first use, mirroring core/auth.py's _ensure_cipher.
//
// Decrypt failures are fatal for this variant unless the store was
// opened with fallbackMint: a corrupted blob or a key rotated out from
// under the store then surfaces as mahierr.TokenStoreError. With
// fallbackMint set, Load instead returns an empty token map and the
// undecryptable tokens are discarded.
type FileStore struct {
	kv            *storage.KVStore
	keyService    string
	keyAccount    string
	fallbackMint  bool // if true, Load() tolerates a missing/corrupt blob by starting empty
}

// NewFileStore opens (or creates) the encrypted blob store under
// dataDir, using keyService/keyAccount as the keychain coordinates for
// the symmetric key.
func NewFileStore(dataDir, keyService, keyAccount string, fallbackMint bool) (*FileStore, error) {
	kv, err := storage.OpenKVStore(dataDir, "tokens")
	if err != nil {
		return nil, mahierr.Wrap(mahierr.TokenStoreError, "failed to open token store database", err)
	}
	return &FileStore{kv: kv, keyService: keyService, keyAccount: keyAccount, fallbackMint: fallbackMint}, nil
}

// Close releases the underlying database handle.
func (f *FileStore) Close() error {
	return f.kv.Close()
}

func (f *FileStore) cipherKey() ([]byte, error) {
	existing, err := keyring.Get(f.keyService, f.keyAccount)
	if err == nil {
		key, decodeErr := base64.StdEncoding.DecodeString(existing)
		if decodeErr != nil || len(key) != 32 {
			return nil, mahierr.New(mahierr.TokenStoreError, "token store encryption key in keychain is corrupt")
		}
		return key, nil
	}
	if err != keyring.ErrNotFound {
		return nil, mahierr.Wrap(mahierr.TokenStoreError, "failed to read token store encryption key", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, mahierr.Wrap(mahierr.TokenStoreError, "failed to generate token store encryption key", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := keyring.Set(f.keyService, f.keyAccount, encoded); err != nil {
		return nil, mahierr.Wrap(mahierr.TokenStoreError, "failed to persist token store encryption key", err)
	}
	return key, nil
}

func (f *FileStore) Load() (map[string]*types.Token, error) {
	key, err := f.cipherKey()
	if err != nil {
		return nil, err
	}
	sm, err := security.NewSecretsManager(key)
	if err != nil {
		return nil, mahierr.Wrap(mahierr.TokenStoreError, "failed to initialize secrets manager", err)
	}

	ciphertext, err := f.kv.Get(fileStoreBlobKey)
	if err != nil {
		return nil, mahierr.Wrap(mahierr.TokenStoreError, "failed to read token store blob", err)
	}
	if len(ciphertext) == 0 {
		return map[string]*types.Token{}, nil
	}

	plaintext, err := sm.DecryptSecret(ciphertext)
	if err != nil {
		if f.fallbackMint {
			return map[string]*types.Token{}, nil
		}
		return nil, mahierr.Wrap(mahierr.TokenStoreError, "failed to decrypt token store blob", err)
	}
	tokens, err := unmarshalTokens(plaintext)
	if err != nil {
		return nil, mahierr.Wrap(mahierr.TokenStoreError, "failed to decode token store blob", err)
	}
	return tokens, nil
}

func (f *FileStore) Save(tokens map[string]*types.Token) error {
	key, err := f.cipherKey()
	if err != nil {
		return err
	}
	sm, err := security.NewSecretsManager(key)
	if err != nil {
		return mahierr.Wrap(mahierr.TokenStoreError, "failed to initialize secrets manager", err)
	}

	plaintext, err := marshalTokens(tokens)
	if err != nil {
		return mahierr.Wrap(mahierr.TokenStoreError, "failed to encode token store blob", err)
	}
	if len(plaintext) == 0 {
		plaintext = []byte("{}")
	}
	ciphertext, err := sm.EncryptSecret(plaintext)
	if err != nil {
		return mahierr.Wrap(mahierr.TokenStoreError, "failed to encrypt token store blob", err)
	}
	if err := f.kv.Put(fileStoreBlobKey, ciphertext); err != nil {
		return mahierr.Wrap(mahierr.TokenStoreError, "failed to write token store blob", err)
	}
	return nil
}
