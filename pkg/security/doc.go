/*
Package security provides symmetric encryption services for mahid.

The Auth Manager's encrypted-file token-store backend is the package's
only consumer: it encrypts the full token map with AES-256-GCM before
writing it to the local bbolt-backed blob, and decrypts it on load. The
key itself lives in the OS keychain, not in this package or on disk
next to the ciphertext.

# Encryption

EncryptSecret/DecryptSecret implement AES-256-GCM with a random nonce
prepended to the ciphertext, so a SecretsManager needs nothing beyond
its 32-byte key to decrypt data it (or an instance with the same key)
previously encrypted.

	ciphertext = nonce || seal(nonce, plaintext)

DeriveKeyFromClusterID is kept as a deterministic SHA-256-based key
derivation helper for callers that only have a stable identifier (not a
password) to derive a key from.
*/
package security
