/*
Package storage provides the local persistence primitive mahid builds
on: a single-bucket bbolt-backed key/value store. It exists solely to
back the Auth Manager's encrypted-file token-store variant — the blob
it stores is already an AES-256-GCM ciphertext produced by
pkg/security, so this package never sees plaintext.
*/
package storage
