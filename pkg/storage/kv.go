package storage

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketBlob = []byte("blob")

// KVStore is a minimal single-bucket bbolt-backed key-value store. It
// backs the Auth Manager's encrypted-file token-store variant, which
// needs nothing more than "put the encrypted token map under one key,
// get it back."
type KVStore struct {
	db *bolt.DB
}

// OpenKVStore opens (creating if necessary) a bbolt database at
// <dataDir>/<name>.db with a single bucket ready for use.
func OpenKVStore(dataDir, name string) (*KVStore, error) {
	path := filepath.Join(dataDir, name+".db")

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlob)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &KVStore{db: db}, nil
}

// Put stores value under key, overwriting any previous value.
func (s *KVStore) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlob).Put([]byte(key), value)
	})
}

// Get returns the value stored under key, or nil if absent. The
// returned slice is a copy and safe to retain after the call returns.
func (s *KVStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlob).Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// Delete removes key, if present.
func (s *KVStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlob).Delete([]byte(key))
	})
}

// Close closes the underlying database.
func (s *KVStore) Close() error {
	return s.db.Close()
}
