// Package buntdb backs the renewal key-value contract with a tidwall/buntdb
// file (or in-memory) database.
package buntdb

import (
	"errors"
	"fmt"

	tidwall "github.com/tidwall/buntdb"
)

// Store implements the renewal.KV interface on top of a buntdb database.
type Store struct {
	db *tidwall.DB
}

// New opens (and compacts) the database at path. Use ":memory:" for an
// ephemeral store.
func New(path string) (*Store, error) {
	db, err := tidwall.Open(path)
	if err != nil {
		return nil, fmt.Errorf("buntdb: failed to open database at %q: %w", path, err)
	}
	// Compaction is opportunistic; a failure does not make the store unusable.
	_ = db.Shrink()
	return &Store{db: db}, nil
}

func (s *Store) Get(key string) (string, bool, error) {
	var value string
	err := s.db.View(func(tx *tidwall.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if errors.Is(err, tidwall.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("buntdb: failed to read key %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Set(key, value string) error {
	err := s.db.Update(func(tx *tidwall.Tx) error {
		_, _, err := tx.Set(key, value, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("buntdb: failed to write key %q: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(key string) error {
	err := s.db.Update(func(tx *tidwall.Tx) error {
		_, err := tx.Delete(key)
		if errors.Is(err, tidwall.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("buntdb: failed to delete key %q: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
