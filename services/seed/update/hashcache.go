// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package update

import (
	"errors"
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v4"
)

// hashKeyPrefix namespaces hash entries in the cache database.
const hashKeyPrefix = "filehash:"

// HashCache remembers the last processed content hash per source file,
// so unchanged files short-circuit before any parse or partition write.
//
// The cache is an optimization layer over the hashes recorded in the
// seed itself: losing it costs redundant work, never correctness.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions provide isolation.
type HashCache struct {
	db *badger.DB
}

// OpenHashCache opens (or creates) a cache database at path. An empty
// path opens an in-memory cache, used by tests and one-shot runs.
func OpenHashCache(path string) (*HashCache, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open hash cache: %w", err)
	}
	return &HashCache{db: db}, nil
}

// Close releases the cache database.
func (c *HashCache) Close() error {
	return c.db.Close()
}

// Get returns the cached hash for a file, or "" when absent.
func (c *HashCache) Get(filePath string) (string, error) {
	var hash string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(hashKeyPrefix + filePath))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			hash = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading cached hash for %s: %w", filePath, err)
	}
	return hash, nil
}

// Put records the hash for a file.
func (c *HashCache) Put(filePath, hash string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(hashKeyPrefix+filePath), []byte(hash))
	})
	if err != nil {
		return fmt.Errorf("caching hash for %s: %w", filePath, err)
	}
	return nil
}

// Delete drops the entry for a file. Missing entries are not an error.
func (c *HashCache) Delete(filePath string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(hashKeyPrefix + filePath))
	})
	if err != nil {
		return fmt.Errorf("dropping cached hash for %s: %w", filePath, err)
	}
	return nil
}

// Rename moves an entry from oldPath to newPath, preserving the hash so
// a pure rename still skips re-parsing.
func (c *HashCache) Rename(oldPath, newPath string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(hashKeyPrefix + oldPath))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(hashKeyPrefix+newPath), val); err != nil {
			return err
		}
		return txn.Delete([]byte(hashKeyPrefix + oldPath))
	})
	if err != nil {
		return fmt.Errorf("renaming cached hash %s -> %s: %w", oldPath, newPath, err)
	}
	return nil
}
