// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keystore.
//
// go-keystore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package storage provides the persistence abstraction under the keystore.
// Keys are slash separated relative paths such as "user_0/10001_name";
// implementations map them onto files or memory.
package storage

import (
	"io/fs"
	"time"
)

// Backend defines the interface for storage backends.
// All implementations must be thread-safe.
type Backend interface {
	// Get retrieves the value for the given key.
	// Returns ErrNotFound if the key does not exist.
	Get(key string) ([]byte, error)

	// Put atomically replaces the value for the given key. Readers observe
	// either the old or the new value, never a partial write.
	Put(key string, value []byte, opts *Options) error

	// Delete removes the key and its value from storage.
	// Returns ErrNotFound if the key does not exist.
	Delete(key string) error

	// List returns all keys with the given prefix, sorted.
	// If prefix is empty, all keys are returned.
	List(prefix string) ([]string, error)

	// Exists checks if a key exists in storage.
	Exists(key string) (bool, error)

	// Stat returns size and modification time of the key.
	// Returns ErrNotFound if the key does not exist.
	Stat(key string) (*Info, error)

	// Rename moves oldKey to newKey, replacing newKey if present.
	Rename(oldKey, newKey string) error

	// MkdirAll ensures the directory for the key prefix exists.
	MkdirAll(dir string) error

	// Close releases any resources held by the backend.
	Close() error
}

// Info describes a stored value.
type Info struct {
	Size    int64
	ModTime time.Time
}

// Options contains optional parameters for storage operations.
type Options struct {
	// Permissions sets the file permissions for file-based storage
	Permissions fs.FileMode
}

// DefaultOptions returns Options with owner-only permissions.
func DefaultOptions() *Options {
	return &Options{
		Permissions: 0600,
	}
}
