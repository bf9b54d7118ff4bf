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

package storage

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

const (
	// MasterKeyFile is the per-user master key file name.
	MasterKeyFile = ".masterkey"

	// MetadataKey holds the store layout version.
	MetadataKey = ".metadata"

	userDirPrefix = "user_"
)

// UserDir returns the directory holding every file of userID.
func UserDir(userID uint32) string {
	return userDirPrefix + strconv.FormatUint(uint64(userID), 10)
}

// MasterKeyPath returns the master key location of userID.
func MasterKeyPath(userID uint32) string {
	return path.Join(UserDir(userID), MasterKeyFile)
}

// UserPath joins a file name onto the directory of userID.
func UserPath(userID uint32, filename string) string {
	return path.Join(UserDir(userID), filename)
}

// ListDir returns the base names of the keys stored directly under dir,
// without descending into subdirectories. An empty dir lists the root.
func ListDir(b Backend, dir string) ([]string, error) {
	prefix := ""
	if dir != "" {
		prefix = strings.TrimSuffix(dir, "/") + "/"
	}
	keys, err := b.List(prefix)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(keys))
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		names = append(names, rest)
	}
	return names, nil
}

// ValidateKey rejects keys that are empty, absolute, contain NUL bytes or
// escape the storage root.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("%w: contains null byte", ErrInvalidKey)
	}
	if path.IsAbs(key) {
		return fmt.Errorf("%w: absolute path %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
