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

package keystore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/jeremyhahn/go-keystore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keystore/pkg/keyname"
	"github.com/jeremyhahn/go-keystore/pkg/storage"
)

// StoreVersion is the layout version written by Migrate.
const StoreVersion uint32 = 1

// Version returns the layout version recorded in the store metadata. A
// missing or short metadata file reads as version 0.
func (ks *KeyStore) Version() (uint32, error) {
	raw, err := ks.store.Get(storage.MetadataKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errorf("failed to read metadata: %w", err)
	}
	if len(raw) < 4 {
		return 0, nil
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// Migrate moves a single-user store into the per-user layout. Files of
// user 0 and the root master key move into user 0's directory; root files
// of other users are deleted because no master key can decrypt them.
// Failures on individual files are logged and do not stop the migration.
// Running Migrate on a current store does nothing.
func (ks *KeyStore) Migrate() error {
	version, err := ks.Version()
	if err != nil {
		return err
	}
	if version >= StoreVersion {
		return nil
	}

	ks.log.Info("migrating store", logger.Int64("from_version", int64(version)))
	ks.forget(0)
	defer ks.forget(0)

	if err := ks.store.MkdirAll(storage.UserDir(0)); err != nil {
		return errorf("failed to create user directory: %w", err)
	}
	files, err := storage.ListDir(ks.store, "")
	if err != nil {
		return errorf("failed to list store: %w", err)
	}

	var result *multierror.Error
	moved, removed := 0, 0
	for _, f := range files {
		switch {
		case f == storage.MetadataKey:
			continue
		case f == storage.MasterKeyFile:
			if err := ks.move(f, storage.MasterKeyPath(0)); err != nil {
				result = multierror.Append(result, err)
				continue
			}
			moved++
		default:
			uid, ok := keyname.Owner(f)
			if !ok {
				continue
			}
			if ks.policy.UserID(uid) == 0 {
				if err := ks.move(f, storage.UserPath(0, f)); err != nil {
					result = multierror.Append(result, err)
					continue
				}
				moved++
				continue
			}
			if err := ks.store.Delete(f); err != nil {
				result = multierror.Append(result, fmt.Errorf("delete %s: %w", f, err))
				continue
			}
			removed++
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		ks.log.Warn("some files were not migrated", logger.Error(err))
	}

	meta := make([]byte, 4)
	binary.LittleEndian.PutUint32(meta, StoreVersion)
	if err := ks.store.Put(storage.MetadataKey, meta, nil); err != nil {
		return errorf("failed to write metadata: %w", err)
	}
	ks.log.Info("store migrated",
		logger.Int("moved", moved),
		logger.Int("removed", removed),
		logger.Int64("version", int64(StoreVersion)))
	return nil
}

func (ks *KeyStore) move(from, to string) error {
	exists, err := ks.store.Exists(to)
	if err != nil {
		return fmt.Errorf("move %s: %w", from, err)
	}
	if exists {
		return fmt.Errorf("move %s: %s already exists", from, to)
	}
	if err := ks.store.Rename(from, to); err != nil {
		return fmt.Errorf("move %s: %w", from, err)
	}
	return nil
}
