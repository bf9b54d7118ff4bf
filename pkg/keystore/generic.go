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
	"errors"
	"strings"
	"time"

	"github.com/jeremyhahn/go-keystore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keystore/pkg/blob"
	"github.com/jeremyhahn/go-keystore/pkg/keyname"
	"github.com/jeremyhahn/go-keystore/pkg/metrics"
	"github.com/jeremyhahn/go-keystore/pkg/storage"
	"github.com/jeremyhahn/go-keystore/pkg/types"
	"github.com/jeremyhahn/go-keystore/pkg/user"
)

// Get returns the value of a generic secret visible to caller.
func (ks *KeyStore) Get(caller uint32, name []byte) (value []byte, code types.ResponseCode) {
	defer track(metrics.OpGet, time.Now(), &code)

	if !ks.allowed(caller, types.PermGet, metrics.OpGet) {
		return nil, types.PermissionDenied
	}
	code = ks.session(caller, func(x *user.Session) types.ResponseCode {
		b, rc := ks.resolve(x, caller, name, blob.TypeGeneric)
		if rc == types.NoError {
			value = b.Value
		}
		return rc
	})
	return value, code
}

// Insert stores value as a generic secret of target. Encrypted inserts
// require the caller's user to be unlocked.
func (ks *KeyStore) Insert(caller uint32, name, value []byte, target int64, flags types.Flags) (code types.ResponseCode) {
	defer track(metrics.OpInsert, time.Now(), &code)

	if !ks.allowed(caller, types.PermInsert, metrics.OpInsert) {
		return types.PermissionDenied
	}
	return ks.session(caller, func(x *user.Session) types.ResponseCode {
		encrypted := flags.Has(types.FlagEncrypted)
		if encrypted {
			if rc, ok := unlocked(x); !ok {
				return rc
			}
		}
		t, ok := ks.target(caller, target)
		if !ok {
			return types.PermissionDenied
		}

		b := blob.New(value, nil, blob.TypeGeneric)
		b.SetEncrypted(encrypted)
		return codeFor(x.Write(ks.path(t, name), b))
	})
}

// Delete removes a generic secret of target.
func (ks *KeyStore) Delete(caller uint32, name []byte, target int64) (code types.ResponseCode) {
	defer track(metrics.OpDelete, time.Now(), &code)

	if !ks.allowed(caller, types.PermDelete, metrics.OpDelete) {
		return types.PermissionDenied
	}
	t, ok := ks.target(caller, target)
	if !ok {
		return types.PermissionDenied
	}
	return ks.session(caller, func(x *user.Session) types.ResponseCode {
		key := ks.path(t, name)
		if _, rc := ks.getBlob(x, key, blob.TypeGeneric); rc != types.NoError {
			return rc
		}
		return ks.unlink(key)
	})
}

// Exists reports whether target holds a file named name.
func (ks *KeyStore) Exists(caller uint32, name []byte, target int64) (code types.ResponseCode) {
	defer track(metrics.OpExists, time.Now(), &code)

	if !ks.allowed(caller, types.PermExist, metrics.OpExists) {
		return types.PermissionDenied
	}
	t, ok := ks.target(caller, target)
	if !ok {
		return types.PermissionDenied
	}
	return ks.session(caller, func(x *user.Session) types.ResponseCode {
		exists, err := x.Storage().Exists(ks.path(t, name))
		if err != nil {
			return codeFor(err)
		}
		if !exists {
			return types.KeyNotFound
		}
		return types.NoError
	})
}

// List returns the names of target's files that start with prefix, with
// the prefix removed.
func (ks *KeyStore) List(caller uint32, prefix []byte, target int64) (names [][]byte, code types.ResponseCode) {
	defer track(metrics.OpList, time.Now(), &code)

	if !ks.allowed(caller, types.PermSaw, metrics.OpList) {
		return nil, types.PermissionDenied
	}
	t, ok := ks.target(caller, target)
	if !ok {
		return nil, types.PermissionDenied
	}
	code = ks.session(caller, func(x *user.Session) types.ResponseCode {
		files, err := storage.ListDir(x.Storage(), storage.UserDir(ks.policy.UserID(t)))
		if err != nil {
			ks.log.Error("failed to list user directory", logger.Error(err))
			return types.SystemError
		}
		match := keyname.ForUID(t, prefix)
		names = make([][]byte, 0)
		for _, f := range files {
			if strings.HasPrefix(f, match) {
				names = append(names, keyname.Decode(f[len(match):]))
			}
		}
		return types.NoError
	})
	return names, code
}

// ModTime returns the modification time of caller's file in unix seconds,
// or -1 on any failure.
func (ks *KeyStore) ModTime(caller uint32, name []byte) (mtime int64) {
	code := types.SystemError
	defer track(metrics.OpModTime, time.Now(), &code)

	if !ks.allowed(caller, types.PermGet, metrics.OpModTime) {
		code = types.PermissionDenied
		return -1
	}
	mtime = -1
	code = ks.session(caller, func(x *user.Session) types.ResponseCode {
		info, err := x.Storage().Stat(ks.path(caller, name))
		if err != nil {
			return codeFor(err)
		}
		mtime = info.ModTime.Unix()
		return types.NoError
	})
	return mtime
}

// Duplicate copies srcName of srcUID to dstName of dstUID. Only the caller's
// own keys may be copied into another uid, and the destination must not
// exist.
func (ks *KeyStore) Duplicate(caller uint32, srcName []byte, srcUID int64, dstName []byte, dstUID int64) (code types.ResponseCode) {
	defer track(metrics.OpDuplicate, time.Now(), &code)

	if !ks.allowed(caller, types.PermDuplicate, metrics.OpDuplicate) {
		return types.PermissionDenied
	}
	return ks.session(caller, func(x *user.Session) types.ResponseCode {
		if rc, ok := unlocked(x); !ok {
			return rc
		}

		src, ok := ks.target(caller, srcUID)
		if !ok {
			return types.PermissionDenied
		}
		dst := caller
		if dstUID != SelfUID {
			if dstUID < 0 || dstUID > int64(^uint32(0)) {
				return types.PermissionDenied
			}
			dst = uint32(dstUID)
		}
		if src != dst {
			if src != caller || !ks.policy.IsGrantedTo(caller, dst) {
				return types.PermissionDenied
			}
		}

		dstKey := ks.path(dst, dstName)
		exists, err := x.Storage().Exists(dstKey)
		if err != nil || exists {
			return types.SystemError
		}

		b, rc := ks.getBlob(x, ks.path(src, srcName), blob.TypeAny)
		if rc != types.NoError {
			return rc
		}
		return codeFor(x.Write(dstKey, b))
	})
}

// Grant lets grantee read caller's file name.
func (ks *KeyStore) Grant(caller uint32, name []byte, grantee uint32) (code types.ResponseCode) {
	defer track(metrics.OpGrant, time.Now(), &code)

	if !ks.allowed(caller, types.PermGrant, metrics.OpGrant) {
		return types.PermissionDenied
	}
	return ks.session(caller, func(x *user.Session) types.ResponseCode {
		key, rc := ks.ownedFile(x, caller, name)
		if rc != types.NoError {
			return rc
		}
		ks.grants.Add(key, grantee)
		ks.log.Info("granted key", logger.String("key", key), logger.Uint32("grantee", grantee))
		return types.NoError
	})
}

// Ungrant revokes a grant made by Grant.
func (ks *KeyStore) Ungrant(caller uint32, name []byte, grantee uint32) (code types.ResponseCode) {
	defer track(metrics.OpUngrant, time.Now(), &code)

	if !ks.allowed(caller, types.PermGrant, metrics.OpUngrant) {
		return types.PermissionDenied
	}
	return ks.session(caller, func(x *user.Session) types.ResponseCode {
		key, rc := ks.ownedFile(x, caller, name)
		if rc != types.NoError {
			return rc
		}
		if !ks.grants.Remove(key, grantee) {
			return types.KeyNotFound
		}
		ks.log.Info("revoked grant", logger.String("key", key), logger.Uint32("grantee", grantee))
		return types.NoError
	})
}

// ownedFile returns the path of caller's file name, which must exist and
// be managed by an unlocked user.
func (ks *KeyStore) ownedFile(x *user.Session, caller uint32, name []byte) (string, types.ResponseCode) {
	if rc, ok := unlocked(x); !ok {
		return "", rc
	}
	key := ks.path(caller, name)
	exists, err := x.Storage().Exists(key)
	if err != nil {
		return "", types.SystemError
	}
	if !exists {
		return "", types.KeyNotFound
	}
	return key, types.NoError
}

// unlink deletes key and every grant on it.
func (ks *KeyStore) unlink(key string) types.ResponseCode {
	err := ks.store.Delete(key)
	ks.grants.RemoveFile(key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		ks.log.Error("failed to delete key", logger.String("key", key), logger.Error(err))
		return types.SystemError
	}
	return types.NoError
}
