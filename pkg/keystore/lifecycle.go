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
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/jeremyhahn/go-keystore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keystore/pkg/blob"
	"github.com/jeremyhahn/go-keystore/pkg/keyname"
	"github.com/jeremyhahn/go-keystore/pkg/metrics"
	"github.com/jeremyhahn/go-keystore/pkg/storage"
	"github.com/jeremyhahn/go-keystore/pkg/types"
	"github.com/jeremyhahn/go-keystore/pkg/user"
)

// Test returns the lock state of the caller's user.
func (ks *KeyStore) Test(caller uint32) (code types.ResponseCode) {
	defer track(metrics.OpTest, time.Now(), &code)

	if !ks.allowed(caller, types.PermTest, metrics.OpTest) {
		return types.PermissionDenied
	}
	st, err := ks.userState(caller)
	if err != nil {
		return types.SystemError
	}
	return st.State().Code()
}

// Reset wipes the caller's user and asks the keymaster to drop its keys.
func (ks *KeyStore) Reset(caller uint32) (code types.ResponseCode) {
	defer track(metrics.OpReset, time.Now(), &code)

	if !ks.allowed(caller, types.PermReset, metrics.OpReset) {
		return types.PermissionDenied
	}
	st, err := ks.userState(caller)
	if err != nil {
		return types.SystemError
	}

	if err := st.Reset(); err != nil {
		ks.log.Error("failed to reset user", logger.Uint32("user_id", st.UserID()), logger.Error(err))
		return types.SystemError
	}
	metrics.RecordUserReset()

	if err := ks.km.DeleteAll(); err != nil {
		ks.log.Error("failed to delete keymaster keys", logger.Error(err))
		return types.SystemError
	}
	return types.NoError
}

// SetPassword initializes the caller's user, changes its password, or
// unlocks it, depending on its state.
func (ks *KeyStore) SetPassword(caller uint32, password []byte) (code types.ResponseCode) {
	defer track(metrics.OpPassword, time.Now(), &code)

	if !ks.allowed(caller, types.PermPassword, metrics.OpPassword) {
		return types.PermissionDenied
	}
	st, err := ks.userState(caller)
	if err != nil {
		return types.SystemError
	}
	before := st.State()
	code = st.SetPassword(password)
	ks.recordUnlock(before, code)
	return code
}

// Lock drops the caller's master key from memory.
func (ks *KeyStore) Lock(caller uint32) (code types.ResponseCode) {
	defer track(metrics.OpLock, time.Now(), &code)

	if !ks.allowed(caller, types.PermLock, metrics.OpLock) {
		return types.PermissionDenied
	}
	st, err := ks.userState(caller)
	if err != nil {
		return types.SystemError
	}
	return st.Lock()
}

// Unlock loads the caller's master key. Each wrong password costs one
// retry; running out resets the user.
func (ks *KeyStore) Unlock(caller uint32, password []byte) (code types.ResponseCode) {
	defer track(metrics.OpUnlock, time.Now(), &code)

	if !ks.allowed(caller, types.PermUnlock, metrics.OpUnlock) {
		return types.PermissionDenied
	}
	st, err := ks.userState(caller)
	if err != nil {
		return types.SystemError
	}
	before := st.State()
	code = st.Unlock(password)
	ks.recordUnlock(before, code)
	return code
}

func (ks *KeyStore) recordUnlock(before types.State, code types.ResponseCode) {
	if before != types.StateLocked {
		return
	}
	switch {
	case code.IsWrongPassword():
		metrics.RecordUnlockFailure()
	case code == types.Uninitialized:
		metrics.RecordUnlockFailure()
		metrics.RecordUserReset()
	}
}

// IsEmpty returns KeyNotFound when the caller owns no files.
func (ks *KeyStore) IsEmpty(caller uint32) (code types.ResponseCode) {
	defer track(metrics.OpIsEmpty, time.Now(), &code)

	if !ks.allowed(caller, types.PermZero, metrics.OpIsEmpty) {
		return types.PermissionDenied
	}
	return ks.session(caller, func(x *user.Session) types.ResponseCode {
		files, err := storage.ListDir(x.Storage(), storage.UserDir(x.UserID()))
		if err != nil {
			return types.SystemError
		}
		prefix := keyname.UIDPrefix(caller)
		for _, f := range files {
			if strings.HasPrefix(f, prefix) {
				return types.NoError
			}
		}
		return types.KeyNotFound
	})
}

// ClearUID deletes every file of target, removing hardware key pairs from
// the device first. Files that cannot be read are skipped.
func (ks *KeyStore) ClearUID(caller uint32, target int64) (code types.ResponseCode) {
	defer track(metrics.OpClearUID, time.Now(), &code)

	if !ks.allowed(caller, types.PermClearUID, metrics.OpClearUID) {
		return types.PermissionDenied
	}
	return ks.session(caller, func(x *user.Session) types.ResponseCode {
		if rc, ok := unlocked(x); !ok {
			return rc
		}
		t, ok := ks.target(caller, target)
		if !ok {
			return types.PermissionDenied
		}

		userID := ks.policy.UserID(t)
		files, err := storage.ListDir(x.Storage(), storage.UserDir(userID))
		if err != nil {
			ks.log.Error("failed to list user directory", logger.Error(err))
			return types.SystemError
		}

		var result *multierror.Error
		prefix := keyname.UIDPrefix(t)
		for _, f := range files {
			if !strings.HasPrefix(f, prefix) {
				continue
			}
			key := storage.UserPath(userID, f)
			b, rc := ks.getBlob(x, key, blob.TypeAny)
			if rc != types.NoError {
				ks.log.Warn("skipping unreadable file", logger.String("key", key), logger.Stringer("code", rc))
				continue
			}
			if b.Type == blob.TypeKeyPair && !b.IsFallback() {
				if err := ks.km.Hardware().Delete(b.Value); err != nil {
					result = multierror.Append(result, fmt.Errorf("delete key pair %s: %w", key, err))
				}
			}
			if rc := ks.unlink(key); rc != types.NoError {
				result = multierror.Append(result, fmt.Errorf("unlink %s: %s", key, rc))
			}
		}

		if err := result.ErrorOrNil(); err != nil {
			ks.log.Error("failed to clear uid", logger.Uint32("uid", t), logger.Error(err))
			return types.SystemError
		}
		return types.NoError
	})
}
