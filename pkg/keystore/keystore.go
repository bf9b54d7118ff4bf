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

// Package keystore is the entry point of the secret store. Every operation
// takes the uid of the caller, checks it against the access policy, and
// runs inside the critical section of the caller's user so that lock,
// unlock and reset never interleave with a read or write.
//
// Operations report their outcome as a types.ResponseCode; errors from the
// layers below are translated exactly once, by codeFor.
package keystore

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/jeremyhahn/go-keystore/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-keystore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keystore/pkg/blob"
	"github.com/jeremyhahn/go-keystore/pkg/crypto/rand"
	"github.com/jeremyhahn/go-keystore/pkg/grant"
	"github.com/jeremyhahn/go-keystore/pkg/keymaster"
	"github.com/jeremyhahn/go-keystore/pkg/keymaster/software"
	"github.com/jeremyhahn/go-keystore/pkg/keyname"
	"github.com/jeremyhahn/go-keystore/pkg/metrics"
	"github.com/jeremyhahn/go-keystore/pkg/policy"
	"github.com/jeremyhahn/go-keystore/pkg/storage"
	"github.com/jeremyhahn/go-keystore/pkg/types"
	"github.com/jeremyhahn/go-keystore/pkg/user"
)

// SelfUID as a target uid means "the caller".
const SelfUID int64 = -1

// Config wires a KeyStore to its collaborators. Only Storage is required.
type Config struct {
	Storage storage.Backend

	// Policy defaults to policy.DefaultConfig.
	Policy *policy.Policy

	// Keymaster defaults to a software-only capability.
	Keymaster *keymaster.Capability

	// Entropy supplies master keys, salts and IVs. Defaults to crypto/rand.
	Entropy io.Reader

	KDF kdf.KDFAdapter

	// MaxRetry defaults to user.MaxRetry.
	MaxRetry int

	Logger logger.Logger
}

// KeyStore owns every user state and the grant table.
type KeyStore struct {
	mu    sync.Mutex
	users map[uint32]*user.State

	grants   *grant.Table
	store    storage.Backend
	policy   *policy.Policy
	km       *keymaster.Capability
	entropy  io.Reader
	kdf      kdf.KDFAdapter
	maxRetry int
	log      logger.Logger
}

// New creates a KeyStore. Users are loaded lazily on first reference.
func New(cfg *Config) (*KeyStore, error) {
	if cfg == nil || cfg.Storage == nil {
		return nil, errors.New("keystore: storage is required")
	}

	ks := &KeyStore{
		users:    make(map[uint32]*user.State),
		grants:   grant.NewTable(),
		store:    cfg.Storage,
		policy:   cfg.Policy,
		km:       cfg.Keymaster,
		entropy:  cfg.Entropy,
		kdf:      cfg.KDF,
		maxRetry: cfg.MaxRetry,
		log:      cfg.Logger,
	}
	if ks.entropy == nil {
		ks.entropy = rand.Software()
	}
	if ks.policy == nil {
		ks.policy = policy.New(nil)
	}
	if ks.log == nil {
		ks.log = logger.NewNop()
	}
	if ks.km == nil {
		km, err := keymaster.NewCapability(nil, software.New(ks.entropy))
		if err != nil {
			return nil, err
		}
		ks.km = km
	}
	return ks, nil
}

// Policy returns the access policy in use.
func (ks *KeyStore) Policy() *policy.Policy {
	return ks.policy
}

// Close releases the keymaster devices.
func (ks *KeyStore) Close() error {
	return ks.km.Close()
}

// UserStates counts the loaded users by lock state.
func (ks *KeyStore) UserStates() map[string]int {
	ks.mu.Lock()
	users := make([]*user.State, 0, len(ks.users))
	for _, st := range ks.users {
		users = append(users, st)
	}
	ks.mu.Unlock()

	counts := map[string]int{
		types.StateNoError.String():       0,
		types.StateLocked.String():        0,
		types.StateUninitialized.String(): 0,
	}
	for _, st := range users {
		counts[st.State().String()]++
	}
	return counts
}

// Grants returns how many key files are currently granted to other uids.
func (ks *KeyStore) Grants() int {
	return ks.grants.Len()
}

// userState returns the state of the user uid belongs to, loading it on
// first use.
func (ks *KeyStore) userState(uid uint32) (*user.State, error) {
	userID := ks.policy.UserID(uid)

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if st, ok := ks.users[userID]; ok {
		return st, nil
	}
	st, err := user.New(&user.Config{
		UserID:       userID,
		Storage:      ks.store,
		Entropy:      ks.entropy,
		KDF:          ks.kdf,
		PerUserRange: ks.policy.PerUserRange(),
		MaxRetry:     ks.maxRetry,
		OnRemove:     func(path string) { ks.grants.RemoveFile(path) },
		Logger:       ks.log,
	})
	if err != nil {
		return nil, err
	}
	ks.users[userID] = st
	return st, nil
}

// forget drops a cached user so it is reloaded from storage.
func (ks *KeyStore) forget(userID uint32) {
	ks.mu.Lock()
	delete(ks.users, userID)
	ks.mu.Unlock()
}

// session runs fn inside the critical section of caller's user.
func (ks *KeyStore) session(caller uint32, fn func(*user.Session) types.ResponseCode) types.ResponseCode {
	st, err := ks.userState(caller)
	if err != nil {
		ks.log.Error("failed to load user", logger.Uint32("uid", caller), logger.Error(err))
		return types.SystemError
	}
	return st.Do(fn)
}

// allowed checks the permission bit and logs denials.
func (ks *KeyStore) allowed(caller uint32, perm types.Permission, op string) bool {
	if ks.policy.Has(caller, perm) {
		return true
	}
	ks.log.Warn("permission denied", logger.String("operation", op), logger.Uint32("uid", caller))
	return false
}

// target resolves a target uid argument. SelfUID selects the caller; any
// other uid must be one the caller may act for.
func (ks *KeyStore) target(caller uint32, target int64) (uint32, bool) {
	if target == SelfUID {
		return caller, true
	}
	if target < 0 || target > math.MaxUint32 {
		return 0, false
	}
	t := uint32(target)
	return t, ks.policy.IsGrantedTo(caller, t)
}

// path returns the storage key of name in the namespace of uid.
func (ks *KeyStore) path(uid uint32, name []byte) string {
	return storage.UserPath(ks.policy.UserID(uid), keyname.ForUID(uid, name))
}

// codeFor translates an error from the layers below into a response code.
func codeFor(err error) types.ResponseCode {
	switch {
	case err == nil:
		return types.NoError
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, keymaster.ErrKeyNotFound):
		return types.KeyNotFound
	case errors.Is(err, blob.ErrLocked):
		return types.Locked
	case errors.Is(err, blob.ErrCorrupted):
		return types.ValueCorrupted
	case errors.Is(err, blob.ErrTooLarge), errors.Is(err, blob.ErrInfoTooLarge):
		return types.ProtocolError
	}
	return types.SystemError
}

// track records the outcome of an operation. It is deferred with a pointer
// to the named result so the final code is observed.
func track(op string, start time.Time, code *types.ResponseCode) {
	metrics.RecordOperation(op, code.String(), time.Since(start).Seconds())
}

func unlocked(x *user.Session) (types.ResponseCode, bool) {
	if x.Unlocked() {
		return types.NoError, true
	}
	return x.State().Code(), false
}

func errorf(format string, args ...interface{}) error {
	return fmt.Errorf("keystore: "+format, args...)
}
