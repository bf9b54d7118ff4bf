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

// Package user implements the per-user lock state machine: the master key
// that encrypts a user's blobs, its password-wrapped form on disk, and the
// bounded retry counter that wipes the user after repeated wrong passwords.
//
//	UNINITIALIZED --SetPassword--> NO_ERROR <--Unlock-- LOCKED
//	      ^                          |  ^                 ^
//	      |                          |  +---SetPassword   |
//	      +--Reset / retry exhausted-+--------Lock--------+
package user

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/hashicorp/go-multierror"

	"github.com/jeremyhahn/go-keystore/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-keystore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keystore/pkg/blob"
	"github.com/jeremyhahn/go-keystore/pkg/crypto/rand"
	"github.com/jeremyhahn/go-keystore/pkg/keyname"
	"github.com/jeremyhahn/go-keystore/pkg/storage"
	"github.com/jeremyhahn/go-keystore/pkg/types"
)

const (
	// MasterKeySize is the AES-128 master key length.
	MasterKeySize = 16

	// SaltSize is the length of the salt stored after the master key blob.
	SaltSize = 16

	// MaxRetry is the number of consecutive wrong passwords that wipe a user.
	MaxRetry = 3
)

// legacySalt derived the password key of master key files written before
// salts were stored.
var legacySalt = []byte("keystore\x00")

// Config wires a State to its collaborators.
type Config struct {
	UserID uint32

	Storage storage.Backend

	// Entropy supplies master keys, salts and IVs. Defaults to crypto/rand.
	Entropy io.Reader

	// KDF defaults to PBKDF2.
	KDF kdf.KDFAdapter

	// PerUserRange decides which "<uid>_" files belong to this user.
	PerUserRange uint32

	// MaxRetry defaults to MaxRetry.
	MaxRetry int

	// OnRemove is called with the storage path of every key file a reset
	// removes, whether the reset was asked for or forced by running out of
	// retries. It runs while the user is locked and must not call back
	// into the State.
	OnRemove func(path string)

	Logger logger.Logger
}

// State is one user's keystore state. All methods are safe for concurrent
// use; Do serializes a caller's sequence of reads and writes against lock,
// unlock and reset.
type State struct {
	mu sync.Mutex

	userID       uint32
	store        storage.Backend
	entropy      io.Reader
	kdf          kdf.KDFAdapter
	perUserRange uint32
	maxRetry     int
	onRemove     func(string)
	log          logger.Logger

	state  types.State
	retry  int
	master *memguard.Enclave
	salt   []byte
	cipher blob.Cipher
}

// New loads the state of a user, creating the user directory if needed.
// A user with a master key file starts LOCKED, otherwise UNINITIALIZED.
func New(cfg *Config) (*State, error) {
	if cfg == nil || cfg.Storage == nil {
		return nil, errors.New("user: storage is required")
	}

	s := &State{
		userID:       cfg.UserID,
		store:        cfg.Storage,
		entropy:      cfg.Entropy,
		kdf:          cfg.KDF,
		perUserRange: cfg.PerUserRange,
		maxRetry:     cfg.MaxRetry,
		onRemove:     cfg.OnRemove,
		log:          cfg.Logger,
	}
	if s.entropy == nil {
		s.entropy = rand.Software()
	}
	if s.kdf == nil {
		s.kdf = kdf.NewPBKDF2Adapter()
	}
	if s.perUserRange == 0 {
		s.perUserRange = 100000
	}
	if s.maxRetry <= 0 {
		s.maxRetry = MaxRetry
	}
	if s.log == nil {
		s.log = logger.NewNop()
	}
	s.log = s.log.With(logger.Uint32("user_id", s.userID))
	s.retry = s.maxRetry

	if err := s.store.MkdirAll(storage.UserDir(s.userID)); err != nil {
		return nil, fmt.Errorf("user: failed to create user directory: %w", err)
	}
	exists, err := s.store.Exists(storage.MasterKeyPath(s.userID))
	if err != nil {
		return nil, fmt.Errorf("user: failed to check master key: %w", err)
	}
	if exists {
		s.state = types.StateLocked
	} else {
		s.state = types.StateUninitialized
	}
	return s, nil
}

// UserID returns the user this state belongs to.
func (s *State) UserID() uint32 {
	return s.userID
}

// Dir returns the storage directory of the user.
func (s *State) Dir() string {
	return storage.UserDir(s.userID)
}

// State returns the current lock state.
func (s *State) State() types.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RetriesRemaining returns how many wrong passwords remain before a reset.
func (s *State) RetriesRemaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry
}

// SetPassword initializes an uninitialized user, re-wraps the master key
// of an unlocked user under the new password, or unlocks a locked user.
func (s *State) SetPassword(password []byte) types.ResponseCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case types.StateUninitialized:
		return s.initialize(password)
	case types.StateNoError:
		return s.writeMasterKey(password)
	case types.StateLocked:
		return s.readMasterKey(password)
	}
	return types.SystemError
}

// Initialize generates a new master key and salt, wraps the key under
// password and unlocks the user. Only valid while UNINITIALIZED; otherwise
// the current state is returned.
func (s *State) Initialize(password []byte) types.ResponseCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != types.StateUninitialized {
		return s.state.Code()
	}
	return s.initialize(password)
}

// Unlock unwraps the master key with password. Only valid while LOCKED;
// otherwise the current state is returned.
func (s *State) Unlock(password []byte) types.ResponseCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != types.StateLocked {
		return s.state.Code()
	}
	return s.readMasterKey(password)
}

// Lock drops the master key from memory. Only valid while NO_ERROR;
// otherwise the current state is returned.
func (s *State) Lock() types.ResponseCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != types.StateNoError {
		return s.state.Code()
	}
	s.zeroize()
	s.setState(types.StateLocked)
	s.log.Info("user locked")
	return types.NoError
}

// Reset deletes every key file of the user and the master key, drops key
// material and returns the user to UNINITIALIZED.
func (s *State) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reset()
}

func (s *State) initialize(password []byte) types.ResponseCode {
	master := make([]byte, MasterKeySize)
	salt := make([]byte, SaltSize)
	if err := rand.Fill(s.entropy, master); err != nil {
		s.log.Error("failed to generate master key", logger.Error(err))
		return types.SystemError
	}
	if err := rand.Fill(s.entropy, salt); err != nil {
		memguard.WipeBytes(master)
		s.log.Error("failed to generate salt", logger.Error(err))
		return types.SystemError
	}

	if err := s.loadMasterKey(master, salt); err != nil {
		s.log.Error("failed to load master key", logger.Error(err))
		return types.SystemError
	}
	code := s.writeMasterKey(password)
	if code != types.NoError {
		s.zeroize()
		return code
	}
	s.log.Info("user initialized")
	return code
}

// writeMasterKey wraps the in-memory master key under password and
// persists it. The caller holds s.mu and the key is loaded.
func (s *State) writeMasterKey(password []byte) types.ResponseCode {
	passwordKey, err := s.deriveKey(password, s.salt)
	if err != nil {
		s.log.Error("failed to derive password key", logger.Error(err))
		return types.SystemError
	}
	defer memguard.WipeBytes(passwordKey)

	wrap, err := blob.NewAESCipher(passwordKey)
	if err != nil {
		return types.SystemError
	}

	lb, err := s.master.Open()
	if err != nil {
		s.log.Error("failed to open master key enclave", logger.Error(err))
		return types.SystemError
	}
	defer lb.Destroy()

	iv := make([]byte, blob.IVSize)
	if err := rand.Fill(s.entropy, iv); err != nil {
		return types.SystemError
	}

	raw, err := blob.Encode(blob.New(lb.Bytes(), s.salt, blob.TypeMasterKey), wrap, iv)
	if err != nil {
		s.log.Error("failed to encode master key", logger.Error(err))
		return types.SystemError
	}
	if err := s.store.Put(storage.MasterKeyPath(s.userID), raw, nil); err != nil {
		s.log.Error("failed to write master key", logger.Error(err))
		return types.SystemError
	}

	s.setState(types.StateNoError)
	return types.NoError
}

// readMasterKey unwraps the on-disk master key. The caller holds s.mu.
func (s *State) readMasterKey(password []byte) types.ResponseCode {
	raw, err := s.store.Get(storage.MasterKeyPath(s.userID))
	if err != nil {
		s.log.Error("failed to read master key", logger.Error(err))
		return types.SystemError
	}

	salt := blob.Salt(raw, SaltSize)
	legacy := salt == nil
	if legacy {
		salt = legacySalt
	}

	passwordKey, err := s.deriveKey(password, salt)
	if err != nil {
		s.log.Error("failed to derive password key", logger.Error(err))
		return types.SystemError
	}
	wrap, err := blob.NewAESCipher(passwordKey)
	memguard.WipeBytes(passwordKey)
	if err != nil {
		return types.SystemError
	}

	b, err := blob.Decode(raw, wrap)
	if err == nil && b.Type == blob.TypeMasterKey && len(b.Value) == MasterKeySize {
		if legacy {
			salt = make([]byte, SaltSize)
			if err := rand.Fill(s.entropy, salt); err != nil {
				memguard.WipeBytes(b.Value)
				return types.SystemError
			}
		}
		if err := s.loadMasterKey(b.Value, salt); err != nil {
			s.log.Error("failed to load master key", logger.Error(err))
			return types.SystemError
		}
		if legacy {
			s.log.Info("re-salting legacy master key")
			return s.writeMasterKey(password)
		}
		s.setState(types.StateNoError)
		s.log.Info("user unlocked")
		return types.NoError
	}
	if err != nil && !errors.Is(err, blob.ErrCorrupted) {
		s.log.Error("failed to decode master key", logger.Error(err))
		return types.SystemError
	}

	s.retry--
	if s.retry <= 0 {
		s.log.Warn("retry limit reached, resetting user")
		if err := s.reset(); err != nil {
			s.log.Error("reset after retry limit failed", logger.Error(err))
			return types.SystemError
		}
		return types.Uninitialized
	}
	s.log.Warn("wrong password", logger.Int("retries_remaining", s.retry))
	return types.WrongPassword(s.retry - 1)
}

func (s *State) reset() error {
	s.zeroize()

	var result *multierror.Error
	names, err := storage.ListDir(s.store, s.Dir())
	if err != nil {
		result = multierror.Append(result, err)
	}
	for _, name := range names {
		uid, ok := keyname.Owner(name)
		if !ok || uid/s.perUserRange != s.userID {
			continue
		}
		path := storage.UserPath(s.userID, name)
		if err := s.store.Delete(path); err != nil && !errors.Is(err, storage.ErrNotFound) {
			result = multierror.Append(result, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		if s.onRemove != nil {
			s.onRemove(path)
		}
	}
	if err := s.store.Delete(storage.MasterKeyPath(s.userID)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		result = multierror.Append(result, fmt.Errorf("delete master key: %w", err))
	}

	s.setState(types.StateUninitialized)
	s.log.Info("user reset", logger.Int("files", len(names)))
	return result.ErrorOrNil()
}

// loadMasterKey seals key into an enclave, wiping key, and builds the
// blob cipher.
func (s *State) loadMasterKey(key, salt []byte) error {
	c, err := blob.NewAESCipher(key)
	if err != nil {
		memguard.WipeBytes(key)
		return err
	}
	s.zeroize()
	s.cipher = c
	s.master = memguard.NewEnclave(key)
	s.salt = append([]byte(nil), salt...)
	return nil
}

func (s *State) deriveKey(password, salt []byte) ([]byte, error) {
	return s.kdf.DeriveKey(password, kdf.MasterKeyParams(salt))
}

func (s *State) setState(state types.State) {
	s.state = state
	if state == types.StateNoError || state == types.StateUninitialized {
		s.retry = s.maxRetry
	}
}

func (s *State) zeroize() {
	s.master = nil
	s.cipher = nil
	if s.salt != nil {
		memguard.WipeBytes(s.salt)
		s.salt = nil
	}
}
