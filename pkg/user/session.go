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

package user

import (
	"fmt"

	"github.com/jeremyhahn/go-keystore/pkg/blob"
	"github.com/jeremyhahn/go-keystore/pkg/crypto/rand"
	"github.com/jeremyhahn/go-keystore/pkg/storage"
	"github.com/jeremyhahn/go-keystore/pkg/types"
)

// Session is a view of a State valid only inside Do. Reads and writes go
// through the user's master key.
type Session struct {
	s *State
}

// Do runs fn while holding the user's lock, so the state and master key
// cannot change underneath it.
func (s *State) Do(fn func(*Session) types.ResponseCode) types.ResponseCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Session{s: s})
}

// State returns the lock state.
func (x *Session) State() types.State {
	return x.s.state
}

// Unlocked reports whether the master key is loaded.
func (x *Session) Unlocked() bool {
	return x.s.state == types.StateNoError
}

// UserID returns the owning user.
func (x *Session) UserID() uint32 {
	return x.s.userID
}

// Storage returns the backend the user's files live in.
func (x *Session) Storage() storage.Backend {
	return x.s.store
}

// Read loads and decodes the blob stored at key. Encrypted blobs read
// while the user is not unlocked fail with blob.ErrLocked; a missing file
// yields storage.ErrNotFound.
func (x *Session) Read(key string) (*blob.Blob, error) {
	raw, err := x.s.store.Get(key)
	if err != nil {
		return nil, err
	}
	return blob.Decode(raw, x.cipher())
}

// Write encodes b under the user's master key with a fresh IV and
// atomically replaces key. Encrypted writes while not unlocked fail with
// blob.ErrLocked.
func (x *Session) Write(key string, b *blob.Blob) error {
	var iv []byte
	if b.IsEncrypted() {
		iv = make([]byte, blob.IVSize)
		if err := rand.Fill(x.s.entropy, iv); err != nil {
			return fmt.Errorf("user: failed to generate IV: %w", err)
		}
	}
	raw, err := blob.Encode(b, x.cipher(), iv)
	if err != nil {
		return err
	}
	return x.s.store.Put(key, raw, nil)
}

func (x *Session) cipher() blob.Cipher {
	if x.s.state != types.StateNoError || x.s.cipher == nil {
		return nil
	}
	return x.s.cipher
}
