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

// Package blob implements the on-disk record format used for every stored
// secret: a small clear-text header, an optionally encrypted and digested
// body holding the value, and a clear-text trailing info section.
//
// The package is pure. Reading and writing files is the job of
// pkg/storage; choosing keys is the job of pkg/user.
package blob

import (
	"errors"

	"github.com/jeremyhahn/go-keystore/pkg/types"
)

const (
	// CurrentVersion is written into every new blob.
	CurrentVersion uint8 = 2

	// ValueSize bounds len(Value)+len(Info).
	ValueSize = 32768

	// MaxInfoSize bounds len(Info); the header stores it in one byte.
	MaxInfoSize = 255

	// BlockSize is the AES block size the body is padded to.
	BlockSize = 16

	// IVSize is the length of the header IV.
	IVSize = 16

	// DigestSize is the length of the MD5 body digest.
	DigestSize = 16

	// HeaderSize covers version, type, flags, info length and the IV.
	HeaderSize = 4 + IVSize

	lengthSize = 4
)

// Type identifies what a blob holds.
type Type uint8

const (
	// TypeAny is only valid as a query wildcard.
	TypeAny       Type = 0
	TypeGeneric   Type = 1
	TypeMasterKey Type = 2
	TypeKeyPair   Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeAny:
		return "any"
	case TypeGeneric:
		return "generic"
	case TypeMasterKey:
		return "master_key"
	case TypeKeyPair:
		return "key_pair"
	default:
		return "unknown"
	}
}

var (
	// ErrCorrupted is returned when a blob fails structural or digest checks.
	ErrCorrupted = errors.New("blob: value corrupted")

	// ErrLocked is returned when an encrypted blob is read or written
	// without a cipher.
	ErrLocked = errors.New("blob: cipher unavailable")

	// ErrTooLarge is returned when value and info exceed ValueSize.
	ErrTooLarge = errors.New("blob: value too large")

	// ErrInfoTooLarge is returned when info exceeds MaxInfoSize.
	ErrInfoTooLarge = errors.New("blob: info too large")

	// ErrInvalidIV is returned when an encrypted blob is written with an
	// IV of the wrong length.
	ErrInvalidIV = errors.New("blob: invalid IV length")
)

// Blob is the decoded form of a stored record.
type Blob struct {
	Version uint8
	Type    Type
	Flags   types.Flags
	Value   []byte
	Info    []byte
}

// New returns a current-version blob. Master key blobs are always encrypted.
func New(value, info []byte, typ Type) *Blob {
	b := &Blob{
		Version: CurrentVersion,
		Type:    typ,
		Value:   value,
		Info:    info,
	}
	if typ == TypeMasterKey {
		b.Flags |= types.FlagEncrypted
	}
	return b
}

// IsEncrypted reports whether the body is encrypted on disk. Blobs written
// before version 2 carried no flag and were always encrypted.
func (b *Blob) IsEncrypted() bool {
	return isEncrypted(b.Version, b.Flags)
}

// SetEncrypted sets or clears the encrypted flag.
func (b *Blob) SetEncrypted(on bool) {
	if on {
		b.Flags |= types.FlagEncrypted
	} else {
		b.Flags &^= types.FlagEncrypted
	}
}

// IsFallback reports whether the value is software keymaster material.
func (b *Blob) IsFallback() bool {
	return b.Flags.Has(types.FlagFallback)
}

// SetFallback sets or clears the fallback flag.
func (b *Blob) SetFallback(on bool) {
	if on {
		b.Flags |= types.FlagFallback
	} else {
		b.Flags &^= types.FlagFallback
	}
}

func isEncrypted(version uint8, flags types.Flags) bool {
	if version < 2 {
		return true
	}
	return flags.Has(types.FlagEncrypted)
}
