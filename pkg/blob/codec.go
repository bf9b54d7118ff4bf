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

package blob

import (
	"bytes"
	"crypto/md5" // #nosec G501 - on-disk format digest
	"encoding/binary"
	"fmt"

	"github.com/jeremyhahn/go-keystore/pkg/types"
)

// Header is the clear-text prefix of an encoded blob.
type Header struct {
	Version    uint8
	Type       Type
	Flags      types.Flags
	InfoLength uint8
}

// Encrypted reports whether the body following the header is encrypted.
func (h Header) Encrypted() bool {
	return isEncrypted(h.Version, h.Flags)
}

// ParseHeader reads the clear-text header without touching the body.
func ParseHeader(raw []byte) (Header, error) {
	if len(raw) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d byte file is shorter than the header", ErrCorrupted, len(raw))
	}
	return Header{
		Version:    raw[0],
		Type:       Type(raw[1]),
		Flags:      types.Flags(raw[2]),
		InfoLength: raw[3],
	}, nil
}

// Salt returns the trailing info section of an encoded master key when it
// is exactly size bytes long, or nil for files written before salts were
// stored.
func Salt(raw []byte, size int) []byte {
	if len(raw) <= size || len(raw) < HeaderSize || int(raw[3]) != size {
		return nil
	}
	salt := make([]byte, size)
	copy(salt, raw[len(raw)-size:])
	return salt
}

// Encode serializes b. When b is encrypted, c and a BlockSize iv are
// required; otherwise both are ignored and the IV and digest are zero.
func Encode(b *Blob, c Cipher, iv []byte) ([]byte, error) {
	if len(b.Info) > MaxInfoSize {
		return nil, ErrInfoTooLarge
	}
	if len(b.Value)+len(b.Info) > ValueSize {
		return nil, ErrTooLarge
	}

	encrypted := b.IsEncrypted()
	if encrypted {
		if c == nil {
			return nil, ErrLocked
		}
		if len(iv) != IVSize {
			return nil, ErrInvalidIV
		}
	}

	dataLength := len(b.Value) + lengthSize
	digestedLength := roundUp(dataLength, BlockSize)
	encryptedLength := digestedLength + DigestSize

	out := make([]byte, HeaderSize+encryptedLength+len(b.Info))
	out[0] = b.Version
	out[1] = byte(b.Type)
	out[2] = byte(b.Flags)
	out[3] = byte(len(b.Info))

	body := out[HeaderSize : HeaderSize+encryptedLength]
	digested := body[DigestSize:]
	binary.BigEndian.PutUint32(digested[:lengthSize], uint32(len(b.Value)))
	copy(digested[lengthSize:], b.Value)
	// padding is already zero

	if encrypted {
		copy(out[4:HeaderSize], iv)
		sum := md5.Sum(digested) // #nosec G401
		copy(body[:DigestSize], sum[:])
		if err := c.Encrypt(iv, body, body); err != nil {
			return nil, fmt.Errorf("blob: encrypt: %w", err)
		}
	}

	copy(out[HeaderSize+encryptedLength:], b.Info)
	return out, nil
}

// Decode parses an encoded blob. Encrypted blobs need a cipher; a nil c
// yields ErrLocked. Every structural or digest failure wraps ErrCorrupted.
func Decode(raw []byte, c Cipher) (*Blob, error) {
	h, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}

	infoLength := int(h.InfoLength)
	encryptedLength := len(raw) - HeaderSize - infoLength
	if encryptedLength < DigestSize+lengthSize {
		return nil, fmt.Errorf("%w: body length %d", ErrCorrupted, encryptedLength)
	}

	body := make([]byte, encryptedLength)
	copy(body, raw[HeaderSize:HeaderSize+encryptedLength])

	if h.Encrypted() {
		if encryptedLength%BlockSize != 0 {
			return nil, fmt.Errorf("%w: body is not block aligned", ErrCorrupted)
		}
		if c == nil {
			return nil, ErrLocked
		}
		iv := raw[4:HeaderSize]
		if err := c.Decrypt(iv, body, body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		sum := md5.Sum(body[DigestSize:]) // #nosec G401
		if !bytes.Equal(sum[:], body[:DigestSize]) {
			return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupted)
		}
	}

	digested := body[DigestSize:]
	maxValueLength := len(digested) - lengthSize
	length := int32(binary.BigEndian.Uint32(digested[:lengthSize]))
	if length < 0 || int(length) > maxValueLength {
		return nil, fmt.Errorf("%w: value length %d out of range", ErrCorrupted, length)
	}

	value := make([]byte, length)
	copy(value, digested[lengthSize:lengthSize+int(length)])

	var info []byte
	if infoLength > 0 {
		info = make([]byte, infoLength)
		copy(info, raw[HeaderSize+encryptedLength:])
	}

	return &Blob{
		Version: h.Version,
		Type:    h.Type,
		Flags:   h.Flags,
		Value:   value,
		Info:    info,
	}, nil
}

func roundUp(n, block int) int {
	return (n + block - 1) / block * block
}
