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
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keystore/pkg/types"
)

func testCipher(t *testing.T) *AESCipher {
	t.Helper()
	c, err := NewAESCipher(bytes.Repeat([]byte{0x42}, 16))
	require.NoError(t, err)
	return c
}

func testIV() []byte {
	return bytes.Repeat([]byte{0x07}, IVSize)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	c := testCipher(t)

	tests := []struct {
		name      string
		value     []byte
		info      []byte
		typ       Type
		encrypted bool
	}{
		{"empty generic clear", []byte{}, nil, TypeGeneric, false},
		{"empty generic encrypted", []byte{}, nil, TypeGeneric, true},
		{"small encrypted", []byte{1, 2, 3}, nil, TypeGeneric, true},
		{"block aligned", bytes.Repeat([]byte{9}, 12), nil, TypeGeneric, true},
		{"with info", []byte("secret"), []byte("salt-salt-salt-s"), TypeMasterKey, true},
		{"key pair clear", bytes.Repeat([]byte{5}, 100), nil, TypeKeyPair, false},
		{"max size", make([]byte, ValueSize-10), make([]byte, 10), TypeGeneric, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.value, tt.info, tt.typ)
			b.SetEncrypted(tt.encrypted || tt.typ == TypeMasterKey)

			raw, err := Encode(b, c, testIV())
			require.NoError(t, err)

			body := len(raw) - HeaderSize - len(tt.info)
			assert.Zero(t, body%BlockSize)

			got, err := Decode(raw, c)
			require.NoError(t, err)
			assert.Equal(t, CurrentVersion, got.Version)
			assert.Equal(t, tt.typ, got.Type)
			assert.Equal(t, b.Flags, got.Flags)
			assert.True(t, bytes.Equal(tt.value, got.Value))
			assert.True(t, bytes.Equal(tt.info, got.Info))
		})
	}
}

func TestEncode_Layout(t *testing.T) {
	b := New([]byte{0xAA, 0xBB}, []byte{0x01, 0x02}, TypeGeneric)

	raw, err := Encode(b, nil, nil)
	require.NoError(t, err)

	// header(20) + digest(16) + roundup16(4+2) + info(2)
	require.Len(t, raw, 20+16+16+2)
	assert.Equal(t, []byte{CurrentVersion, byte(TypeGeneric), 0, 2}, raw[:4])
	assert.Equal(t, make([]byte, IVSize+DigestSize), raw[4:36])
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(raw[36:40]))
	assert.Equal(t, []byte{0xAA, 0xBB}, raw[40:42])
	assert.Equal(t, make([]byte, 10), raw[42:52])
	assert.Equal(t, []byte{0x01, 0x02}, raw[52:])
}

func TestEncode_MasterKeyAlwaysEncrypted(t *testing.T) {
	b := New(make([]byte, 16), nil, TypeMasterKey)
	assert.True(t, b.IsEncrypted())

	_, err := Encode(b, nil, testIV())
	assert.ErrorIs(t, err, ErrLocked)
}

func TestEncode_Limits(t *testing.T) {
	c := testCipher(t)

	_, err := Encode(New(make([]byte, ValueSize+1), nil, TypeGeneric), c, testIV())
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = Encode(New(make([]byte, ValueSize-255), make([]byte, 256), TypeGeneric), c, testIV())
	assert.ErrorIs(t, err, ErrInfoTooLarge)

	b := New([]byte{1}, nil, TypeGeneric)
	b.SetEncrypted(true)
	_, err = Encode(b, c, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidIV)
}

func TestDecode_Corruption(t *testing.T) {
	c := testCipher(t)
	b := New([]byte("hello world"), nil, TypeGeneric)
	b.SetEncrypted(true)
	raw, err := Encode(b, c, testIV())
	require.NoError(t, err)

	t.Run("any flipped iv or body bit", func(t *testing.T) {
		withInfo := New(bytes.Repeat([]byte("v"), 40), []byte("salt"), TypeGeneric)
		withInfo.SetEncrypted(true)
		enc, err := Encode(withInfo, c, testIV())
		require.NoError(t, err)
		end := len(enc) - len(withInfo.Info)

		for i := 4; i < end; i++ {
			for _, mask := range []byte{0x01, 0x80} {
				bad := append([]byte(nil), enc...)
				bad[i] ^= mask
				_, err := Decode(bad, c)
				assert.ErrorIs(t, err, ErrCorrupted, "byte %d mask %#x", i, mask)
			}
		}

		// the info section is stored in the clear and not digested
		bad := append([]byte(nil), enc...)
		bad[end] ^= 0x01
		got, err := Decode(bad, c)
		require.NoError(t, err)
		assert.Equal(t, withInfo.Value, got.Value)
		assert.NotEqual(t, withInfo.Info, got.Info)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewAESCipher(bytes.Repeat([]byte{0x43}, 16))
		require.NoError(t, err)
		_, err = Decode(raw, other)
		assert.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("truncated header", func(t *testing.T) {
		_, err := Decode(raw[:HeaderSize-1], c)
		assert.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("unaligned body", func(t *testing.T) {
		_, err := Decode(raw[:len(raw)-1], c)
		assert.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("info longer than file", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[3] = 200
		_, err := Decode(bad, c)
		assert.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("no cipher", func(t *testing.T) {
		_, err := Decode(raw, nil)
		assert.ErrorIs(t, err, ErrLocked)
	})
}

func TestDecode_ClearLengthOutOfRange(t *testing.T) {
	raw, err := Encode(New([]byte{1, 2, 3}, nil, TypeGeneric), nil, nil)
	require.NoError(t, err)

	binary.BigEndian.PutUint32(raw[HeaderSize+DigestSize:], 13)
	_, err = Decode(raw, nil)
	assert.ErrorIs(t, err, ErrCorrupted)

	binary.BigEndian.PutUint32(raw[HeaderSize+DigestSize:], 0xFFFFFFFF)
	_, err = Decode(raw, nil)
	assert.ErrorIs(t, err, ErrCorrupted)

	binary.BigEndian.PutUint32(raw[HeaderSize+DigestSize:], 12)
	got, err := Decode(raw, nil)
	require.NoError(t, err)
	assert.Len(t, got.Value, 12)
}

func TestDecode_LegacyVersionIsEncrypted(t *testing.T) {
	c := testCipher(t)
	b := &Blob{Version: 1, Type: TypeGeneric, Value: []byte("v1")}
	assert.True(t, b.IsEncrypted())

	raw, err := Encode(b, c, testIV())
	require.NoError(t, err)

	_, err = Decode(raw, nil)
	assert.ErrorIs(t, err, ErrLocked)

	got, err := Decode(raw, c)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), got.Version)
	assert.Equal(t, []byte("v1"), got.Value)
}

func TestSalt(t *testing.T) {
	c := testCipher(t)
	salt := bytes.Repeat([]byte{0x5A}, 16)

	raw, err := Encode(New(make([]byte, 16), salt, TypeMasterKey), c, testIV())
	require.NoError(t, err)
	assert.Equal(t, salt, Salt(raw, 16))

	legacy, err := Encode(New(make([]byte, 16), nil, TypeMasterKey), c, testIV())
	require.NoError(t, err)
	assert.Nil(t, Salt(legacy, 16))
	assert.Nil(t, Salt([]byte{1, 2}, 16))
}

func TestParseHeader(t *testing.T) {
	raw, err := Encode(New([]byte{1}, nil, TypeKeyPair), nil, nil)
	require.NoError(t, err)

	h, err := ParseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeKeyPair, h.Type)
	assert.False(t, h.Encrypted())
}

func TestFlags(t *testing.T) {
	b := New(nil, nil, TypeKeyPair)
	assert.False(t, b.IsFallback())
	b.SetFallback(true)
	assert.True(t, b.IsFallback())
	assert.Equal(t, types.FlagFallback, b.Flags)
	b.SetFallback(false)
	b.SetEncrypted(true)
	assert.Equal(t, types.FlagEncrypted, b.Flags)
}

func TestUpgrade(t *testing.T) {
	t.Run("v0 generic", func(t *testing.T) {
		b := &Blob{Version: 0, Type: TypeAny}
		res := Upgrade(b, TypeGeneric)
		assert.True(t, res.Updated)
		assert.False(t, res.Reimport)
		assert.Equal(t, uint8(0), res.From)
		assert.Equal(t, CurrentVersion, b.Version)
		assert.Equal(t, TypeGeneric, b.Type)
		assert.True(t, b.Flags.Has(types.FlagEncrypted))
	})

	t.Run("v0 untyped read leaves blob alone", func(t *testing.T) {
		b := &Blob{Version: 0, Value: []byte("v")}
		snapshot := *b
		res := Upgrade(b, TypeAny)
		assert.False(t, res.Updated)
		assert.False(t, res.Reimport)
		assert.Equal(t, snapshot, *b)

		res = Upgrade(b, TypeGeneric)
		assert.True(t, res.Updated)
		assert.Equal(t, TypeGeneric, b.Type)
		assert.Equal(t, CurrentVersion, b.Version)
	})

	t.Run("v0 key pair needs reimport", func(t *testing.T) {
		b := &Blob{Version: 0}
		res := Upgrade(b, TypeKeyPair)
		assert.True(t, res.Reimport)
		assert.Equal(t, TypeKeyPair, b.Type)
	})

	t.Run("v1 gains encrypted flag", func(t *testing.T) {
		b := &Blob{Version: 1, Type: TypeGeneric}
		res := Upgrade(b, TypeAny)
		assert.True(t, res.Updated)
		assert.Equal(t, TypeGeneric, b.Type)
		assert.Equal(t, types.FlagEncrypted, b.Flags)
	})

	t.Run("idempotent", func(t *testing.T) {
		b := &Blob{Version: 0}
		Upgrade(b, TypeGeneric)
		snapshot := *b
		res := Upgrade(b, TypeGeneric)
		assert.False(t, res.Updated)
		assert.Equal(t, snapshot, *b)
	})
}
