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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend_PutAndGet(t *testing.T) {
	backend := NewMemory()
	defer func() { _ = backend.Close() }()

	value := []byte("test-value")
	require.NoError(t, backend.Put("user_0/10001_k", value, nil))

	result, err := backend.Get("user_0/10001_k")
	require.NoError(t, err)
	assert.Equal(t, value, result)

	// returned slices are copies
	result[0] = 'X'
	again, err := backend.Get("user_0/10001_k")
	require.NoError(t, err)
	assert.Equal(t, value, again)
}

func TestMemoryBackend_NotFound(t *testing.T) {
	backend := NewMemory()
	defer func() { _ = backend.Close() }()

	_, err := backend.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, backend.Delete("missing"), ErrNotFound)
	_, err = backend.Stat("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, backend.Rename("missing", "other"), ErrNotFound)

	ok, err := backend.Exists("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryBackend_StatAndRename(t *testing.T) {
	backend := NewMemory()
	fixed := time.Unix(1700000000, 0)
	backend.now = func() time.Time { return fixed }

	require.NoError(t, backend.Put(".masterkey", []byte{1, 2, 3}, nil))
	info, err := backend.Stat(".masterkey")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size)
	assert.Equal(t, fixed, info.ModTime)

	require.NoError(t, backend.Rename(".masterkey", "user_0/.masterkey"))
	ok, err := backend.Exists(".masterkey")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = backend.Exists("user_0/.masterkey")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryBackend_InvalidKey(t *testing.T) {
	backend := NewMemory()
	assert.ErrorIs(t, backend.Put("", nil, nil), ErrInvalidKey)
	assert.ErrorIs(t, backend.Put("../escape", nil, nil), ErrInvalidKey)
	assert.ErrorIs(t, backend.Put("/abs", nil, nil), ErrInvalidKey)
}

func TestMemoryBackend_Closed(t *testing.T) {
	backend := NewMemory()
	require.NoError(t, backend.Close())
	require.NoError(t, backend.Close())

	_, err := backend.Get("k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, backend.Put("k", nil, nil), ErrClosed)
	_, err = backend.List("")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, backend.MkdirAll("user_0"), ErrClosed)
}

func TestListDir(t *testing.T) {
	backend := NewMemory()
	for _, k := range []string{
		".metadata",
		"10000_legacy",
		"user_0/.masterkey",
		"user_0/10001_a",
		"user_0/10001_b",
		"user_1/110001_c",
	} {
		require.NoError(t, backend.Put(k, []byte("x"), nil))
	}

	names, err := ListDir(backend, "user_0")
	require.NoError(t, err)
	assert.Equal(t, []string{".masterkey", "10001_a", "10001_b"}, names)

	root, err := ListDir(backend, "")
	require.NoError(t, err)
	assert.Equal(t, []string{".metadata", "10000_legacy"}, root)

	empty, err := ListDir(backend, "user_9")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLayout(t *testing.T) {
	assert.Equal(t, "user_0", UserDir(0))
	assert.Equal(t, "user_10/.masterkey", MasterKeyPath(10))
	assert.Equal(t, "user_1/110001_x", UserPath(1, "110001_x"))
}

func TestValidateKey(t *testing.T) {
	valid := []string{"a", ".metadata", "user_0/10001_k", "user_0/.masterkey"}
	for _, k := range valid {
		assert.NoError(t, ValidateKey(k), k)
	}
	invalid := []string{"", "/etc/passwd", "..", "../x", "a/../../b", "a//b", "./a", "a\x00b"}
	for _, k := range invalid {
		assert.ErrorIs(t, ValidateKey(k), ErrInvalidKey, k)
	}
}
