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

package file

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keystore/pkg/storage"
)

func newTestStorage(t *testing.T) (*FileStorage, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	s, err := NewWithFs(fsys, "/data/keystore")
	require.NoError(t, err)
	return s, fsys
}

func TestNew_EmptyRoot(t *testing.T) {
	_, err := NewWithFs(afero.NewMemMapFs(), "")
	assert.Error(t, err)
}

func TestNew_OsFs(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, s.Root())

	require.NoError(t, s.Put("user_0/10001_k", []byte("v"), nil))
	got, err := s.Get("user_0/10001_k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestFileStorage_PutGetDelete(t *testing.T) {
	s, fsys := newTestStorage(t)

	require.NoError(t, s.Put("user_0/10001_k", []byte("hello"), nil))

	got, err := s.Get("user_0/10001_k")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	fi, err := fsys.Stat("/data/keystore/user_0/10001_k")
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", fi.Mode().Perm().String())

	require.NoError(t, s.Put("user_0/10001_k", []byte("replaced"), nil))
	got, err = s.Get("user_0/10001_k")
	require.NoError(t, err)
	assert.Equal(t, []byte("replaced"), got)

	require.NoError(t, s.Delete("user_0/10001_k"))
	_, err = s.Get("user_0/10001_k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.Delete("user_0/10001_k"), storage.ErrNotFound)
}

func TestFileStorage_PutLeavesNoTempFiles(t *testing.T) {
	s, fsys := newTestStorage(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put("user_0/10001_k", []byte{byte(i)}, nil))
	}

	entries, err := afero.ReadDir(fsys, "/data/keystore/user_0")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "10001_k", entries[0].Name())
}

func TestFileStorage_Permissions(t *testing.T) {
	s, fsys := newTestStorage(t)
	require.NoError(t, s.Put("k", []byte("v"), &storage.Options{Permissions: 0640}))

	fi, err := fsys.Stat("/data/keystore/k")
	require.NoError(t, err)
	assert.Equal(t, "-rw-r-----", fi.Mode().Perm().String())
}

func TestFileStorage_ListAndListDir(t *testing.T) {
	s, _ := newTestStorage(t)
	for _, k := range []string{".metadata", "user_0/.masterkey", "user_0/10001_b", "user_0/10001_a", "user_1/110000_c"} {
		require.NoError(t, s.Put(k, []byte("x"), nil))
	}

	all, err := s.List("")
	require.NoError(t, err)
	assert.Equal(t, []string{".metadata", "user_0/.masterkey", "user_0/10001_a", "user_0/10001_b", "user_1/110000_c"}, all)

	user0, err := storage.ListDir(s, "user_0")
	require.NoError(t, err)
	assert.Equal(t, []string{".masterkey", "10001_a", "10001_b"}, user0)
}

func TestFileStorage_StatRenameExists(t *testing.T) {
	s, _ := newTestStorage(t)
	require.NoError(t, s.Put(".masterkey", []byte("0123456789"), nil))

	info, err := s.Stat(".masterkey")
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size)
	assert.False(t, info.ModTime.IsZero())

	require.NoError(t, s.Rename(".masterkey", "user_0/.masterkey"))

	ok, err := s.Exists(".masterkey")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Exists("user_0/.masterkey")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Stat("nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFileStorage_MkdirAll(t *testing.T) {
	s, fsys := newTestStorage(t)
	require.NoError(t, s.MkdirAll("user_5"))

	fi, err := fsys.Stat("/data/keystore/user_5")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestFileStorage_RejectsTraversal(t *testing.T) {
	s, _ := newTestStorage(t)
	assert.ErrorIs(t, s.Put("../outside", []byte("x"), nil), storage.ErrInvalidKey)
	_, err := s.Get("/etc/passwd")
	assert.ErrorIs(t, err, storage.ErrInvalidKey)
}
