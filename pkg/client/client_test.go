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

//go:build linux

package client_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keystore/internal/unix"
	"github.com/jeremyhahn/go-keystore/pkg/client"
	"github.com/jeremyhahn/go-keystore/pkg/keystore"
	"github.com/jeremyhahn/go-keystore/pkg/policy"
	"github.com/jeremyhahn/go-keystore/pkg/ratelimit"
	"github.com/jeremyhahn/go-keystore/pkg/storage"
	"github.com/jeremyhahn/go-keystore/pkg/types"
)

// startDaemon serves a fresh in-memory keystore on a temp socket. The test
// process uid gets every permission.
func startDaemon(t *testing.T, rl *ratelimit.Config) *client.Client {
	t.Helper()
	uid := uint32(os.Getuid())
	ks, err := keystore.New(&keystore.Config{
		Storage: storage.NewMemory(),
		Policy:  policy.New(&policy.Config{Permissions: map[uint32]types.Permission{uid: types.PermAll}}),
	})
	require.NoError(t, err)

	socket := filepath.Join(t.TempDir(), "keystore.sock")
	srv, err := unix.NewServer(&unix.Config{SocketPath: socket, KeyStore: ks, RateLimit: rl})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	select {
	case <-srv.Ready():
	case err := <-errCh:
		t.Fatalf("Start() error = %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	c := client.New(&client.Config{SocketPath: socket, Timeout: 10 * time.Second})
	t.Cleanup(func() {
		_ = c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		_ = ks.Close()
	})
	return c
}

func TestClient_RoundTrip(t *testing.T) {
	c := startDaemon(t, nil)
	ctx := context.Background()
	pw := []byte("hunter2")

	code, err := c.Test(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Uninitialized, code)

	code, err = c.SetPassword(ctx, pw)
	require.NoError(t, err)
	require.Equal(t, types.NoError, code)

	code, err = c.IsEmpty(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.KeyNotFound, code)

	name := []byte("wifi/psk 1")
	code, err = c.Insert(ctx, name, []byte("s3cret"), client.SelfUID, types.FlagEncrypted)
	require.NoError(t, err)
	require.Equal(t, types.NoError, code)

	value, code, err := c.Get(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, types.NoError, code)
	assert.Equal(t, []byte("s3cret"), value)

	code, err = c.Exists(ctx, name, client.SelfUID)
	require.NoError(t, err)
	assert.Equal(t, types.NoError, code)
	code, err = c.Exists(ctx, []byte("missing"), client.SelfUID)
	require.NoError(t, err)
	assert.Equal(t, types.KeyNotFound, code)

	names, code, err := c.List(ctx, []byte("wifi/"), client.SelfUID)
	require.NoError(t, err)
	assert.Equal(t, types.NoError, code)
	assert.Equal(t, [][]byte{[]byte("psk 1")}, names)

	mtime, code, err := c.ModTime(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, types.NoError, code)
	assert.Greater(t, mtime, int64(0))

	code, err = c.Generate(ctx, []byte("signer"), client.SelfUID, "Ed25519", 0, types.FlagEncrypted, nil)
	require.NoError(t, err)
	require.Equal(t, types.NoError, code)

	sig, code, err := c.Sign(ctx, []byte("signer"), []byte("data"))
	require.NoError(t, err)
	require.Equal(t, types.NoError, code)
	code, err = c.Verify(ctx, []byte("signer"), []byte("data"), sig)
	require.NoError(t, err)
	assert.Equal(t, types.NoError, code)

	pub, code, err := c.GetPublicKey(ctx, []byte("signer"))
	require.NoError(t, err)
	assert.Equal(t, types.NoError, code)
	assert.NotEmpty(t, pub)

	hw, err := c.IsHardwareBacked(ctx, "EC")
	require.NoError(t, err)
	assert.False(t, hw)

	code, err = c.DeleteKeyPair(ctx, []byte("signer"), client.SelfUID)
	require.NoError(t, err)
	assert.Equal(t, types.NoError, code)

	code, err = c.Delete(ctx, name, client.SelfUID)
	require.NoError(t, err)
	assert.Equal(t, types.NoError, code)

	code, err = c.Lock(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.NoError, code)
	code, err = c.Unlock(ctx, []byte("wrong"))
	require.NoError(t, err)
	assert.True(t, code.IsWrongPassword())
	code, err = c.Unlock(ctx, pw)
	require.NoError(t, err)
	assert.Equal(t, types.NoError, code)

	code, err = c.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.NoError, code)

	hr, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", hr.Status)
}

func TestClient_RateLimited(t *testing.T) {
	c := startDaemon(t, &ratelimit.Config{Enabled: true, RequestsPerMinute: 1, Burst: 1})
	ctx := context.Background()

	_, err := c.Unlock(ctx, []byte("pw"))
	require.NoError(t, err)
	_, err = c.Unlock(ctx, []byte("pw"))
	assert.True(t, errors.Is(err, client.ErrRateLimited))
}

func TestClient_NoDaemon(t *testing.T) {
	c := client.New(&client.Config{SocketPath: filepath.Join(t.TempDir(), "absent.sock")})
	_, err := c.Test(context.Background())
	assert.Error(t, err)
}
