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

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keystore/internal/unix"
	"github.com/jeremyhahn/go-keystore/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keystore/pkg/keystore"
	"github.com/jeremyhahn/go-keystore/pkg/policy"
	"github.com/jeremyhahn/go-keystore/pkg/storage"
	"github.com/jeremyhahn/go-keystore/pkg/types"
)

func startDaemon(t *testing.T) string {
	t.Helper()
	uid := uint32(os.Getuid())
	ks, err := keystore.New(&keystore.Config{
		Storage: storage.NewMemory(),
		Policy:  policy.New(&policy.Config{Permissions: map[uint32]types.Permission{uid: types.PermAll}}),
	})
	require.NoError(t, err)

	socket := filepath.Join(t.TempDir(), "keystore.sock")
	recent := audit.NewMemoryAuditor(64)
	srv, err := unix.NewServer(&unix.Config{SocketPath: socket, KeyStore: ks, Audit: recent, AuditLog: recent})
	require.NoError(t, err)
	go func() { _ = srv.Start() }()
	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		_ = ks.Close()
	})
	return socket
}

// run executes one CLI invocation against socket.
func run(t *testing.T, socket, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--socket", socket}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_EndToEnd(t *testing.T) {
	socket := startDaemon(t)

	out, err := run(t, socket, "", "state")
	var codeErr *CodeError
	require.True(t, errors.As(err, &codeErr))
	assert.Equal(t, types.Uninitialized, codeErr.Code)
	assert.Equal(t, "UNINITIALIZED\n", out)

	out, err = run(t, socket, "s3cret\n", "password")
	require.NoError(t, err)
	assert.Equal(t, "NO_ERROR\n", out)

	_, err = run(t, socket, "", "insert", "db/password", "hunter2")
	require.NoError(t, err)
	_, err = run(t, socket, "from stdin", "insert", "note", "--file", "-")
	require.NoError(t, err)

	out, err = run(t, socket, "", "get", "db/password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", out)

	out, err = run(t, socket, "", "get", "note")
	require.NoError(t, err)
	assert.Equal(t, "from stdin", out)

	out, err = run(t, socket, "", "list", "db/")
	require.NoError(t, err)
	assert.Equal(t, "password\n", out)

	out, err = run(t, socket, "", "-o", "json", "list")
	require.NoError(t, err)
	var listing struct{ Names []string }
	require.NoError(t, json.Unmarshal([]byte(out), &listing))
	assert.ElementsMatch(t, []string{"db/password", "note"}, listing.Names)

	_, err = run(t, socket, "", "generate", "signer", "--algorithm", "EC")
	require.NoError(t, err)
	sig, err := run(t, socket, "", "sign", "signer", "--data", "payload")
	require.NoError(t, err)
	out, err = run(t, socket, "", "verify", "signer", strings.TrimSpace(sig), "--data", "payload")
	require.NoError(t, err)
	assert.Equal(t, "NO_ERROR\n", out)

	out, err = run(t, socket, "", "pubkey", "signer", "--pem")
	require.NoError(t, err)
	assert.Contains(t, out, "BEGIN PUBLIC KEY")

	_, err = run(t, socket, "", "delete", "note")
	require.NoError(t, err)
	out, err = run(t, socket, "", "exists", "note")
	require.Error(t, err)
	assert.Equal(t, "KEY_NOT_FOUND\n", out)

	_, err = run(t, socket, "", "reset")
	assert.Error(t, err, "reset without --yes must refuse")
	_, err = run(t, socket, "", "reset", "--yes")
	require.NoError(t, err)
}

func TestCLI_Audit(t *testing.T) {
	socket := startDaemon(t)

	_, err := run(t, socket, "s3cret\n", "password")
	require.NoError(t, err)
	_, err = run(t, socket, "", "insert", "db/password", "hunter2")
	require.NoError(t, err)

	out, err := run(t, socket, "", "audit", "--operation", "insert")
	require.NoError(t, err)
	assert.Contains(t, out, " insert NO_ERROR db+_password\n")
	assert.NotContains(t, out, "hunter2")

	out, err = run(t, socket, "", "-o", "json", "audit", "--limit", "1")
	require.NoError(t, err)
	var listing struct{ Events []*audit.Event }
	require.NoError(t, json.Unmarshal([]byte(out), &listing))
	require.Len(t, listing.Events, 1)
	assert.Equal(t, "insert", listing.Events[0].Operation)

	_, err = run(t, socket, "", "audit", "--caller", "nobody")
	assert.Error(t, err)
}

func TestCLI_TransportError(t *testing.T) {
	_, err := run(t, filepath.Join(t.TempDir(), "absent.sock"), "", "state")
	require.Error(t, err)
	var codeErr *CodeError
	assert.False(t, errors.As(err, &codeErr))
}
