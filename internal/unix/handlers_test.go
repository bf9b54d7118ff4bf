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

package unix

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keystore/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keystore/pkg/client"
	"github.com/jeremyhahn/go-keystore/pkg/health"
	"github.com/jeremyhahn/go-keystore/pkg/keystore"
	"github.com/jeremyhahn/go-keystore/pkg/ratelimit"
	"github.com/jeremyhahn/go-keystore/pkg/storage"
	"github.com/jeremyhahn/go-keystore/pkg/types"
)

const (
	system uint32 = 1000
	app    uint32 = 10005
)

var password = []byte("correct horse")

func newTestServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	store := storage.NewMemory()
	ks, err := keystore.New(&keystore.Config{Storage: store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.KeyStore = ks
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(t.TempDir(), "keystore.sock")
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return srv
}

// call sends a request as uid and decodes the reply body.
func call(t *testing.T, srv *Server, uid uint32, method, path string, body interface{}) (*httptest.ResponseRecorder, client.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req = req.WithContext(WithCaller(req.Context(), uid))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var resp client.Response
	if method != http.MethodHead && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func unlock(t *testing.T, srv *Server) {
	t.Helper()
	_, resp := call(t, srv, system, http.MethodPost, "/api/v1/password", client.PasswordRequest{Password: password})
	require.Equal(t, types.NoError, resp.Code)
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil)
	assert.Error(t, err)
	_, err = NewServer(&Config{})
	assert.Error(t, err)
}

func TestNewServer_Defaults(t *testing.T) {
	ks, err := keystore.New(&keystore.Config{Storage: storage.NewMemory()})
	require.NoError(t, err)
	srv, err := NewServer(&Config{KeyStore: ks})
	require.NoError(t, err)

	assert.Equal(t, DefaultSocketPath, srv.SocketPath())
	assert.Equal(t, 0666, int(srv.config.SocketMode))
	assert.NotZero(t, srv.config.ReadTimeout)
	assert.NotZero(t, srv.config.WriteTimeout)
}

func TestLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)

	rec, resp := call(t, srv, system, http.MethodGet, "/api/v1/test", nil)
	assert.Equal(t, types.Uninitialized, resp.Code)
	assert.Equal(t, "UNINITIALIZED", resp.Status)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))

	unlock(t, srv)
	_, resp = call(t, srv, system, http.MethodGet, "/api/v1/test", nil)
	assert.Equal(t, types.NoError, resp.Code)

	_, resp = call(t, srv, system, http.MethodPost, "/api/v1/lock", nil)
	require.Equal(t, types.NoError, resp.Code)
	_, resp = call(t, srv, system, http.MethodGet, "/api/v1/test", nil)
	assert.Equal(t, types.Locked, resp.Code)

	_, resp = call(t, srv, system, http.MethodPost, "/api/v1/unlock", client.PasswordRequest{Password: []byte("nope")})
	assert.True(t, resp.Code.IsWrongPassword())
	_, resp = call(t, srv, system, http.MethodPost, "/api/v1/unlock", client.PasswordRequest{Password: password})
	assert.Equal(t, types.NoError, resp.Code)

	_, resp = call(t, srv, system, http.MethodGet, "/api/v1/empty", nil)
	assert.Equal(t, types.KeyNotFound, resp.Code)

	_, resp = call(t, srv, system, http.MethodPost, "/api/v1/reset", nil)
	assert.Equal(t, types.NoError, resp.Code)
	_, resp = call(t, srv, system, http.MethodGet, "/api/v1/test", nil)
	assert.Equal(t, types.Uninitialized, resp.Code)
}

func TestKeys(t *testing.T) {
	srv := newTestServer(t, nil)
	unlock(t, srv)

	// "a/b" travels escaped and must not be split into path segments.
	const path = "/api/v1/keys/a%2Fb"
	_, resp := call(t, srv, system, http.MethodPut, path, client.InsertRequest{Value: []byte("secret"), Flags: types.FlagEncrypted})
	require.Equal(t, types.NoError, resp.Code)

	_, resp = call(t, srv, system, http.MethodGet, path, nil)
	require.Equal(t, types.NoError, resp.Code)
	assert.Equal(t, []byte("secret"), resp.Value)

	rec, _ := call(t, srv, system, http.MethodHead, path, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, strconv.Itoa(int(types.NoError)), rec.Header().Get(client.CodeHeader))

	_, resp = call(t, srv, system, http.MethodGet, "/api/v1/keys", nil)
	require.Equal(t, types.NoError, resp.Code)
	assert.Equal(t, [][]byte{[]byte("a/b")}, resp.Names)

	_, resp = call(t, srv, system, http.MethodGet, "/api/v1/keys?prefix=a", nil)
	assert.Equal(t, [][]byte{[]byte("/b")}, resp.Names)

	_, resp = call(t, srv, system, http.MethodGet, path+"/mtime", nil)
	require.Equal(t, types.NoError, resp.Code)
	require.NotNil(t, resp.MTime)
	assert.Greater(t, *resp.MTime, int64(0))

	_, resp = call(t, srv, system, http.MethodGet, "/api/v1/empty", nil)
	assert.Equal(t, types.NoError, resp.Code)

	_, resp = call(t, srv, system, http.MethodDelete, path, nil)
	assert.Equal(t, types.NoError, resp.Code)
	rec, resp = call(t, srv, system, http.MethodGet, path, nil)
	assert.Equal(t, types.KeyNotFound, resp.Code)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, resp = call(t, srv, system, http.MethodGet, "/api/v1/keys/a%2Fb/mtime", nil)
	assert.Equal(t, types.KeyNotFound, resp.Code)
}

func TestKeys_GrantAndDuplicate(t *testing.T) {
	srv := newTestServer(t, nil)
	unlock(t, srv)

	_, resp := call(t, srv, system, http.MethodPut, "/api/v1/keys/src", client.InsertRequest{Value: []byte("v"), Flags: types.FlagEncrypted})
	require.Equal(t, types.NoError, resp.Code)

	_, resp = call(t, srv, system, http.MethodPost, "/api/v1/keys/src/grant", client.GrantRequest{Grantee: app})
	assert.Equal(t, types.NoError, resp.Code)
	_, resp = call(t, srv, system, http.MethodPost, "/api/v1/keys/src/ungrant", client.GrantRequest{Grantee: app})
	assert.Equal(t, types.NoError, resp.Code)
	_, resp = call(t, srv, system, http.MethodPost, "/api/v1/keys/src/ungrant", client.GrantRequest{Grantee: app})
	assert.Equal(t, types.KeyNotFound, resp.Code)

	_, resp = call(t, srv, system, http.MethodPost, "/api/v1/keys/src/duplicate", client.DuplicateRequest{DestName: []byte("dst")})
	require.Equal(t, types.NoError, resp.Code)
	_, resp = call(t, srv, system, http.MethodGet, "/api/v1/keys/dst", nil)
	assert.Equal(t, []byte("v"), resp.Value)

	_, resp = call(t, srv, system, http.MethodPost, "/api/v1/uids/-1/clear", nil)
	assert.Equal(t, types.NoError, resp.Code)
	_, resp = call(t, srv, system, http.MethodGet, "/api/v1/keys/dst", nil)
	assert.Equal(t, types.KeyNotFound, resp.Code)

	rec, resp := call(t, srv, system, http.MethodPost, "/api/v1/uids/abc/clear", nil)
	assert.Equal(t, types.ProtocolError, resp.Code)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKeyPairs(t *testing.T) {
	srv := newTestServer(t, nil)
	unlock(t, srv)

	_, resp := call(t, srv, system, http.MethodPost, "/api/v1/keypairs/signer",
		client.GenerateRequest{Algorithm: "EC", KeySize: 256, Flags: types.FlagEncrypted})
	require.Equal(t, types.NoError, resp.Code)

	data := []byte("message")
	_, resp = call(t, srv, system, http.MethodPost, "/api/v1/keypairs/signer/sign", client.SignRequest{Data: data})
	require.Equal(t, types.NoError, resp.Code)
	require.NotEmpty(t, resp.Signature)
	sig := resp.Signature

	_, resp = call(t, srv, system, http.MethodPost, "/api/v1/keypairs/signer/verify", client.VerifyRequest{Data: data, Signature: sig})
	assert.Equal(t, types.NoError, resp.Code)
	_, resp = call(t, srv, system, http.MethodPost, "/api/v1/keypairs/signer/verify", client.VerifyRequest{Data: []byte("other"), Signature: sig})
	assert.Equal(t, types.SystemError, resp.Code)

	_, resp = call(t, srv, system, http.MethodGet, "/api/v1/keypairs/signer/public", nil)
	require.Equal(t, types.NoError, resp.Code)
	assert.NotEmpty(t, resp.PublicKey)

	_, resp = call(t, srv, system, http.MethodGet, "/api/v1/hardware/RSA", nil)
	require.NotNil(t, resp.Hardware)
	assert.False(t, *resp.Hardware)

	_, resp = call(t, srv, system, http.MethodDelete, "/api/v1/keypairs/signer", nil)
	assert.Equal(t, types.NoError, resp.Code)
	_, resp = call(t, srv, system, http.MethodGet, "/api/v1/keypairs/signer/public", nil)
	assert.Equal(t, types.KeyNotFound, resp.Code)
}

func TestKeyPairs_UnknownAlgorithm(t *testing.T) {
	srv := newTestServer(t, nil)
	unlock(t, srv)

	_, resp := call(t, srv, system, http.MethodPost, "/api/v1/keypairs/k", client.GenerateRequest{Algorithm: "DSA"})
	assert.Equal(t, types.SystemError, resp.Code)
	assert.NotEmpty(t, resp.Error)
}

func TestPermissionDenied(t *testing.T) {
	srv := newTestServer(t, nil)

	rec, resp := call(t, srv, app, http.MethodPost, "/api/v1/reset", nil)
	assert.Equal(t, types.PermissionDenied, resp.Code)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAudit(t *testing.T) {
	auditor := audit.NewMemoryAuditor(16)
	srv := newTestServer(t, &Config{Audit: auditor})

	unlock(t, srv)
	rec, resp := call(t, srv, system, http.MethodPut, "/api/v1/keys/wifi%2Fpsk", client.InsertRequest{Value: []byte("hunter2")})
	require.Equal(t, types.NoError, resp.Code)
	_, resp = call(t, srv, app, http.MethodPost, "/api/v1/reset", nil)
	require.Equal(t, types.PermissionDenied, resp.Code)

	events := auditor.Events(nil)
	require.Len(t, events, 3)

	assert.Equal(t, "reset", events[0].Operation)
	assert.Equal(t, app, events[0].Caller)
	assert.Equal(t, audit.OutcomeDenied, events[0].Outcome)

	assert.Equal(t, "insert", events[1].Operation)
	assert.Equal(t, system, events[1].Caller)
	assert.Equal(t, "wifi+_psk", events[1].Name)
	assert.Equal(t, audit.OutcomeSuccess, events[1].Outcome)
	assert.Equal(t, rec.Header().Get("X-Correlation-ID"), events[1].RequestID)

	assert.Equal(t, "password", events[2].Operation)
	assert.Empty(t, events[2].Name)

	for _, e := range events {
		assert.NotContains(t, e.Name, "hunter2")
	}
}

func TestAuditLog(t *testing.T) {
	recent := audit.NewMemoryAuditor(16)
	srv := newTestServer(t, &Config{Audit: recent, AuditLog: recent})
	owner := uint32(os.Getuid())

	unlock(t, srv)
	_, resp := call(t, srv, app, http.MethodPost, "/api/v1/reset", nil)
	require.Equal(t, types.PermissionDenied, resp.Code)

	list := func(uid uint32, query string) (*httptest.ResponseRecorder, []*audit.Event) {
		req := httptest.NewRequest(http.MethodGet, "/audit"+query, nil)
		req = req.WithContext(WithCaller(req.Context(), uid))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		var events []*audit.Event
		if rec.Code == http.StatusOK {
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
		}
		return rec, events
	}

	rec, events := list(owner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, events, 2)
	assert.Equal(t, "reset", events[0].Operation)

	_, events = list(owner, "?outcome=denied")
	require.Len(t, events, 1)
	assert.Equal(t, app, events[0].Caller)

	_, events = list(owner, "?caller="+strconv.Itoa(int(system))+"&limit=1")
	require.Len(t, events, 1)
	assert.Equal(t, "password", events[0].Operation)

	_, events = list(owner, "?operation=sign")
	assert.NotNil(t, events)
	assert.Empty(t, events)

	rec, _ = list(owner, "?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = list(owner, "?caller=nobody")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	if owner != 0 {
		rec, _ = list(0, "")
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	if owner != app {
		rec, _ = list(app, "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	}
}

func TestAuditLog_NotServedWithoutRing(t *testing.T) {
	srv := newTestServer(t, &Config{Audit: audit.NewMemoryAuditor(4)})
	req := httptest.NewRequest(http.MethodGet, "/audit", nil)
	req = req.WithContext(WithCaller(req.Context(), uint32(os.Getuid())))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMissingCaller(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/test", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var resp client.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, types.PermissionDenied, resp.Code)
}

func TestBadRequests(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/keys/k", bytes.NewBufferString("{"))
	req = req.WithContext(WithCaller(req.Context(), system))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, resp := call(t, srv, system, http.MethodDelete, "/api/v1/keys/k?uid=x", nil)
	assert.Equal(t, types.ProtocolError, resp.Code)
}

func TestUnlockRateLimited(t *testing.T) {
	srv := newTestServer(t, &Config{
		RateLimit: &ratelimit.Config{Enabled: true, RequestsPerMinute: 1, Burst: 1},
	})

	rec, _ := call(t, srv, system, http.MethodPost, "/api/v1/unlock", client.PasswordRequest{Password: password})
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
	rec, _ = call(t, srv, system, http.MethodPost, "/api/v1/unlock", client.PasswordRequest{Password: password})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Other callers and other operations are not throttled.
	rec, _ = call(t, srv, app, http.MethodPost, "/api/v1/unlock", client.PasswordRequest{Password: password})
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
	rec, _ = call(t, srv, system, http.MethodGet, "/api/v1/test", nil)
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	checker := health.NewChecker()
	checker.RegisterCheck("storage", health.StorageCheck(storage.NewMemory()))
	srv := newTestServer(t, &Config{Health: checker})

	get := func(path string) int {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusServiceUnavailable, get("/health"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/startup"))
	assert.Equal(t, http.StatusOK, get("/health/live"))
	assert.Equal(t, http.StatusOK, get("/health/ready"))

	checker.MarkStarted()
	assert.Equal(t, http.StatusOK, get("/health"))
	assert.Equal(t, http.StatusOK, get("/health/startup"))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &Config{MetricsPath: "/metrics"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "keystore_")
}
