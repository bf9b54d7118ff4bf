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

// Package client talks to the keystore daemon over its Unix domain socket.
// Every operation returns the daemon's response code; the error result is
// reserved for transport failures.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jeremyhahn/go-keystore/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keystore/pkg/types"
)

// DefaultSocketPath is the default Unix socket path
const DefaultSocketPath = "/run/keystore/keystore.sock"

// SelfUID targets the caller's own namespace.
const SelfUID int64 = -1

var (
	// ErrRateLimited is returned when the daemon throttles the caller.
	ErrRateLimited = errors.New("client: rate limit exceeded")
	// ErrBadResponse is returned when a reply cannot be decoded.
	ErrBadResponse = errors.New("client: malformed response")
)

// Config configures the keystore client.
type Config struct {
	// SocketPath defaults to DefaultSocketPath.
	SocketPath string

	// Timeout bounds each request. Zero means no timeout.
	Timeout time.Duration
}

// Client is a keystore client. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	socketPath string
}

// New creates a client. No connection is made until the first request.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		socketPath: socketPath,
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SocketPath returns the socket the client dials.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Checks []struct {
		Name    string `json:"name"`
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
		Error   string `json:"error,omitempty"`
	} `json:"checks"`
}

// Health returns the daemon's aggregated readiness.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	res, err := c.send(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	defer closeBody(res)

	var hr HealthResponse
	if err := json.NewDecoder(res.Body).Decode(&hr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return &hr, nil
}

func (c *Client) Test(ctx context.Context) (types.ResponseCode, error) {
	return c.code(c.do(ctx, http.MethodGet, "/api/v1/test", nil))
}

func (c *Client) Get(ctx context.Context, name []byte) ([]byte, types.ResponseCode, error) {
	resp, err := c.do(ctx, http.MethodGet, keyPath(name), nil)
	if err != nil {
		return nil, 0, err
	}
	return resp.Value, resp.Code, nil
}

func (c *Client) Insert(ctx context.Context, name, value []byte, uid int64, flags types.Flags) (types.ResponseCode, error) {
	return c.code(c.do(ctx, http.MethodPut, keyPath(name), &InsertRequest{Value: value, UID: &uid, Flags: flags}))
}

func (c *Client) Delete(ctx context.Context, name []byte, uid int64) (types.ResponseCode, error) {
	return c.code(c.do(ctx, http.MethodDelete, keyPath(name)+uidQuery(uid), nil))
}

// Exists returns NoError when the key is present.
func (c *Client) Exists(ctx context.Context, name []byte, uid int64) (types.ResponseCode, error) {
	res, err := c.send(ctx, http.MethodHead, keyPath(name)+uidQuery(uid), nil)
	if err != nil {
		return 0, err
	}
	defer closeBody(res)

	code, err := strconv.Atoi(res.Header.Get(CodeHeader))
	if err != nil {
		return 0, fmt.Errorf("%w: missing %s header", ErrBadResponse, CodeHeader)
	}
	return types.ResponseCode(code), nil
}

// List returns the names starting with prefix, with the prefix removed.
func (c *Client) List(ctx context.Context, prefix []byte, uid int64) ([][]byte, types.ResponseCode, error) {
	q := url.Values{}
	if len(prefix) > 0 {
		q.Set("prefix", string(prefix))
	}
	if uid != SelfUID {
		q.Set("uid", strconv.FormatInt(uid, 10))
	}
	path := "/api/v1/keys"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	return resp.Names, resp.Code, nil
}

// ModTime returns the key's modification time in Unix seconds.
func (c *Client) ModTime(ctx context.Context, name []byte) (int64, types.ResponseCode, error) {
	resp, err := c.do(ctx, http.MethodGet, keyPath(name)+"/mtime", nil)
	if err != nil {
		return -1, 0, err
	}
	if resp.MTime == nil {
		return -1, resp.Code, nil
	}
	return *resp.MTime, resp.Code, nil
}

func (c *Client) Duplicate(ctx context.Context, srcName []byte, srcUID int64, dstName []byte, dstUID int64) (types.ResponseCode, error) {
	body := &DuplicateRequest{SrcUID: &srcUID, DestName: dstName, DestUID: &dstUID}
	return c.code(c.do(ctx, http.MethodPost, keyPath(srcName)+"/duplicate", body))
}

func (c *Client) Grant(ctx context.Context, name []byte, grantee uint32) (types.ResponseCode, error) {
	return c.code(c.do(ctx, http.MethodPost, keyPath(name)+"/grant", &GrantRequest{Grantee: grantee}))
}

func (c *Client) Ungrant(ctx context.Context, name []byte, grantee uint32) (types.ResponseCode, error) {
	return c.code(c.do(ctx, http.MethodPost, keyPath(name)+"/ungrant", &GrantRequest{Grantee: grantee}))
}

func (c *Client) Reset(ctx context.Context) (types.ResponseCode, error) {
	return c.code(c.do(ctx, http.MethodPost, "/api/v1/reset", nil))
}

func (c *Client) SetPassword(ctx context.Context, password []byte) (types.ResponseCode, error) {
	return c.code(c.do(ctx, http.MethodPost, "/api/v1/password", &PasswordRequest{Password: password}))
}

func (c *Client) Lock(ctx context.Context) (types.ResponseCode, error) {
	return c.code(c.do(ctx, http.MethodPost, "/api/v1/lock", nil))
}

func (c *Client) Unlock(ctx context.Context, password []byte) (types.ResponseCode, error) {
	return c.code(c.do(ctx, http.MethodPost, "/api/v1/unlock", &PasswordRequest{Password: password}))
}

// IsEmpty returns KeyNotFound when the caller owns no keys.
func (c *Client) IsEmpty(ctx context.Context) (types.ResponseCode, error) {
	return c.code(c.do(ctx, http.MethodGet, "/api/v1/empty", nil))
}

// Generate creates a key pair. keySize 0 selects the algorithm default.
func (c *Client) Generate(ctx context.Context, name []byte, uid int64, algorithm string, keySize int, flags types.Flags, args [][]byte) (types.ResponseCode, error) {
	body := &GenerateRequest{UID: &uid, Algorithm: algorithm, KeySize: keySize, Flags: flags, Args: args}
	return c.code(c.do(ctx, http.MethodPost, keyPairPath(name), body))
}

// Import stores a PKCS#8 DER private key.
func (c *Client) Import(ctx context.Context, name, der []byte, uid int64, flags types.Flags) (types.ResponseCode, error) {
	body := &ImportRequest{UID: &uid, Data: der, Flags: flags}
	return c.code(c.do(ctx, http.MethodPost, keyPairPath(name)+"/import", body))
}

func (c *Client) Sign(ctx context.Context, name, data []byte) ([]byte, types.ResponseCode, error) {
	resp, err := c.do(ctx, http.MethodPost, keyPairPath(name)+"/sign", &SignRequest{Data: data})
	if err != nil {
		return nil, 0, err
	}
	return resp.Signature, resp.Code, nil
}

func (c *Client) Verify(ctx context.Context, name, data, signature []byte) (types.ResponseCode, error) {
	return c.code(c.do(ctx, http.MethodPost, keyPairPath(name)+"/verify", &VerifyRequest{Data: data, Signature: signature}))
}

// GetPublicKey returns the PKIX DER public key.
func (c *Client) GetPublicKey(ctx context.Context, name []byte) ([]byte, types.ResponseCode, error) {
	resp, err := c.do(ctx, http.MethodGet, keyPairPath(name)+"/public", nil)
	if err != nil {
		return nil, 0, err
	}
	return resp.PublicKey, resp.Code, nil
}

func (c *Client) DeleteKeyPair(ctx context.Context, name []byte, uid int64) (types.ResponseCode, error) {
	return c.code(c.do(ctx, http.MethodDelete, keyPairPath(name)+uidQuery(uid), nil))
}

func (c *Client) IsHardwareBacked(ctx context.Context, keyType string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/hardware/"+url.PathEscape(keyType), nil)
	if err != nil {
		return false, err
	}
	return resp.Hardware != nil && *resp.Hardware, nil
}

func (c *Client) ClearUID(ctx context.Context, uid int64) (types.ResponseCode, error) {
	return c.code(c.do(ctx, http.MethodPost, "/api/v1/uids/"+strconv.FormatInt(uid, 10)+"/clear", nil))
}

// AuditEvents returns the daemon's recent audit events matching q, newest
// first. Callers other than root and the daemon owner get PERMISSION_DENIED.
func (c *Client) AuditEvents(ctx context.Context, q *audit.Query) ([]*audit.Event, types.ResponseCode, error) {
	path := "/audit"
	if v := auditValues(q); len(v) > 0 {
		path += "?" + v.Encode()
	}
	res, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	defer closeBody(res)

	if res.StatusCode != http.StatusOK {
		var resp Response
		if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
			return nil, 0, fmt.Errorf("%w: status %d: %v", ErrBadResponse, res.StatusCode, err)
		}
		return nil, resp.Code, nil
	}
	var events []*audit.Event
	if err := json.NewDecoder(res.Body).Decode(&events); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return events, types.NoError, nil
}

func auditValues(q *audit.Query) url.Values {
	v := url.Values{}
	if q == nil {
		return v
	}
	if q.Operation != "" {
		v.Set("operation", q.Operation)
	}
	if q.Caller != nil {
		v.Set("caller", strconv.FormatUint(uint64(*q.Caller), 10))
	}
	if q.Outcome != "" {
		v.Set("outcome", string(q.Outcome))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

func keyPath(name []byte) string {
	return "/api/v1/keys/" + url.PathEscape(string(name))
}

func keyPairPath(name []byte) string {
	return "/api/v1/keypairs/" + url.PathEscape(string(name))
}

func uidQuery(uid int64) string {
	if uid == SelfUID {
		return ""
	}
	return "?uid=" + strconv.FormatInt(uid, 10)
}

func (c *Client) code(resp *Response, err error) (types.ResponseCode, error) {
	if err != nil {
		return 0, err
	}
	return resp.Code, nil
}

// do sends a request and decodes the keystore reply.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	res, err := c.send(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer closeBody(res)

	var resp Response
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: status %d: %v", ErrBadResponse, res.StatusCode, err)
	}
	return &resp, nil
}

func (c *Client) send(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://keystore"+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if res.StatusCode == http.StatusTooManyRequests {
		closeBody(res)
		return nil, ErrRateLimited
	}
	return res, nil
}

func closeBody(res *http.Response) {
	_, _ = io.Copy(io.Discard, res.Body)
	if err := res.Body.Close(); err != nil {
		log.Printf("failed to close response body: %v", err)
	}
}
