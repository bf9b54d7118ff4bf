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
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jeremyhahn/go-keystore/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keystore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keystore/pkg/client"
	"github.com/jeremyhahn/go-keystore/pkg/correlation"
	"github.com/jeremyhahn/go-keystore/pkg/health"
	"github.com/jeremyhahn/go-keystore/pkg/keymaster"
	"github.com/jeremyhahn/go-keystore/pkg/keyname"
	"github.com/jeremyhahn/go-keystore/pkg/keystore"
	"github.com/jeremyhahn/go-keystore/pkg/types"
)

// maxBodySize bounds request bodies. Values are capped well below this by
// the blob format; the slack covers base64 and JSON framing.
const maxBodySize = 256 << 10

type handlers struct {
	ks      *keystore.KeyStore
	checker *health.Checker
	audit   audit.Auditor
	events  *audit.MemoryAuditor
	owner   uint32
	log     logger.Logger
}

// request holds what every API handler needs from the HTTP request.
type request struct {
	caller uint32
	name   []byte
}

// parse extracts the caller and, when the route has one, the key name.
func (h *handlers) parse(w http.ResponseWriter, r *http.Request) (*request, bool) {
	caller, _ := CallerFromContext(r.Context())
	req := &request{caller: caller}
	if raw := chi.URLParam(r, "name"); raw != "" {
		name, err := url.PathUnescape(raw)
		if err != nil {
			writeError(w, types.ProtocolError, "invalid key name")
			return nil, false
		}
		req.name = []byte(name)
	}
	return req, true
}

// targetUID reads the optional uid query parameter.
func targetUID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	s := r.URL.Query().Get("uid")
	if s == "" {
		return keystore.SelfUID, true
	}
	uid, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		writeError(w, types.ProtocolError, "invalid uid")
		return 0, false
	}
	return uid, true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, types.ProtocolError, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func self(uid *int64) int64 {
	if uid == nil {
		return keystore.SelfUID
	}
	return *uid
}

func (h *handlers) respond(w http.ResponseWriter, r *http.Request, op string, req *request, resp *client.Response) {
	reqLog := logger.FromContext(r.Context(), h.log)
	reqLog.Debug("keystore request",
		logger.String("operation", op),
		logger.Uint32("uid", req.caller),
		logger.Stringer("code", resp.Code))
	if h.audit != nil {
		event := &audit.Event{
			Operation: op,
			Caller:    req.caller,
			Code:      resp.Code,
			RequestID: correlation.GetCorrelationID(r.Context()),
		}
		if len(req.name) > 0 {
			event.Name = keyname.Encode(req.name)
		}
		if err := h.audit.Record(r.Context(), event); err != nil {
			reqLog.Error("failed to record audit event", logger.Error(err))
		}
	}
	writeResponse(w, resp)
}

func (h *handlers) test(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	h.respond(w, r, "test", req, &client.Response{Code: h.ks.Test(req.caller)})
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	value, code := h.ks.Get(req.caller, req.name)
	h.respond(w, r, "get", req, &client.Response{Code: code, Value: value})
}

func (h *handlers) insert(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	var body client.InsertRequest
	if !decode(w, r, &body) {
		return
	}
	code := h.ks.Insert(req.caller, req.name, body.Value, self(body.UID), body.Flags)
	h.respond(w, r, "insert", req, &client.Response{Code: code})
}

func (h *handlers) del(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	uid, ok := targetUID(w, r)
	if !ok {
		return
	}
	h.respond(w, r, "delete", req, &client.Response{Code: h.ks.Delete(req.caller, req.name, uid)})
}

func (h *handlers) exists(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	uid, ok := targetUID(w, r)
	if !ok {
		return
	}
	h.respond(w, r, "exist", req, &client.Response{Code: h.ks.Exists(req.caller, req.name, uid)})
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	uid, ok := targetUID(w, r)
	if !ok {
		return
	}
	names, code := h.ks.List(req.caller, []byte(r.URL.Query().Get("prefix")), uid)
	h.respond(w, r, "saw", req, &client.Response{Code: code, Names: names})
}

func (h *handlers) modTime(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	mtime := h.ks.ModTime(req.caller, req.name)
	resp := &client.Response{Code: types.NoError, MTime: &mtime}
	if mtime < 0 {
		resp.Code = types.KeyNotFound
	}
	h.respond(w, r, "getmtime", req, resp)
}

func (h *handlers) duplicate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	var body client.DuplicateRequest
	if !decode(w, r, &body) {
		return
	}
	code := h.ks.Duplicate(req.caller, req.name, self(body.SrcUID), body.DestName, self(body.DestUID))
	h.respond(w, r, "duplicate", req, &client.Response{Code: code})
}

func (h *handlers) grant(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	var body client.GrantRequest
	if !decode(w, r, &body) {
		return
	}
	h.respond(w, r, "grant", req, &client.Response{Code: h.ks.Grant(req.caller, req.name, body.Grantee)})
}

func (h *handlers) ungrant(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	var body client.GrantRequest
	if !decode(w, r, &body) {
		return
	}
	h.respond(w, r, "ungrant", req, &client.Response{Code: h.ks.Ungrant(req.caller, req.name, body.Grantee)})
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	h.respond(w, r, "reset", req, &client.Response{Code: h.ks.Reset(req.caller)})
}

func (h *handlers) password(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	var body client.PasswordRequest
	if !decode(w, r, &body) {
		return
	}
	h.respond(w, r, "password", req, &client.Response{Code: h.ks.SetPassword(req.caller, body.Password)})
}

func (h *handlers) lock(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	h.respond(w, r, "lock", req, &client.Response{Code: h.ks.Lock(req.caller)})
}

func (h *handlers) unlock(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	var body client.PasswordRequest
	if !decode(w, r, &body) {
		return
	}
	h.respond(w, r, "unlock", req, &client.Response{Code: h.ks.Unlock(req.caller, body.Password)})
}

func (h *handlers) isEmpty(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	h.respond(w, r, "zero", req, &client.Response{Code: h.ks.IsEmpty(req.caller)})
}

func (h *handlers) generate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	var body client.GenerateRequest
	if !decode(w, r, &body) {
		return
	}
	alg := keymaster.AlgorithmRSA
	if body.Algorithm != "" {
		var err error
		if alg, err = keymaster.ParseAlgorithm(body.Algorithm); err != nil {
			h.respond(w, r, "generate", req, &client.Response{Code: types.SystemError, Error: err.Error()})
			return
		}
	}
	code := h.ks.Generate(req.caller, req.name, self(body.UID), alg, body.KeySize, body.Flags, body.Args)
	h.respond(w, r, "generate", req, &client.Response{Code: code})
}

func (h *handlers) importKey(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	var body client.ImportRequest
	if !decode(w, r, &body) {
		return
	}
	code := h.ks.Import(req.caller, req.name, body.Data, self(body.UID), body.Flags)
	h.respond(w, r, "import", req, &client.Response{Code: code})
}

func (h *handlers) sign(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	var body client.SignRequest
	if !decode(w, r, &body) {
		return
	}
	sig, code := h.ks.Sign(req.caller, req.name, body.Data)
	h.respond(w, r, "sign", req, &client.Response{Code: code, Signature: sig})
}

func (h *handlers) verify(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	var body client.VerifyRequest
	if !decode(w, r, &body) {
		return
	}
	code := h.ks.Verify(req.caller, req.name, body.Data, body.Signature)
	h.respond(w, r, "verify", req, &client.Response{Code: code})
}

func (h *handlers) publicKey(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	der, code := h.ks.GetPublicKey(req.caller, req.name)
	h.respond(w, r, "get_pubkey", req, &client.Response{Code: code, PublicKey: der})
}

func (h *handlers) deleteKeyPair(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	uid, ok := targetUID(w, r)
	if !ok {
		return
	}
	h.respond(w, r, "del_key", req, &client.Response{Code: h.ks.DeleteKeyPair(req.caller, req.name, uid)})
}

func (h *handlers) hardware(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	backed := h.ks.IsHardwareBacked(chi.URLParam(r, "keyType"))
	h.respond(w, r, "is_hardware_backed", req, &client.Response{Code: types.NoError, Hardware: &backed})
}

func (h *handlers) clearUID(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	uid, err := strconv.ParseInt(chi.URLParam(r, "uid"), 10, 64)
	if err != nil {
		writeError(w, types.ProtocolError, "invalid uid")
		return
	}
	h.respond(w, r, "clear_uid", req, &client.Response{Code: h.ks.ClearUID(req.caller, uid)})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	results := h.readiness(r)
	status := health.AggregateStatus(results)
	if h.checker != nil && !h.checker.IsStarted() {
		status = health.StatusUnhealthy
	}
	writeHealth(w, status, map[string]interface{}{
		"status": status,
		"checks": results,
	})
}

func (h *handlers) live(w http.ResponseWriter, r *http.Request) {
	result := health.CheckResult{Name: "liveness", Status: health.StatusHealthy}
	if h.checker != nil {
		result = h.checker.Live(r.Context())
	}
	writeHealth(w, result.Status, result)
}

func (h *handlers) ready(w http.ResponseWriter, r *http.Request) {
	results := h.readiness(r)
	status := health.AggregateStatus(results)
	writeHealth(w, status, map[string]interface{}{
		"status": status,
		"checks": results,
	})
}

func (h *handlers) startup(w http.ResponseWriter, r *http.Request) {
	result := health.CheckResult{Name: "startup", Status: health.StatusHealthy}
	if h.checker != nil {
		result = h.checker.Startup(r.Context())
	}
	writeHealth(w, result.Status, result)
}

func (h *handlers) readiness(r *http.Request) []health.CheckResult {
	if h.checker == nil {
		return nil
	}
	return h.checker.Ready(r.Context())
}

// httpStatus maps a response code onto the closest HTTP status. Clients
// read the code from the body; the status is for proxies and metrics.
func httpStatus(code types.ResponseCode) int {
	switch {
	case code == types.NoError:
		return http.StatusOK
	case code == types.ProtocolError:
		return http.StatusBadRequest
	case code == types.PermissionDenied:
		return http.StatusForbidden
	case code == types.KeyNotFound:
		return http.StatusNotFound
	case code == types.Locked, code == types.Uninitialized, code.IsWrongPassword():
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// auditEvents lists recorded events, newest first, for root and the daemon
// owner.
func (h *handlers) auditEvents(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	if caller != 0 && caller != h.owner {
		writeError(w, types.PermissionDenied, "audit log is restricted to the daemon owner")
		return
	}
	q, err := auditQuery(r.URL.Query())
	if err != nil {
		writeError(w, types.ProtocolError, err.Error())
		return
	}
	events := h.events.Events(q)
	if events == nil {
		events = []*audit.Event{}
	}
	writeJSON(w, events, http.StatusOK)
}

func auditQuery(v url.Values) (*audit.Query, error) {
	q := &audit.Query{
		Operation: v.Get("operation"),
		Outcome:   audit.Outcome(v.Get("outcome")),
	}
	if s := v.Get("caller"); s != "" {
		uid, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid caller: %q", s)
		}
		caller := uint32(uid)
		q.Caller = &caller
	}
	if s := v.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			return nil, fmt.Errorf("invalid limit: %q", s)
		}
		q.Limit = limit
	}
	return q, nil
}

func writeResponse(w http.ResponseWriter, resp *client.Response) {
	resp.Status = resp.Code.String()
	w.Header().Set(client.CodeHeader, strconv.Itoa(int(resp.Code)))
	writeJSON(w, resp, httpStatus(resp.Code))
}

func writeError(w http.ResponseWriter, code types.ResponseCode, msg string) {
	writeResponse(w, &client.Response{Code: code, Error: msg})
}

func writeHealth(w http.ResponseWriter, status health.Status, body interface{}) {
	code := http.StatusOK
	if status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, body, code)
}

func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}
