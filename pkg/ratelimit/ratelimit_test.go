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

package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledAllowsEverything(t *testing.T) {
	l := New(nil)
	defer l.Stop()
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(1000))
	}
	assert.NoError(t, l.Wait(context.Background(), 1000))
	assert.Zero(t, l.Active())
}

func TestPerCallerBurst(t *testing.T) {
	l := New(&Config{Enabled: true, RequestsPerMinute: 1, Burst: 2})
	defer l.Stop()

	assert.True(t, l.Allow(10001))
	assert.True(t, l.Allow(10001))
	assert.False(t, l.Allow(10001))

	assert.True(t, l.Allow(10002), "callers are limited independently")
	assert.Equal(t, 2, l.Active())
}

func TestDelayDoesNotConsume(t *testing.T) {
	l := New(&Config{Enabled: true, RequestsPerMinute: 60, Burst: 1})
	defer l.Stop()

	assert.Zero(t, l.Delay(1000))
	d := l.Delay(1000)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, time.Second)

	// a rejected attempt must not push the next token further out
	again := l.Delay(1000)
	assert.LessOrEqual(t, again, d)
}

func TestWaitHonoursContext(t *testing.T) {
	l := New(&Config{Enabled: true, RequestsPerMinute: 1, Burst: 1})
	defer l.Stop()

	require.True(t, l.Allow(1000))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, 1000))
}

func TestForgetIdle(t *testing.T) {
	l := New(&Config{Enabled: true, RequestsPerMinute: 60, MaxIdle: time.Minute})
	defer l.Stop()

	l.Allow(1000)
	l.forgetIdle(time.Now())
	assert.Equal(t, 1, l.Active())

	l.forgetIdle(time.Now().Add(2 * time.Minute))
	assert.Zero(t, l.Active())
}

func TestMiddleware(t *testing.T) {
	l := New(&Config{Enabled: true, RequestsPerMinute: 1, Burst: 1})
	defer l.Stop()

	h := Middleware(l, func(r *http.Request) (uint32, bool) {
		v := r.Header.Get("X-Test-Caller")
		if v == "" {
			return 0, false
		}
		uid, err := strconv.ParseUint(v, 10, 32)
		return uint32(uid), err == nil
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(caller string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/unlock", nil)
		if caller != "" {
			req.Header.Set("X-Test-Caller", caller)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, do("1000").Code)
	rec := do("1000")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusNoContent, do("1001").Code)
	assert.Equal(t, http.StatusNoContent, do("").Code)
	assert.Equal(t, http.StatusNoContent, do("").Code)
}
