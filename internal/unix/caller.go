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
	"context"
	"net/http"

	"github.com/jeremyhahn/go-keystore/pkg/types"
)

type callerKey struct{}

// WithCaller stores the caller uid in ctx.
func WithCaller(ctx context.Context, uid uint32) context.Context {
	return context.WithValue(ctx, callerKey{}, uid)
}

// CallerFromContext returns the uid stored by WithCaller.
func CallerFromContext(ctx context.Context) (uint32, bool) {
	uid, ok := ctx.Value(callerKey{}).(uint32)
	return uid, ok
}

// requireCaller rejects requests whose connection carried no credentials.
func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := CallerFromContext(r.Context()); !ok {
			writeError(w, types.PermissionDenied, "peer credentials unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}
