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

// Package audit records who asked the keystore to do what and how it was
// answered. Values, passwords and key material never appear in events.
package audit

import (
	"context"
	"time"

	"github.com/jeremyhahn/go-keystore/pkg/types"
)

// Outcome summarizes a response code for filtering.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// OutcomeFor classifies a response code.
func OutcomeFor(code types.ResponseCode) Outcome {
	switch code {
	case types.NoError:
		return OutcomeSuccess
	case types.PermissionDenied:
		return OutcomeDenied
	default:
		return OutcomeFailure
	}
}

// Event is one answered keystore request.
type Event struct {
	// ID is assigned on Record when empty.
	ID string

	// Timestamp is assigned on Record when zero.
	Timestamp time.Time

	Operation string

	// Caller is the peer uid of the requesting process.
	Caller uint32

	// Name is the encoded key name, empty for operations without one.
	Name string

	Code    types.ResponseCode
	Outcome Outcome

	// RequestID is the correlation id of the request.
	RequestID string
}

// Query filters recorded events. Zero fields match everything.
type Query struct {
	Operation string
	Caller    *uint32
	Outcome   Outcome
	Since     time.Time

	// Limit caps the number of events returned, newest first.
	Limit int
}

// Auditor receives every answered request.
type Auditor interface {
	Record(ctx context.Context, event *Event) error
}

func (q *Query) matches(e *Event) bool {
	if q == nil {
		return true
	}
	if q.Operation != "" && q.Operation != e.Operation {
		return false
	}
	if q.Caller != nil && *q.Caller != e.Caller {
		return false
	}
	if q.Outcome != "" && q.Outcome != e.Outcome {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
