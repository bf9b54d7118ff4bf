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

package audit

import (
	"context"

	"github.com/jeremyhahn/go-keystore/pkg/adapters/logger"
)

// LogAuditor writes each event as a structured log line. Denied requests
// are logged at warn level.
type LogAuditor struct {
	log logger.Logger
}

// NewLogAuditor creates an auditor writing to log.
func NewLogAuditor(log logger.Logger) *LogAuditor {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogAuditor{log: log}
}

// Record logs event.
func (a *LogAuditor) Record(ctx context.Context, event *Event) error {
	if event == nil {
		return ErrNilEvent
	}
	stamp(event)

	fields := []logger.Field{
		logger.String("audit_id", event.ID),
		logger.String("operation", event.Operation),
		logger.Uint32("caller", event.Caller),
		logger.Stringer("code", event.Code),
		logger.String("outcome", string(event.Outcome)),
	}
	if event.Name != "" {
		fields = append(fields, logger.String("name", event.Name))
	}
	if event.RequestID != "" {
		fields = append(fields, logger.String("correlation_id", event.RequestID))
	}

	if event.Outcome == OutcomeDenied {
		a.log.Warn("audit", fields...)
	} else {
		a.log.Info("audit", fields...)
	}
	return nil
}

// Multi fans events out to several auditors and returns the first error.
type Multi []Auditor

// Record forwards event to every auditor.
func (m Multi) Record(ctx context.Context, event *Event) error {
	var first error
	for _, a := range m {
		if err := a.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
