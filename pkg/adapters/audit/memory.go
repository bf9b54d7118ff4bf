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
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the number of events a MemoryAuditor keeps.
const DefaultCapacity = 1024

// ErrNilEvent is returned when Record is given no event.
var ErrNilEvent = errors.New("audit: event cannot be nil")

// MemoryAuditor keeps the most recent events in a ring buffer. Older
// events are overwritten once the buffer is full.
type MemoryAuditor struct {
	mu     sync.RWMutex
	events []*Event
	next   int
	total  int64
}

// NewMemoryAuditor creates a ring of the given capacity. A non-positive
// capacity selects DefaultCapacity.
func NewMemoryAuditor(capacity int) *MemoryAuditor {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryAuditor{events: make([]*Event, 0, capacity)}
}

// Record stores a copy of event.
func (m *MemoryAuditor) Record(ctx context.Context, event *Event) error {
	if event == nil {
		return ErrNilEvent
	}
	stamp(event)
	e := *event

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) < cap(m.events) {
		m.events = append(m.events, &e)
	} else {
		m.events[m.next] = &e
		m.next = (m.next + 1) % len(m.events)
	}
	m.total++
	return nil
}

// Events returns the events matching q, newest first.
func (m *MemoryAuditor) Events(q *Query) []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	n := len(m.events)
	for i := 0; i < n; i++ {
		// walk backwards from the most recent slot
		e := m.events[(m.next-1-i+2*n)%n]
		if !q.matches(e) {
			continue
		}
		c := *e
		out = append(out, &c)
		if q != nil && q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// Total is the number of events ever recorded, including overwritten ones.
func (m *MemoryAuditor) Total() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

func stamp(e *Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeFor(e.Code)
	}
}
