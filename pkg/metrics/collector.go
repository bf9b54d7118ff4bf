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

package metrics

import (
	"context"
	"time"
)

// StateCounter reports how many loaded users are in each lock state and
// how many grants are held.
type StateCounter interface {
	UserStates() map[string]int
	Grants() int
}

// StateCollector periodically publishes user state counts and uptime.
type StateCollector struct {
	ctx      context.Context
	cancel   context.CancelFunc
	source   StateCounter
	interval time.Duration
	started  time.Time
}

// NewStateCollector creates a collector polling source every interval.
//
// Example:
//
//	collector := metrics.NewStateCollector(ctx, ks, 30*time.Second)
//	go collector.Start()
//	defer collector.Stop()
func NewStateCollector(ctx context.Context, source StateCounter, interval time.Duration) *StateCollector {
	collectorCtx, cancel := context.WithCancel(ctx)
	return &StateCollector{
		ctx:      collectorCtx,
		cancel:   cancel,
		source:   source,
		interval: interval,
		started:  time.Now(),
	}
}

// Start collects until Stop is called or the parent context is cancelled.
// It blocks.
func (sc *StateCollector) Start() {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	sc.collect()
	for {
		select {
		case <-sc.ctx.Done():
			return
		case <-ticker.C:
			sc.collect()
		}
	}
}

// Stop halts the collector.
func (sc *StateCollector) Stop() {
	sc.cancel()
}

func (sc *StateCollector) collect() {
	if !IsEnabled() {
		return
	}
	for state, n := range sc.source.UserStates() {
		SetUsers(state, float64(n))
	}
	SetGrants(float64(sc.source.Grants()))
	ServerUptime.Set(time.Since(sc.started).Seconds())
}

// StartStateCollector creates a collector and runs it in a goroutine.
func StartStateCollector(ctx context.Context, source StateCounter, interval time.Duration) *StateCollector {
	collector := NewStateCollector(ctx, source, interval)
	go collector.Start()
	return collector
}
