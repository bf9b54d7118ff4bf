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

// Package grant records delegations of individual key files to other uids.
// Grants live for the lifetime of the process.
package grant

import "sync"

type entry struct {
	filename string
	grantee  uint32
}

// Table is a set of (filename, grantee) pairs. Safe for concurrent use.
type Table struct {
	mu     sync.RWMutex
	grants map[entry]struct{}
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{grants: make(map[entry]struct{})}
}

// Add grants grantee access to filename. Adding an existing grant is a no-op.
func (t *Table) Add(filename string, grantee uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.grants[entry{filename, grantee}] = struct{}{}
}

// Remove revokes a grant and reports whether it existed.
func (t *Table) Remove(filename string, grantee uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := entry{filename, grantee}
	if _, ok := t.grants[e]; !ok {
		return false
	}
	delete(t.grants, e)
	return true
}

// Has reports whether grantee may access filename.
func (t *Table) Has(filename string, grantee uint32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.grants[entry{filename, grantee}]
	return ok
}

// RemoveFile drops every grant on filename and returns how many were held.
func (t *Table) RemoveFile(filename string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for e := range t.grants {
		if e.filename == filename {
			delete(t.grants, e)
			n++
		}
	}
	return n
}

// Len returns the number of grants.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.grants)
}
