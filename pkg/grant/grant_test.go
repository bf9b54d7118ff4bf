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

package grant

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTable_AddHasRemove(t *testing.T) {
	tbl := NewTable()
	const file = "user_0/10001_key"

	assert.False(t, tbl.Has(file, 10002))

	tbl.Add(file, 10002)
	tbl.Add(file, 10002)
	assert.Equal(t, 1, tbl.Len())
	assert.True(t, tbl.Has(file, 10002))
	assert.False(t, tbl.Has(file, 10003))
	assert.False(t, tbl.Has("user_0/10001_other", 10002))

	assert.True(t, tbl.Remove(file, 10002))
	assert.False(t, tbl.Remove(file, 10002))
	assert.False(t, tbl.Has(file, 10002))
}

func TestTable_RemoveFile(t *testing.T) {
	tbl := NewTable()
	tbl.Add("user_0/10001_a", 10002)
	tbl.Add("user_0/10001_a", 10003)
	tbl.Add("user_0/10001_b", 10002)

	assert.Equal(t, 3, tbl.Len())
	assert.Equal(t, 2, tbl.RemoveFile("user_0/10001_a"))
	assert.False(t, tbl.Has("user_0/10001_a", 10002))
	assert.False(t, tbl.Has("user_0/10001_a", 10003))
	assert.True(t, tbl.Has("user_0/10001_b", 10002))
	assert.Equal(t, 1, tbl.Len())
}

func TestTable_Concurrent(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(uid uint32) {
			defer wg.Done()
			tbl.Add("f", uid)
			_ = tbl.Has("f", uid)
		}(uint32(i))
	}
	wg.Wait()
	assert.Equal(t, 50, tbl.Len())
}
