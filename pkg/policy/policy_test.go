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

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jeremyhahn/go-keystore/pkg/types"
)

func TestDefaultPolicy_Permissions(t *testing.T) {
	p := New(nil)

	tests := []struct {
		name string
		uid  uint32
		want types.Permission
	}{
		{"system", AIDSystem, types.PermAll},
		{"system in secondary user", 10*DefaultPerUserRange + AIDSystem, types.PermAll},
		{"vpn", AIDVPN, types.PermGet | types.PermSign | types.PermVerify},
		{"wifi", AIDWifi, types.PermGet | types.PermSign | types.PermVerify},
		{"root", AIDRoot, types.PermGet},
		{"app", 10001, types.PermDefault},
		{"app in user 1", DefaultPerUserRange + 10001, types.PermDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Permissions(tt.uid))
		})
	}

	assert.True(t, p.Has(10001, types.PermInsert))
	assert.False(t, p.Has(10001, types.PermReset))
	assert.False(t, p.Has(10001, types.PermGrant))
	assert.False(t, p.Has(AIDRoot, types.PermInsert))
}

func TestPolicy_IDs(t *testing.T) {
	p := New(nil)
	assert.Equal(t, uint32(0), p.UserID(10001))
	assert.Equal(t, uint32(10001), p.AppID(10001))
	assert.Equal(t, uint32(3), p.UserID(310001))
	assert.Equal(t, uint32(10001), p.AppID(310001))
	assert.Equal(t, DefaultPerUserRange, p.PerUserRange())
}

func TestPolicy_Aliases(t *testing.T) {
	p := New(nil)

	assert.Equal(t, AIDSystem, p.EffectiveUID(AIDVPN))
	assert.Equal(t, AIDSystem, p.EffectiveUID(AIDWifi))
	assert.Equal(t, AIDSystem, p.EffectiveUID(AIDRoot))
	assert.Equal(t, uint32(10001), p.EffectiveUID(10001))

	assert.True(t, p.IsGrantedTo(10001, 10001))
	assert.True(t, p.IsGrantedTo(AIDSystem, AIDWifi))
	assert.False(t, p.IsGrantedTo(AIDWifi, AIDSystem))
	assert.False(t, p.IsGrantedTo(10001, 10002))
}

func TestPolicy_CustomConfig(t *testing.T) {
	cfg := &Config{
		PerUserRange: 1000,
		SystemAppID:  500,
		Permissions:  map[uint32]types.Permission{42: types.PermGet},
		Aliases:      map[uint32]uint32{42: 500},
	}
	p := New(cfg)

	// the table is copied
	cfg.Permissions[42] = types.PermAll

	assert.Equal(t, types.PermGet, p.Permissions(42))
	assert.Equal(t, types.Permission(0), p.Permissions(43))
	assert.Equal(t, uint32(2), p.UserID(2042))
	assert.True(t, p.IsGrantedTo(500, 42))
}
