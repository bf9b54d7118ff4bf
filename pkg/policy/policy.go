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

// Package policy decides which keystore operations a caller may perform
// and whose keys it may act on. Callers are identified by a uid that packs
// a user id and an app id: uid = userId*PerUserRange + appId.
package policy

import (
	"github.com/jeremyhahn/go-keystore/pkg/types"
)

const (
	// DefaultPerUserRange is the number of uids reserved per user.
	DefaultPerUserRange uint32 = 100000

	AIDRoot   uint32 = 0
	AIDSystem uint32 = 1000
	AIDWifi   uint32 = 1010
	AIDVPN    uint32 = 1016
)

// Config holds the identity tables. Zero values are replaced by defaults
// in New.
type Config struct {
	PerUserRange uint32

	// SystemAppID is the app id whose uid in any user is treated as the
	// system uid.
	SystemAppID uint32

	// Permissions lists explicit grants by uid. Uids not listed receive
	// DefaultPermissions.
	Permissions map[uint32]types.Permission

	// Aliases maps a uid to the effective uid whose keys it reads.
	Aliases map[uint32]uint32

	DefaultPermissions types.Permission
}

// DefaultConfig returns the built-in identity tables.
func DefaultConfig() *Config {
	return &Config{
		PerUserRange: DefaultPerUserRange,
		SystemAppID:  AIDSystem,
		Permissions: map[uint32]types.Permission{
			AIDSystem: types.PermAll,
			AIDVPN:    types.PermGet | types.PermSign | types.PermVerify,
			AIDWifi:   types.PermGet | types.PermSign | types.PermVerify,
			AIDRoot:   types.PermGet,
		},
		Aliases: map[uint32]uint32{
			AIDVPN:  AIDSystem,
			AIDWifi: AIDSystem,
			AIDRoot: AIDSystem,
		},
		DefaultPermissions: types.PermDefault,
	}
}

// Policy answers permission and identity questions. It is immutable after
// construction and safe for concurrent use.
type Policy struct {
	perUserRange uint32
	systemAppID  uint32
	perms        map[uint32]types.Permission
	aliases      map[uint32]uint32
	defaults     types.Permission
}

// New builds a Policy. A nil config selects DefaultConfig.
func New(cfg *Config) *Policy {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Policy{
		perUserRange: cfg.PerUserRange,
		systemAppID:  cfg.SystemAppID,
		perms:        make(map[uint32]types.Permission, len(cfg.Permissions)),
		aliases:      make(map[uint32]uint32, len(cfg.Aliases)),
		defaults:     cfg.DefaultPermissions,
	}
	if p.perUserRange == 0 {
		p.perUserRange = DefaultPerUserRange
	}
	if p.systemAppID == 0 {
		p.systemAppID = AIDSystem
	}
	for uid, perm := range cfg.Permissions {
		p.perms[uid] = perm
	}
	for uid, euid := range cfg.Aliases {
		p.aliases[uid] = euid
	}
	return p
}

// UserID returns the user a uid belongs to.
func (p *Policy) UserID(uid uint32) uint32 {
	return uid / p.perUserRange
}

// AppID returns the app part of uid.
func (p *Policy) AppID(uid uint32) uint32 {
	return uid % p.perUserRange
}

// PerUserRange returns the uid stride between users.
func (p *Policy) PerUserRange() uint32 {
	return p.perUserRange
}

// Permissions returns the permission set of uid. The system app id in any
// user resolves to the system uid.
func (p *Policy) Permissions(uid uint32) types.Permission {
	if p.AppID(uid) == p.systemAppID {
		uid = p.systemAppID
	}
	if perm, ok := p.perms[uid]; ok {
		return perm
	}
	return p.defaults
}

// Has reports whether uid holds every bit in perm.
func (p *Policy) Has(uid uint32, perm types.Permission) bool {
	return p.Permissions(uid).Has(perm)
}

// EffectiveUID returns the uid whose namespace uid falls back to when
// reading keys, or uid itself when it has no alias.
func (p *Policy) EffectiveUID(uid uint32) uint32 {
	if euid, ok := p.aliases[uid]; ok {
		return euid
	}
	return uid
}

// IsGrantedTo reports whether caller may act on the namespace of target:
// either they are the same uid or target is aliased to caller.
func (p *Policy) IsGrantedTo(caller, target uint32) bool {
	if caller == target {
		return true
	}
	euid, ok := p.aliases[target]
	return ok && euid == caller
}
