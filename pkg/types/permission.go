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

package types

import (
	"fmt"
	"sort"
	"strings"
)

// Permission is a bit set of the operations a caller may perform.
type Permission uint32

const (
	PermTest Permission = 1 << iota
	PermGet
	PermInsert
	PermDelete
	PermExist
	PermSaw
	PermReset
	PermPassword
	PermLock
	PermUnlock
	PermZero
	PermSign
	PermVerify
	PermGrant
	PermDuplicate
	PermClearUID
)

// PermAll grants every operation.
const PermAll Permission = PermTest | PermGet | PermInsert | PermDelete | PermExist |
	PermSaw | PermReset | PermPassword | PermLock | PermUnlock | PermZero |
	PermSign | PermVerify | PermGrant | PermDuplicate | PermClearUID

// PermDefault is held by every uid without an explicit table entry.
const PermDefault Permission = PermTest | PermGet | PermInsert | PermDelete |
	PermExist | PermSaw | PermSign | PermVerify

var permissionNames = map[Permission]string{
	PermTest:      "test",
	PermGet:       "get",
	PermInsert:    "insert",
	PermDelete:    "delete",
	PermExist:     "exist",
	PermSaw:       "saw",
	PermReset:     "reset",
	PermPassword:  "password",
	PermLock:      "lock",
	PermUnlock:    "unlock",
	PermZero:      "zero",
	PermSign:      "sign",
	PermVerify:    "verify",
	PermGrant:     "grant",
	PermDuplicate: "duplicate",
	PermClearUID:  "clear_uid",
}

// Has reports whether every bit of q is set in p.
func (p Permission) Has(q Permission) bool {
	return p&q == q
}

// String renders the set as a "|" separated list of names.
func (p Permission) String() string {
	if p == 0 {
		return "none"
	}
	if p == PermAll {
		return "all"
	}
	names := make([]string, 0, len(permissionNames))
	for bit, name := range permissionNames {
		if p&bit != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

// ParsePermissions parses names such as "get", "sign", "all" or "default"
// into a permission set.
func ParsePermissions(names []string) (Permission, error) {
	var p Permission
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch name {
		case "":
			continue
		case "all":
			p |= PermAll
			continue
		case "default":
			p |= PermDefault
			continue
		case "none":
			continue
		}
		found := false
		for bit, n := range permissionNames {
			if n == name {
				p |= bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("types: unknown permission %q", raw)
		}
	}
	return p, nil
}

// Flags modify how a blob is stored.
type Flags uint8

const (
	FlagNone      Flags = 0
	FlagEncrypted Flags = 1 << 0
	// FlagFallback marks key material held by the software keymaster.
	FlagFallback Flags = 1 << 1
)

// Has reports whether f is set.
func (fl Flags) Has(f Flags) bool {
	return fl&f != 0
}
