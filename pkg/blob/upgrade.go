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

package blob

import "github.com/jeremyhahn/go-keystore/pkg/types"

// UpgradeResult describes what Upgrade changed.
type UpgradeResult struct {
	// Updated is set when the blob must be rewritten.
	Updated bool

	// Reimport is set when a version 0 key pair holds PEM encoded key
	// material that has to pass through a keymaster before use.
	Reimport bool

	// From is the version the blob had before the upgrade.
	From uint8
}

// Upgrade brings b to CurrentVersion in place.
//
// Version 0 blobs did not record their type; the type the caller asked for
// is adopted, so a version 0 blob read with TypeAny is left alone until a
// typed read names it. Version 1 blobs were always encrypted, which version 2 makes
// explicit through FlagEncrypted. Calling Upgrade on a current blob is a
// no-op.
func Upgrade(b *Blob, requested Type) UpgradeResult {
	res := UpgradeResult{From: b.Version}

	if b.Version == 0 {
		if requested == TypeAny {
			return res
		}
		b.Type = requested
		if requested == TypeKeyPair {
			res.Reimport = true
		}
		b.Version = 1
		res.Updated = true
	}

	if b.Version == 1 {
		b.Flags |= types.FlagEncrypted
		b.Version = 2
		res.Updated = true
	}

	return res
}
