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

//go:build !pkcs11

package pkcs11

import "github.com/jeremyhahn/go-keystore/pkg/keymaster"

// New reports ErrNotCompiled in builds without the pkcs11 tag.
func New(cfg *Config) (keymaster.Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return nil, ErrNotCompiled
}
