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

package rand

import (
	"io"
	"sync"
)

// resolver reads from primary and retries a failed read on fallback.
type resolver struct {
	mu       sync.RWMutex
	primary  Source
	fallback Source
}

var _ Resolver = (*resolver)(nil)

// openAuto picks the best compiled-in hardware source that opens,
// otherwise crypto/rand.
func openAuto(cfg *Config) Source {
	if pkcs11Available() && cfg.PKCS11Config != nil {
		if s, err := newPKCS11Source(cfg.PKCS11Config); err == nil {
			if s.Available() {
				return s
			}
			_ = s.Close()
		}
	}
	if tpm2Available() {
		if s, err := newTPM2Source(cfg.TPM2Config); err == nil {
			if s.Available() {
				return s
			}
			_ = s.Close()
		}
	}
	return softwareSource{}
}

func (r *resolver) Read(p []byte) (int, error) {
	r.mu.RLock()
	primary, fallback := r.primary, r.fallback
	r.mu.RUnlock()

	n, err := io.ReadFull(primary, p)
	if err != nil && fallback != nil {
		n, err = io.ReadFull(fallback, p)
	}
	return n, err
}

func (r *resolver) Rand(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *resolver) Source() Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary
}

func (r *resolver) Available() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary.Available() || (r.fallback != nil && r.fallback.Available())
}

func (r *resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.primary.Close()
	if r.fallback != nil {
		if ferr := r.fallback.Close(); err == nil {
			err = ferr
		}
	}
	return err
}
