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

//go:build pkcs11

package rand

import (
	"errors"
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"
)

// pkcs11Source draws bytes with C_GenerateRandom on a token session.
type pkcs11Source struct {
	mu       sync.Mutex
	ctx      *pkcs11.Ctx
	session  pkcs11.SessionHandle
	loggedIn bool
}

func newPKCS11Source(config *PKCS11Config) (Source, error) {
	if config == nil || config.Module == "" {
		return nil, fmt.Errorf("rand: PKCS#11 module path is required")
	}

	ctx := pkcs11.New(config.Module)
	if ctx == nil {
		return nil, fmt.Errorf("rand: failed to load PKCS#11 module: %s", config.Module)
	}

	if err := ctx.Initialize(); err != nil {
		var perr pkcs11.Error
		if !errors.As(err, &perr) || perr != pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED {
			ctx.Destroy()
			return nil, fmt.Errorf("rand: failed to initialize PKCS#11: %w", err)
		}
	}

	// some tokens only activate their slots after C_GetSlotList
	if _, err := ctx.GetSlotList(true); err != nil {
		_ = ctx.Finalize()
		ctx.Destroy()
		return nil, fmt.Errorf("rand: failed to get PKCS#11 slot list: %w", err)
	}

	session, err := ctx.OpenSession(config.SlotID, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		_ = ctx.Finalize()
		ctx.Destroy()
		return nil, fmt.Errorf("rand: failed to open PKCS#11 session: %w", err)
	}

	s := &pkcs11Source{ctx: ctx, session: session}
	if config.PIN != "" {
		if err := ctx.Login(session, pkcs11.CKU_USER, config.PIN); err != nil {
			var perr pkcs11.Error
			if !errors.As(err, &perr) || perr != pkcs11.CKR_USER_ALREADY_LOGGED_IN {
				_ = s.Close()
				return nil, fmt.Errorf("rand: failed to authenticate with PKCS#11: %w", err)
			}
		}
		s.loggedIn = true
	}
	return s, nil
}

func pkcs11Available() bool {
	return true
}

func (p *pkcs11Source) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return 0, fmt.Errorf("rand: PKCS#11 source closed")
	}
	data, err := p.ctx.GenerateRandom(p.session, len(b))
	if err != nil {
		return 0, fmt.Errorf("rand: PKCS#11 random generation failed: %w", err)
	}
	return copy(b, data), nil
}

func (p *pkcs11Source) Name() string {
	return string(ModePKCS11)
}

func (p *pkcs11Source) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx != nil
}

func (p *pkcs11Source) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return nil
	}
	if p.loggedIn {
		_ = p.ctx.Logout(p.session)
	}
	_ = p.ctx.CloseSession(p.session)
	_ = p.ctx.Finalize()
	p.ctx.Destroy()
	p.ctx = nil
	return nil
}
