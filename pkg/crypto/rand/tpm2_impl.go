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

//go:build tpm2

package rand

import (
	"fmt"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/tcp"
	"github.com/google/go-tpm/tpmutil"
)

// tpm2Source draws bytes with TPM2_GetRandom in MaxRequestSize chunks.
type tpm2Source struct {
	mu     sync.Mutex
	rwc    transport.TPMCloser
	config TPM2Config
}

func newTPM2Source(config *TPM2Config) (Source, error) {
	cfg := TPM2Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.Device == "" {
		cfg.Device = "/dev/tpmrm0"
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = 32
	}
	if cfg.SimulatorHost == "" {
		cfg.SimulatorHost = "localhost"
	}
	if cfg.SimulatorPort <= 0 {
		cfg.SimulatorPort = 2321
	}

	var rwc transport.TPMCloser
	if cfg.UseSimulator {
		cmdAddr := fmt.Sprintf("%s:%d", cfg.SimulatorHost, cfg.SimulatorPort)
		platAddr := fmt.Sprintf("%s:%d", cfg.SimulatorHost, cfg.SimulatorPort+1)
		sim, err := tcp.Open(tcp.Config{
			CommandAddress:  cmdAddr,
			PlatformAddress: platAddr,
		})
		if err != nil {
			return nil, fmt.Errorf("rand: failed to connect to TPM simulator at %s: %w", cmdAddr, err)
		}
		rwc = sim
	} else {
		dev, err := tpmutil.OpenTPM(cfg.Device)
		if err != nil {
			return nil, fmt.Errorf("rand: failed to open TPM2 device %s: %w", cfg.Device, err)
		}
		rwc = transport.FromReadWriteCloser(dev)
	}

	return &tpm2Source{rwc: rwc, config: cfg}, nil
}

func tpm2Available() bool {
	return true
}

func (t *tpm2Source) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rwc == nil {
		return 0, fmt.Errorf("rand: TPM2 source closed")
	}

	n := 0
	for n < len(p) {
		chunk := len(p) - n
		if chunk > t.config.MaxRequestSize {
			chunk = t.config.MaxRequestSize
		}
		rsp, err := tpm2.GetRandom{BytesRequested: uint16(chunk)}.Execute(t.rwc)
		if err != nil {
			return n, fmt.Errorf("rand: TPM2 GetRandom failed: %w", err)
		}
		if len(rsp.RandomBytes.Buffer) == 0 {
			return n, fmt.Errorf("rand: TPM2 GetRandom returned no bytes")
		}
		n += copy(p[n:], rsp.RandomBytes.Buffer)
	}
	return n, nil
}

func (t *tpm2Source) Name() string {
	return string(ModeTPM2)
}

func (t *tpm2Source) Available() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rwc != nil
}

func (t *tpm2Source) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rwc == nil {
		return nil
	}
	err := t.rwc.Close()
	t.rwc = nil
	return err
}
