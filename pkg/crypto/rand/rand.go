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

// Package rand is the keystore's entropy source. Every IV, salt, master key
// and software key pair is drawn from a Resolver, which reads from the
// operating system CSPRNG, a TPM 2.0 or a PKCS#11 token.
//
// Hardware sources are compiled in with the tpm2 and pkcs11 build tags.
// In auto mode the best compiled-in source that opens successfully is used,
// with crypto/rand as the floor.
package rand

import (
	"crypto/rand"
	"fmt"
	"io"
)

// Mode specifies which RNG source to use.
type Mode string

const (
	// ModeAuto prefers PKCS#11, then TPM2, then software.
	ModeAuto Mode = "auto"

	// ModeSoftware uses crypto/rand
	ModeSoftware Mode = "software"

	// ModeTPM2 uses Trusted Platform Module 2.0 hardware RNG
	ModeTPM2 Mode = "tpm2"

	// ModePKCS11 uses PKCS#11 hardware security module RNG
	ModePKCS11 Mode = "pkcs11"
)

// ParseMode validates a mode read from configuration.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeSoftware, ModeTPM2, ModePKCS11:
		return m, nil
	default:
		return "", fmt.Errorf("rand: unknown mode %q", s)
	}
}

// Config contains RNG configuration.
type Config struct {
	// Mode specifies the primary RNG source to use.
	// Defaults to ModeAuto if not specified.
	Mode Mode

	// FallbackMode is used when the primary source cannot be opened or
	// fails a read. Empty means failures are returned to the caller.
	FallbackMode Mode

	TPM2Config   *TPM2Config
	PKCS11Config *PKCS11Config
}

// TPM2Config contains configuration for TPM2 RNG.
type TPM2Config struct {
	// Device path to the TPM device (default: "/dev/tpmrm0")
	Device string

	// MaxRequestSize limits the bytes requested per TPM2_GetRandom.
	// Default: 32
	MaxRequestSize int

	// UseSimulator connects to a TCP simulator instead of Device.
	UseSimulator  bool
	SimulatorHost string
	SimulatorPort int
}

// PKCS11Config contains configuration for PKCS#11 RNG.
type PKCS11Config struct {
	// Module path to the PKCS#11 library (e.g., /usr/lib/softhsm/libsofthsm2.so)
	Module string

	SlotID uint

	// PIN logs the session in when non-empty
	PIN string
}

// Source is a single named random byte producer.
type Source interface {
	io.Reader

	// Name identifies the source in logs and metrics.
	Name() string

	// Available returns true if this RNG source is open and ready.
	Available() bool

	Close() error
}

// Resolver provides random bytes from the configured source, falling back
// when configured. It implements io.Reader and always fills the whole
// buffer or returns an error.
type Resolver interface {
	io.Reader

	// Rand returns n random bytes.
	Rand(n int) ([]byte, error)

	// Source returns the primary source.
	Source() Source

	// Available returns true if at least one RNG source is available.
	Available() bool

	Close() error
}

// NewResolver creates a new RNG resolver. config may be nil, a Mode or a
// *Config.
func NewResolver(config interface{}) (Resolver, error) {
	cfg := normalizeConfig(config)

	primary, err := openSource(cfg.Mode, cfg)
	if err != nil {
		if cfg.FallbackMode == "" {
			return nil, err
		}
		primary, err = openSource(cfg.FallbackMode, cfg)
		if err != nil {
			return nil, err
		}
		return &resolver{primary: primary}, nil
	}

	r := &resolver{primary: primary}
	if cfg.FallbackMode != "" && cfg.FallbackMode != cfg.Mode {
		if fb, err := openSource(cfg.FallbackMode, cfg); err == nil {
			r.fallback = fb
		}
	}
	return r, nil
}

// Software returns a resolver over crypto/rand.
func Software() Resolver {
	return &resolver{primary: softwareSource{}}
}

// Fill reads exactly len(p) random bytes from r.
func Fill(r io.Reader, p []byte) error {
	if _, err := io.ReadFull(r, p); err != nil {
		return fmt.Errorf("rand: %w", err)
	}
	return nil
}

func normalizeConfig(config interface{}) *Config {
	switch v := config.(type) {
	case Mode:
		return &Config{Mode: v}
	case *Config:
		if v == nil {
			return &Config{Mode: ModeAuto}
		}
		cfg := *v
		if cfg.Mode == "" {
			cfg.Mode = ModeAuto
		}
		return &cfg
	default:
		return &Config{Mode: ModeAuto}
	}
}

func openSource(mode Mode, cfg *Config) (Source, error) {
	switch mode {
	case ModeAuto, "":
		return openAuto(cfg), nil
	case ModeSoftware:
		return softwareSource{}, nil
	case ModeTPM2:
		return newTPM2Source(cfg.TPM2Config)
	case ModePKCS11:
		return newPKCS11Source(cfg.PKCS11Config)
	default:
		return nil, fmt.Errorf("rand: unknown mode: %s", mode)
	}
}

type softwareSource struct{}

func (softwareSource) Read(p []byte) (int, error) { return rand.Read(p) }
func (softwareSource) Name() string               { return string(ModeSoftware) }
func (softwareSource) Available() bool            { return true }
func (softwareSource) Close() error               { return nil }
