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

// Package keymaster defines the key pair operations the keystore delegates
// to a device, and picks between a hardware device and the software
// fallback.
package keymaster

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedAlgorithm = errors.New("keymaster: unsupported algorithm")
	ErrInvalidKeySize       = errors.New("keymaster: invalid key size")
	ErrInvalidKeyBlob       = errors.New("keymaster: invalid key blob")
	ErrWrongDevice          = errors.New("keymaster: key blob belongs to another device")
	ErrInvalidSignature     = errors.New("keymaster: signature verification failed")
	ErrKeyNotFound          = errors.New("keymaster: key not found")
	ErrImportNotSupported   = errors.New("keymaster: import not supported")
	ErrNoDevice             = errors.New("keymaster: no device configured")
)

// Algorithm identifies a key pair algorithm.
type Algorithm uint8

const (
	AlgorithmUnknown Algorithm = iota
	AlgorithmRSA
	AlgorithmEC
	AlgorithmEd25519
)

const (
	DefaultRSAKeySize = 2048
	MinRSAKeySize     = 1024
	MaxRSAKeySize     = 8192
	DefaultECKeySize  = 256
)

// ECKeySizes lists the supported NIST curve sizes.
var ECKeySizes = []int{256, 384, 521}

var algorithmNames = map[Algorithm]string{
	AlgorithmRSA:     "RSA",
	AlgorithmEC:      "EC",
	AlgorithmEd25519: "Ed25519",
}

func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Algorithm(%d)", uint8(a))
}

// ParseAlgorithm accepts the algorithm names used by clients. "ECDSA" is an
// alias of "EC".
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RSA":
		return AlgorithmRSA, nil
	case "EC", "ECDSA":
		return AlgorithmEC, nil
	case "ED25519":
		return AlgorithmEd25519, nil
	}
	return AlgorithmUnknown, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
}

// KeyParams are optional generation parameters. A zero Size selects the
// algorithm default; a zero PublicExponent selects 65537.
type KeyParams struct {
	Size           int
	PublicExponent int
}

// Normalize fills in defaults and validates p for alg.
func (p KeyParams) Normalize(alg Algorithm) (KeyParams, error) {
	switch alg {
	case AlgorithmRSA:
		if p.Size == 0 {
			p.Size = DefaultRSAKeySize
		}
		if p.Size < MinRSAKeySize || p.Size > MaxRSAKeySize {
			return p, fmt.Errorf("%w: RSA %d", ErrInvalidKeySize, p.Size)
		}
		if p.PublicExponent == 0 {
			p.PublicExponent = 65537
		}
		if p.PublicExponent < 3 || p.PublicExponent%2 == 0 {
			return p, fmt.Errorf("%w: RSA public exponent %d", ErrInvalidKeySize, p.PublicExponent)
		}
	case AlgorithmEC:
		if p.Size == 0 {
			p.Size = DefaultECKeySize
		}
		ok := false
		for _, s := range ECKeySizes {
			ok = ok || s == p.Size
		}
		if !ok {
			return p, fmt.Errorf("%w: EC %d", ErrInvalidKeySize, p.Size)
		}
	case AlgorithmEd25519:
		if p.Size != 0 && p.Size != 256 {
			return p, fmt.Errorf("%w: Ed25519 %d", ErrInvalidKeySize, p.Size)
		}
		p.Size = 256
	default:
		return p, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
	return p, nil
}

// Capabilities describes what a device can do.
type Capabilities struct {
	// SoftwareOnly is set when keys never leave process memory.
	SoftwareOnly bool

	// SupportsImport is set when the device accepts PKCS#8 key material.
	SupportsImport bool

	Algorithms []Algorithm
}

// Supports reports whether alg is in c.Algorithms.
func (c Capabilities) Supports(alg Algorithm) bool {
	for _, a := range c.Algorithms {
		if a == alg {
			return true
		}
	}
	return false
}

// Device holds key pairs and performs private key operations. Key blobs are
// opaque to the keystore; it stores whatever Generate and Import return.
type Device interface {
	Name() string
	Capabilities() Capabilities

	Generate(alg Algorithm, params *KeyParams) ([]byte, error)

	// Import takes an unencrypted PKCS#8 private key.
	Import(pkcs8 []byte) ([]byte, error)

	// PublicKey returns the ASN.1 DER SubjectPublicKeyInfo of a key blob.
	PublicKey(keyBlob []byte) ([]byte, error)

	Sign(keyBlob, data []byte) ([]byte, error)
	Verify(keyBlob, data, signature []byte) error

	Delete(keyBlob []byte) error
	DeleteAll() error
	Close() error
}
