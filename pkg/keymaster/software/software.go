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

// Package software implements the fallback keymaster device. Keys are kept
// as PKCS#8 inside the key blob itself, so the device holds no state and the
// keystore's encrypted blob is the only copy.
package software

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-keystore/pkg/crypto/rand"
	"github.com/jeremyhahn/go-keystore/pkg/encoding"
	"github.com/jeremyhahn/go-keystore/pkg/keymaster"
)

// DeviceName is recorded in every key blob this device creates.
const DeviceName = "software"

// Device is the software keymaster.
type Device struct {
	random io.Reader
}

// New returns a software device drawing randomness from random, or from
// crypto/rand when random is nil.
func New(random io.Reader) *Device {
	if random == nil {
		random = rand.Software()
	}
	return &Device{random: random}
}

func (d *Device) Name() string {
	return DeviceName
}

func (d *Device) Capabilities() keymaster.Capabilities {
	return keymaster.Capabilities{
		SoftwareOnly:   true,
		SupportsImport: true,
		Algorithms: []keymaster.Algorithm{
			keymaster.AlgorithmRSA,
			keymaster.AlgorithmEC,
			keymaster.AlgorithmEd25519,
		},
	}
}

// Generate creates a key pair. RSA keys always use the public exponent
// 65537.
func (d *Device) Generate(alg keymaster.Algorithm, params *keymaster.KeyParams) ([]byte, error) {
	p := keymaster.KeyParams{}
	if params != nil {
		p = *params
	}
	p, err := p.Normalize(alg)
	if err != nil {
		return nil, err
	}

	var key crypto.Signer
	switch alg {
	case keymaster.AlgorithmRSA:
		if p.PublicExponent != 65537 {
			return nil, fmt.Errorf("%w: public exponent %d", keymaster.ErrInvalidKeySize, p.PublicExponent)
		}
		key, err = rsa.GenerateKey(d.random, p.Size)
	case keymaster.AlgorithmEC:
		key, err = ecdsa.GenerateKey(curve(p.Size), d.random)
	case keymaster.AlgorithmEd25519:
		_, key, err = ed25519.GenerateKey(d.random)
	}
	if err != nil {
		return nil, fmt.Errorf("software: key generation failed: %w", err)
	}
	return wrap(key)
}

// Import wraps an unencrypted PKCS#8 private key.
func (d *Device) Import(pkcs8 []byte) ([]byte, error) {
	key, err := encoding.DecodePKCS8(pkcs8, nil)
	if err != nil {
		return nil, fmt.Errorf("software: %w", err)
	}
	return wrap(key)
}

// ImportPEM wraps a PEM encoded private key. PKCS#1, SEC1 and plain or
// encrypted PKCS#8 blocks are accepted.
func (d *Device) ImportPEM(data, password []byte) ([]byte, error) {
	key, err := encoding.DecodePrivateKeyPEM(data, password)
	if err != nil {
		return nil, fmt.Errorf("software: %w", err)
	}
	return wrap(key)
}

// Export returns the PKCS#8 material of a key blob.
func (d *Device) Export(keyBlob []byte) ([]byte, error) {
	kb, err := keymaster.ParseKeyBlob(keyBlob, DeviceName)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), kb.Material...), nil
}

func (d *Device) PublicKey(keyBlob []byte) ([]byte, error) {
	kb, err := keymaster.ParseKeyBlob(keyBlob, DeviceName)
	if err != nil {
		return nil, err
	}
	if len(kb.Public) > 0 {
		return kb.Public, nil
	}
	key, err := encoding.DecodePKCS8(kb.Material, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keymaster.ErrInvalidKeyBlob, err)
	}
	return encoding.EncodePublicKeyPKIX(key.Public())
}

func (d *Device) Sign(keyBlob, data []byte) ([]byte, error) {
	key, err := d.signer(keyBlob)
	if err != nil {
		return nil, err
	}
	return keymaster.SignWith(key, d.random, data)
}

func (d *Device) Verify(keyBlob, data, signature []byte) error {
	key, err := d.signer(keyBlob)
	if err != nil {
		return err
	}
	return keymaster.VerifyWith(key.Public(), data, signature)
}

// Delete is a no-op: the key lives only in its blob.
func (d *Device) Delete(keyBlob []byte) error {
	_, err := keymaster.ParseKeyBlob(keyBlob, DeviceName)
	return err
}

func (d *Device) DeleteAll() error {
	return nil
}

func (d *Device) Close() error {
	return nil
}

func (d *Device) signer(keyBlob []byte) (crypto.Signer, error) {
	kb, err := keymaster.ParseKeyBlob(keyBlob, DeviceName)
	if err != nil {
		return nil, err
	}
	key, err := encoding.DecodePKCS8(kb.Material, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keymaster.ErrInvalidKeyBlob, err)
	}
	return key, nil
}

func wrap(key crypto.Signer) ([]byte, error) {
	alg, err := keymaster.AlgorithmOf(key.Public())
	if err != nil {
		return nil, err
	}
	der, err := encoding.EncodePKCS8(key, nil)
	if err != nil {
		return nil, err
	}
	pub, err := encoding.EncodePublicKeyPKIX(key.Public())
	if err != nil {
		return nil, err
	}
	kb := &keymaster.KeyBlob{
		Device:    DeviceName,
		Algorithm: alg,
		Material:  der,
		Public:    pub,
	}
	return kb.Marshal()
}

func curve(size int) elliptic.Curve {
	switch size {
	case 384:
		return elliptic.P384()
	case 521:
		return elliptic.P521()
	}
	return elliptic.P256()
}

var (
	_ keymaster.Device   = (*Device)(nil)
	_ keymaster.Exporter = (*Device)(nil)
)
