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

package encoding

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// PEM block types
const (
	PEMTypeRSAPrivateKey       = "RSA PRIVATE KEY"
	PEMTypeECPrivateKey        = "EC PRIVATE KEY"
	PEMTypePrivateKey          = "PRIVATE KEY"
	PEMTypeEncryptedPrivateKey = "ENCRYPTED PRIVATE KEY"
	PEMTypePublicKey           = "PUBLIC KEY"
)

// DecodePrivateKeyPEM decodes the first PEM block of data. PKCS#1 RSA,
// SEC1 EC and plain or encrypted PKCS#8 blocks are accepted.
func DecodePrivateKeyPEM(data []byte, password []byte) (crypto.Signer, error) {
	if len(data) == 0 {
		return nil, ErrInvalidData
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEMEncoding
	}

	switch block.Type {
	case PEMTypeRSAPrivateKey:
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 key: %w", err)
		}
		return key, nil
	case PEMTypeECPrivateKey:
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC key: %w", err)
		}
		return key, nil
	case PEMTypeEncryptedPrivateKey:
		if len(password) == 0 {
			return nil, ErrPasswordRequired
		}
		return DecodePKCS8(block.Bytes, password)
	case PEMTypePrivateKey:
		return DecodePKCS8(block.Bytes, nil)
	}
	return nil, fmt.Errorf("%w: unexpected block type %q", ErrInvalidPEMEncoding, block.Type)
}

// PEMToPKCS8 converts a PEM encoded private key to unencrypted PKCS#8 DER.
func PEMToPKCS8(data []byte, password []byte) ([]byte, error) {
	key, err := DecodePrivateKeyPEM(data, password)
	if err != nil {
		return nil, err
	}
	return EncodePKCS8(key, nil)
}

// EncodePrivateKeyPEM encodes a private key as a PKCS#8 PEM block,
// encrypted when a password is given.
func EncodePrivateKeyPEM(privateKey crypto.PrivateKey, password []byte) ([]byte, error) {
	der, err := EncodePKCS8(privateKey, password)
	if err != nil {
		return nil, err
	}
	blockType := PEMTypePrivateKey
	if len(password) > 0 {
		blockType = PEMTypeEncryptedPrivateKey
	}
	return encodePEM(blockType, der)
}

// EncodePublicKeyPEM wraps PKIX DER in a PUBLIC KEY block.
func EncodePublicKeyPEM(der []byte) ([]byte, error) {
	if len(der) == 0 {
		return nil, ErrInvalidPublicKey
	}
	return encodePEM(PEMTypePublicKey, der)
}

func encodePEM(blockType string, der []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return nil, fmt.Errorf("failed to encode PEM: %w", err)
	}
	return buf.Bytes(), nil
}
