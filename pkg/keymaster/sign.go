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

package keymaster

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"
)

// AlgorithmOf returns the algorithm of a public key.
func AlgorithmOf(pub crypto.PublicKey) (Algorithm, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return AlgorithmRSA, nil
	case *ecdsa.PublicKey:
		return AlgorithmEC, nil
	case ed25519.PublicKey:
		return AlgorithmEd25519, nil
	}
	return AlgorithmUnknown, fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, pub)
}

// SignWith signs data with signer. RSA and ECDSA keys sign the SHA-256
// digest of data (PKCS#1 v1.5 and ASN.1 DER respectively); Ed25519 signs
// data directly.
func SignWith(signer crypto.Signer, random io.Reader, data []byte) ([]byte, error) {
	alg, err := AlgorithmOf(signer.Public())
	if err != nil {
		return nil, err
	}
	if alg == AlgorithmEd25519 {
		return signer.Sign(random, data, crypto.Hash(0))
	}
	digest := sha256.Sum256(data)
	return signer.Sign(random, digest[:], crypto.SHA256)
}

// VerifyWith checks a signature produced by SignWith.
func VerifyWith(pub crypto.PublicKey, data, signature []byte) error {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		digest := sha256.Sum256(data)
		if err := rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], signature); err != nil {
			return ErrInvalidSignature
		}
		return nil
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(data)
		if !ecdsa.VerifyASN1(k, digest[:], signature) {
			return ErrInvalidSignature
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(k, data, signature) {
			return ErrInvalidSignature
		}
		return nil
	}
	return fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, pub)
}
