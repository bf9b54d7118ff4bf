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

package keystore

import (
	"math/big"
	"time"

	"github.com/jeremyhahn/go-keystore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keystore/pkg/blob"
	"github.com/jeremyhahn/go-keystore/pkg/keymaster"
	"github.com/jeremyhahn/go-keystore/pkg/metrics"
	"github.com/jeremyhahn/go-keystore/pkg/types"
	"github.com/jeremyhahn/go-keystore/pkg/user"
)

// maxPublicExponent bounds the RSA exponent argument to a positive int32.
const maxPublicExponent = 1<<31 - 1

// Generate creates a key pair for target. A size of zero selects the
// algorithm default. For RSA, args may hold a single big-endian public
// exponent; other algorithms ignore args.
func (ks *KeyStore) Generate(caller uint32, name []byte, target int64, alg keymaster.Algorithm, size int, flags types.Flags, args [][]byte) (code types.ResponseCode) {
	defer track(metrics.OpGenerate, time.Now(), &code)

	if !ks.allowed(caller, types.PermInsert, metrics.OpGenerate) {
		return types.PermissionDenied
	}
	t, ok := ks.target(caller, target)
	if !ok {
		return types.PermissionDenied
	}

	params := &keymaster.KeyParams{Size: size}
	if alg == keymaster.AlgorithmRSA {
		switch len(args) {
		case 0:
		case 1:
			e := new(big.Int).SetBytes(args[0])
			if !e.IsInt64() || e.Int64() > maxPublicExponent {
				return types.SystemError
			}
			params.PublicExponent = int(e.Int64())
		default:
			return types.SystemError
		}
	}

	return ks.session(caller, func(x *user.Session) types.ResponseCode {
		if flags.Has(types.FlagEncrypted) {
			if rc, ok := unlocked(x); !ok {
				return rc
			}
		}

		keyBlob, fallback, err := ks.km.Generate(alg, params)
		if err != nil {
			ks.log.Error("failed to generate key pair", logger.Stringer("algorithm", alg), logger.Error(err))
			return codeFor(err)
		}
		if fallback {
			metrics.RecordKeymasterFallback(metrics.OpGenerate)
		}
		return ks.putKeyPair(x, t, name, keyBlob, fallback, flags)
	})
}

// Import stores an unencrypted PKCS#8 private key as a key pair of target.
func (ks *KeyStore) Import(caller uint32, name, pkcs8 []byte, target int64, flags types.Flags) (code types.ResponseCode) {
	defer track(metrics.OpImport, time.Now(), &code)

	if !ks.allowed(caller, types.PermInsert, metrics.OpImport) {
		return types.PermissionDenied
	}
	t, ok := ks.target(caller, target)
	if !ok {
		return types.PermissionDenied
	}
	return ks.session(caller, func(x *user.Session) types.ResponseCode {
		if flags.Has(types.FlagEncrypted) {
			if rc, ok := unlocked(x); !ok {
				return rc
			}
		}

		keyBlob, fallback, err := ks.km.Import(pkcs8)
		if err != nil {
			ks.log.Error("failed to import key pair", logger.Error(err))
			return codeFor(err)
		}
		if fallback {
			metrics.RecordKeymasterFallback(metrics.OpImport)
		}
		return ks.putKeyPair(x, t, name, keyBlob, fallback, flags)
	})
}

func (ks *KeyStore) putKeyPair(x *user.Session, t uint32, name, keyBlob []byte, fallback bool, flags types.Flags) types.ResponseCode {
	b := blob.New(keyBlob, nil, blob.TypeKeyPair)
	b.SetEncrypted(flags.Has(types.FlagEncrypted))
	b.SetFallback(fallback)
	return codeFor(x.Write(ks.path(t, name), b))
}

// Sign signs data with a key pair visible to caller.
func (ks *KeyStore) Sign(caller uint32, name, data []byte) (signature []byte, code types.ResponseCode) {
	defer track(metrics.OpSign, time.Now(), &code)

	if !ks.allowed(caller, types.PermSign, metrics.OpSign) {
		return nil, types.PermissionDenied
	}
	code = ks.session(caller, func(x *user.Session) types.ResponseCode {
		b, rc := ks.resolve(x, caller, name, blob.TypeKeyPair)
		if rc != types.NoError {
			return rc
		}
		sig, err := ks.km.Device(b.IsFallback()).Sign(b.Value, data)
		if err != nil {
			ks.log.Error("sign failed", logger.Error(err))
			return codeFor(err)
		}
		signature = sig
		return types.NoError
	})
	return signature, code
}

// Verify checks a signature made by Sign. The caller's user must be
// unlocked.
func (ks *KeyStore) Verify(caller uint32, name, data, signature []byte) (code types.ResponseCode) {
	defer track(metrics.OpVerify, time.Now(), &code)

	if !ks.allowed(caller, types.PermVerify, metrics.OpVerify) {
		return types.PermissionDenied
	}
	return ks.session(caller, func(x *user.Session) types.ResponseCode {
		if rc, ok := unlocked(x); !ok {
			return rc
		}
		b, rc := ks.resolve(x, caller, name, blob.TypeKeyPair)
		if rc != types.NoError {
			return rc
		}
		if err := ks.km.Device(b.IsFallback()).Verify(b.Value, data, signature); err != nil {
			ks.log.Debug("verify failed", logger.Error(err))
			return codeFor(err)
		}
		return types.NoError
	})
}

// GetPublicKey returns the DER encoded SubjectPublicKeyInfo of a key pair.
func (ks *KeyStore) GetPublicKey(caller uint32, name []byte) (der []byte, code types.ResponseCode) {
	defer track(metrics.OpGetPublicKey, time.Now(), &code)

	if !ks.allowed(caller, types.PermGet, metrics.OpGetPublicKey) {
		return nil, types.PermissionDenied
	}
	code = ks.session(caller, func(x *user.Session) types.ResponseCode {
		b, rc := ks.resolve(x, caller, name, blob.TypeKeyPair)
		if rc != types.NoError {
			return rc
		}
		pub, err := ks.km.Device(b.IsFallback()).PublicKey(b.Value)
		if err != nil {
			ks.log.Error("failed to read public key", logger.Error(err))
			return codeFor(err)
		}
		der = pub
		return types.NoError
	})
	return der, code
}

// DeleteKeyPair removes a key pair of target from the device and storage.
func (ks *KeyStore) DeleteKeyPair(caller uint32, name []byte, target int64) (code types.ResponseCode) {
	defer track(metrics.OpDeleteKeyPair, time.Now(), &code)

	if !ks.allowed(caller, types.PermDelete, metrics.OpDeleteKeyPair) {
		return types.PermissionDenied
	}
	t, ok := ks.target(caller, target)
	if !ok {
		return types.PermissionDenied
	}
	return ks.session(caller, func(x *user.Session) types.ResponseCode {
		key := ks.path(t, name)
		b, rc := ks.getBlob(x, key, blob.TypeKeyPair)
		if rc != types.NoError {
			return rc
		}
		if !b.IsFallback() {
			if err := ks.km.Hardware().Delete(b.Value); err != nil {
				ks.log.Error("failed to delete key pair from device", logger.Error(err))
				return types.SystemError
			}
		}
		return ks.unlink(key)
	})
}

// IsHardwareBacked reports whether keys of keyType ("RSA", "EC", ...) are
// held by a hardware device.
func (ks *KeyStore) IsHardwareBacked(keyType string) bool {
	code := types.NoError
	defer track(metrics.OpIsHardwareBacked, time.Now(), &code)
	return ks.km.IsHardwareBacked(keyType)
}
