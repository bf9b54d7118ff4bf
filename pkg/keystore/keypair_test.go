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

package keystore_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keystore/pkg/blob"
	"github.com/jeremyhahn/go-keystore/pkg/keymaster"
	"github.com/jeremyhahn/go-keystore/pkg/keymaster/software"
	"github.com/jeremyhahn/go-keystore/pkg/keystore"
	"github.com/jeremyhahn/go-keystore/pkg/types"
)

func TestGenerateSignVerify(t *testing.T) {
	tests := []struct {
		name string
		alg  keymaster.Algorithm
		size int
		args [][]byte
	}{
		{"rsa-1024-e65537", keymaster.AlgorithmRSA, 1024, [][]byte{{0x01, 0x00, 0x01}}},
		{"ec-default", keymaster.AlgorithmEC, 0, nil},
		{"ec-384", keymaster.AlgorithmEC, 384, nil},
		{"ec-ignores-args", keymaster.AlgorithmEC, 256, [][]byte{{1}, {2}}},
		{"ed25519", keymaster.AlgorithmEd25519, 0, nil},
	}

	ks, _ := unlockedKeyStore(t)
	data := []byte("message to sign")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name := []byte(tt.name)
			require.Equal(t, types.NoError,
				ks.Generate(system, name, keystore.SelfUID, tt.alg, tt.size, types.FlagEncrypted, tt.args))

			sig, code := ks.Sign(system, name, data)
			require.Equal(t, types.NoError, code)
			require.NotEmpty(t, sig)

			assert.Equal(t, types.NoError, ks.Verify(system, name, data, sig))
			assert.Equal(t, types.SystemError, ks.Verify(system, name, []byte("tampered"), sig))

			der, code := ks.GetPublicKey(system, name)
			require.Equal(t, types.NoError, code)
			pub, err := x509.ParsePKIXPublicKey(der)
			require.NoError(t, err)
			assert.NoError(t, keymaster.VerifyWith(pub, data, sig))

			alg, err := keymaster.AlgorithmOf(pub)
			require.NoError(t, err)
			assert.Equal(t, tt.alg, alg)
		})
	}
}

func TestGenerate_InvalidParameters(t *testing.T) {
	ks, _ := unlockedKeyStore(t)

	tests := []struct {
		name string
		alg  keymaster.Algorithm
		size int
		args [][]byte
	}{
		{"ec-bad-size", keymaster.AlgorithmEC, 100, nil},
		{"rsa-too-small", keymaster.AlgorithmRSA, 512, nil},
		{"rsa-too-large", keymaster.AlgorithmRSA, 16384, nil},
		{"rsa-two-args", keymaster.AlgorithmRSA, 2048, [][]byte{{1}, {2}}},
		{"rsa-exponent-3", keymaster.AlgorithmRSA, 1024, [][]byte{{3}}},
		{"rsa-huge-exponent", keymaster.AlgorithmRSA, 1024, [][]byte{{1, 0, 0, 0, 0, 0, 0, 0, 0}}},
		{"unknown", keymaster.AlgorithmUnknown, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, types.SystemError,
				ks.Generate(system, []byte(tt.name), keystore.SelfUID, tt.alg, tt.size, types.FlagNone, tt.args))
			assert.Equal(t, types.KeyNotFound, ks.Exists(system, []byte(tt.name), keystore.SelfUID))
		})
	}
}

func TestGenerate_StateAndPermissions(t *testing.T) {
	ks, _ := newKeyStore(t)

	assert.Equal(t, types.Uninitialized,
		ks.Generate(system, []byte("k"), keystore.SelfUID, keymaster.AlgorithmEC, 0, types.FlagEncrypted, nil))
	assert.Equal(t, types.PermissionDenied,
		ks.Generate(wifi, []byte("k"), keystore.SelfUID, keymaster.AlgorithmEC, 0, types.FlagNone, nil))
	assert.Equal(t, types.PermissionDenied,
		ks.Generate(app, []byte("k"), int64(system), keymaster.AlgorithmEC, 0, types.FlagNone, nil))

	// unencrypted key pairs are usable without a password
	require.Equal(t, types.NoError,
		ks.Generate(app, []byte("k"), keystore.SelfUID, keymaster.AlgorithmEC, 0, types.FlagNone, nil))
	_, code := ks.Sign(app, []byte("k"), []byte("data"))
	assert.Equal(t, types.NoError, code)

	// but verify needs an unlocked user
	assert.Equal(t, types.Uninitialized, ks.Verify(app, []byte("k"), []byte("data"), []byte("sig")))
}

func TestSign_Locked(t *testing.T) {
	ks, _ := unlockedKeyStore(t)
	require.Equal(t, types.NoError,
		ks.Generate(system, []byte("k"), keystore.SelfUID, keymaster.AlgorithmEC, 0, types.FlagEncrypted, nil))
	sig, code := ks.Sign(system, []byte("k"), []byte("data"))
	require.Equal(t, types.NoError, code)

	require.Equal(t, types.NoError, ks.Lock(system))
	_, code = ks.Sign(system, []byte("k"), []byte("data"))
	assert.Equal(t, types.Locked, code)
	_, code = ks.GetPublicKey(system, []byte("k"))
	assert.Equal(t, types.Locked, code)
	assert.Equal(t, types.Locked, ks.Verify(system, []byte("k"), []byte("data"), sig))
}

func TestSign_AliasAndGrant(t *testing.T) {
	ks, _ := unlockedKeyStore(t)
	require.Equal(t, types.NoError,
		ks.Generate(system, []byte("vpn"), keystore.SelfUID, keymaster.AlgorithmEC, 0, types.FlagEncrypted, nil))

	_, code := ks.Sign(wifi, []byte("vpn"), []byte("data"))
	assert.Equal(t, types.NoError, code)

	_, code = ks.Sign(app, []byte("1000_vpn"), []byte("data"))
	assert.Equal(t, types.KeyNotFound, code)
	require.Equal(t, types.NoError, ks.Grant(system, []byte("vpn"), app))
	_, code = ks.Sign(app, []byte("1000_vpn"), []byte("data"))
	assert.Equal(t, types.NoError, code)
}

func TestImport(t *testing.T) {
	ks, _ := unlockedKeyStore(t)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	require.Equal(t, types.NoError, ks.Import(system, []byte("imported"), der, keystore.SelfUID, types.FlagEncrypted))

	data := []byte("payload")
	sig, code := ks.Sign(system, []byte("imported"), data)
	require.Equal(t, types.NoError, code)
	assert.NoError(t, keymaster.VerifyWith(key.Public(), data, sig))

	assert.Equal(t, types.SystemError, ks.Import(system, []byte("junk"), []byte("not a key"), keystore.SelfUID, types.FlagNone))
	assert.Equal(t, types.PermissionDenied, ks.Import(app, []byte("x"), der, int64(system), types.FlagNone))
}

func TestDeleteKeyPair(t *testing.T) {
	ks, _ := unlockedKeyStore(t)
	require.Equal(t, types.NoError,
		ks.Generate(system, []byte("k"), keystore.SelfUID, keymaster.AlgorithmEd25519, 0, types.FlagEncrypted, nil))
	require.Equal(t, types.NoError, ks.Insert(system, []byte("generic"), []byte("v"), keystore.SelfUID, types.FlagNone))

	assert.Equal(t, types.KeyNotFound, ks.DeleteKeyPair(system, []byte("generic"), keystore.SelfUID))
	require.Equal(t, types.NoError, ks.DeleteKeyPair(system, []byte("k"), keystore.SelfUID))

	_, code := ks.Sign(system, []byte("k"), []byte("data"))
	assert.Equal(t, types.KeyNotFound, code)
	assert.Equal(t, types.KeyNotFound, ks.DeleteKeyPair(system, []byte("k"), keystore.SelfUID))
}

func TestDeleteKeyPair_HardwareKey(t *testing.T) {
	hw := &countingDevice{Device: software.New(nil)}
	km, err := keymaster.NewCapability(hw, software.New(nil))
	require.NoError(t, err)
	ks, _ := newKeyStoreWith(t, km)
	require.Equal(t, types.NoError, ks.SetPassword(system, password))

	require.Equal(t, types.NoError,
		ks.Generate(system, []byte("hw"), keystore.SelfUID, keymaster.AlgorithmEC, 0, types.FlagEncrypted, nil))
	require.Equal(t, types.NoError, ks.DeleteKeyPair(system, []byte("hw"), keystore.SelfUID))
	assert.Equal(t, 1, hw.deleted)

	hw.importErr = errors.New("token full")
	require.Equal(t, types.NoError,
		ks.Generate(system, []byte("sw"), keystore.SelfUID, keymaster.AlgorithmEd25519, 0, types.FlagEncrypted, nil))
	require.Equal(t, types.NoError, ks.DeleteKeyPair(system, []byte("sw"), keystore.SelfUID))
	assert.Equal(t, 1, hw.deleted)
}

func TestIsHardwareBacked(t *testing.T) {
	ks, _ := newKeyStore(t)
	assert.False(t, ks.IsHardwareBacked("RSA"))

	km, err := keymaster.NewCapability(&countingDevice{Device: software.New(nil)}, software.New(nil))
	require.NoError(t, err)
	ks, _ = newKeyStoreWith(t, km)
	assert.True(t, ks.IsHardwareBacked("RSA"))
	assert.True(t, ks.IsHardwareBacked("EC"))
	assert.False(t, ks.IsHardwareBacked("ed25519"))
	assert.False(t, ks.IsHardwareBacked("DSA"))
}

func TestFallbackKeyMovesToHardware(t *testing.T) {
	hw := &countingDevice{Device: software.New(nil), importErr: errors.New("busy")}
	km, err := keymaster.NewCapability(hw, software.New(nil))
	require.NoError(t, err)
	ks, store := newKeyStoreWith(t, km)
	require.Equal(t, types.NoError, ks.SetPassword(system, password))

	// the hardware lacks Ed25519 so the key is generated in software
	require.Equal(t, types.NoError,
		ks.Generate(system, []byte("ed"), keystore.SelfUID, keymaster.AlgorithmEd25519, 0, types.FlagEncrypted, nil))
	assert.True(t, headerFlags(t, store, "user_0/1000_ed").Has(types.FlagFallback))

	// a failed move leaves the fallback key in place
	before, code := ks.GetPublicKey(system, []byte("ed"))
	require.Equal(t, types.NoError, code)
	assert.True(t, headerFlags(t, store, "user_0/1000_ed").Has(types.FlagFallback))

	hw.importErr = nil
	after, code := ks.GetPublicKey(system, []byte("ed"))
	require.Equal(t, types.NoError, code)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, hw.imported)
	assert.False(t, headerFlags(t, store, "user_0/1000_ed").Has(types.FlagFallback))

	data := []byte("data")
	sig, code := ks.Sign(system, []byte("ed"), data)
	require.Equal(t, types.NoError, code)
	assert.Equal(t, types.NoError, ks.Verify(system, []byte("ed"), data, sig))
	assert.Equal(t, 1, hw.imported)
}

func headerFlags(t *testing.T, store interface{ Get(string) ([]byte, error) }, key string) types.Flags {
	t.Helper()
	raw, err := store.Get(key)
	require.NoError(t, err)
	h, err := blob.ParseHeader(raw)
	require.NoError(t, err)
	return h.Flags
}
