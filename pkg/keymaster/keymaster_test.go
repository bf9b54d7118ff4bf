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

package keymaster_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keystore/pkg/keymaster"
	"github.com/jeremyhahn/go-keystore/pkg/keymaster/software"
)

// fakeHardware wraps a software device under another name and advertises
// configurable capabilities.
type fakeHardware struct {
	*software.Device
	caps      keymaster.Capabilities
	imported  int
	deleted   int
	importErr error
}

func (f *fakeHardware) Name() string                         { return "fake" }
func (f *fakeHardware) Capabilities() keymaster.Capabilities { return f.caps }

func (f *fakeHardware) Import(der []byte) ([]byte, error) {
	if f.importErr != nil {
		return nil, f.importErr
	}
	f.imported++
	return f.Device.Import(der)
}

func (f *fakeHardware) DeleteAll() error {
	f.deleted++
	return nil
}

func newFake(caps keymaster.Capabilities) *fakeHardware {
	return &fakeHardware{Device: software.New(nil), caps: caps}
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in   string
		want keymaster.Algorithm
	}{
		{"RSA", keymaster.AlgorithmRSA},
		{"rsa", keymaster.AlgorithmRSA},
		{"EC", keymaster.AlgorithmEC},
		{"ECDSA", keymaster.AlgorithmEC},
		{"ed25519", keymaster.AlgorithmEd25519},
	}
	for _, tt := range tests {
		alg, err := keymaster.ParseAlgorithm(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, alg)
	}

	_, err := keymaster.ParseAlgorithm("DSA")
	assert.ErrorIs(t, err, keymaster.ErrUnsupportedAlgorithm)
	assert.Equal(t, "Algorithm(9)", keymaster.Algorithm(9).String())
}

func TestKeyParamsNormalize(t *testing.T) {
	tests := []struct {
		name    string
		alg     keymaster.Algorithm
		in      keymaster.KeyParams
		size    int
		wantErr bool
	}{
		{"RSA default", keymaster.AlgorithmRSA, keymaster.KeyParams{}, 2048, false},
		{"RSA 4096", keymaster.AlgorithmRSA, keymaster.KeyParams{Size: 4096}, 4096, false},
		{"RSA too small", keymaster.AlgorithmRSA, keymaster.KeyParams{Size: 256}, 0, true},
		{"RSA too large", keymaster.AlgorithmRSA, keymaster.KeyParams{Size: 16384}, 0, true},
		{"RSA even exponent", keymaster.AlgorithmRSA, keymaster.KeyParams{PublicExponent: 4}, 0, true},
		{"EC default", keymaster.AlgorithmEC, keymaster.KeyParams{}, 256, false},
		{"EC 521", keymaster.AlgorithmEC, keymaster.KeyParams{Size: 521}, 521, false},
		{"EC 300", keymaster.AlgorithmEC, keymaster.KeyParams{Size: 300}, 0, true},
		{"Ed25519", keymaster.AlgorithmEd25519, keymaster.KeyParams{}, 256, false},
		{"Ed25519 sized", keymaster.AlgorithmEd25519, keymaster.KeyParams{Size: 512}, 0, true},
		{"unknown", keymaster.AlgorithmUnknown, keymaster.KeyParams{}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.in.Normalize(tt.alg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.size, p.Size)
		})
	}
}

func TestKeyBlob(t *testing.T) {
	kb := &keymaster.KeyBlob{Device: "dev", Algorithm: keymaster.AlgorithmEC, Material: []byte{1, 2}, Label: "l"}
	data, err := kb.Marshal()
	require.NoError(t, err)

	parsed, err := keymaster.ParseKeyBlob(data, "dev")
	require.NoError(t, err)
	assert.Equal(t, kb, parsed)

	_, err = keymaster.ParseKeyBlob(data, "other")
	assert.ErrorIs(t, err, keymaster.ErrWrongDevice)

	_, err = keymaster.ParseKeyBlob([]byte{0xff, 0x00}, "")
	assert.ErrorIs(t, err, keymaster.ErrInvalidKeyBlob)

	_, err = keymaster.ParseKeyBlob(nil, "")
	assert.ErrorIs(t, err, keymaster.ErrInvalidKeyBlob)
}

func TestCapabilitySoftwareOnly(t *testing.T) {
	sw := software.New(nil)
	c, err := keymaster.NewCapability(nil, sw)
	require.NoError(t, err)

	keyBlob, fallback, err := c.Generate(keymaster.AlgorithmEC, nil)
	require.NoError(t, err)
	assert.False(t, fallback, "a lone software device is not a fallback")
	assert.NotEmpty(t, keyBlob)

	assert.False(t, c.IsHardwareBacked("RSA"))
	assert.False(t, c.CanUpgrade())
	_, err = c.Upgrade(keyBlob)
	assert.ErrorIs(t, err, keymaster.ErrImportNotSupported)

	_, err = keymaster.NewCapability(nil, nil)
	assert.ErrorIs(t, err, keymaster.ErrNoDevice)
}

func TestCapabilityFallback(t *testing.T) {
	hw := newFake(keymaster.Capabilities{
		SupportsImport: true,
		Algorithms:     []keymaster.Algorithm{keymaster.AlgorithmRSA},
	})
	sw := software.New(nil)
	c, err := keymaster.NewCapability(hw, sw)
	require.NoError(t, err)

	t.Run("unsupported algorithm falls back", func(t *testing.T) {
		keyBlob, fallback, err := c.Generate(keymaster.AlgorithmEd25519, nil)
		require.NoError(t, err)
		assert.True(t, fallback)

		kb, err := keymaster.ParseKeyBlob(keyBlob, "")
		require.NoError(t, err)
		assert.Equal(t, software.DeviceName, kb.Device)
		assert.Same(t, sw, c.Device(true))
	})

	t.Run("hardware backed", func(t *testing.T) {
		assert.True(t, c.IsHardwareBacked("RSA"))
		assert.False(t, c.IsHardwareBacked("EC"))
		assert.False(t, c.IsHardwareBacked("bogus"))
	})

	t.Run("import falls back on hardware error", func(t *testing.T) {
		keyBlob, err := sw.Generate(keymaster.AlgorithmEC, nil)
		require.NoError(t, err)
		der, err := sw.Export(keyBlob)
		require.NoError(t, err)

		hw.importErr = errors.New("token full")
		_, fallback, err := c.Import(der)
		require.NoError(t, err)
		assert.True(t, fallback)

		hw.importErr = nil
		_, fallback, err = c.Import(der)
		require.NoError(t, err)
		assert.False(t, fallback)
	})

	t.Run("upgrade", func(t *testing.T) {
		keyBlob, err := sw.Generate(keymaster.AlgorithmEC, nil)
		require.NoError(t, err)

		assert.True(t, c.CanUpgrade())
		before := hw.imported
		upgraded, err := c.Upgrade(keyBlob)
		require.NoError(t, err)
		assert.Equal(t, before+1, hw.imported)

		pub1, err := sw.PublicKey(keyBlob)
		require.NoError(t, err)
		pub2, err := sw.PublicKey(upgraded)
		require.NoError(t, err)
		assert.Equal(t, pub1, pub2)
	})

	t.Run("software-only hardware cannot upgrade", func(t *testing.T) {
		soft := newFake(keymaster.Capabilities{SoftwareOnly: true, SupportsImport: true})
		c2, err := keymaster.NewCapability(soft, sw)
		require.NoError(t, err)
		assert.False(t, c2.CanUpgrade())
		assert.False(t, c2.IsHardwareBacked("RSA"))
	})

	t.Run("delete all", func(t *testing.T) {
		require.NoError(t, c.DeleteAll())
		assert.Equal(t, 1, hw.deleted)
		assert.NoError(t, c.Close())
	})
}

func TestVerifyWithUnsupportedKey(t *testing.T) {
	err := keymaster.VerifyWith("not a key", []byte("x"), []byte("y"))
	assert.ErrorIs(t, err, keymaster.ErrUnsupportedAlgorithm)
}
