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
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// KeyBlob is the envelope every device wraps its key material in, so a
// stored blob always names the device that can use it.
type KeyBlob struct {
	Device    string    `cbor:"1,keyasint"`
	Algorithm Algorithm `cbor:"2,keyasint"`

	// Material is device specific: PKCS#8 for software keys, an object
	// label reference for PKCS#11 keys.
	Material []byte `cbor:"3,keyasint,omitempty"`
	Label    string `cbor:"4,keyasint,omitempty"`

	// Public is the PKIX DER public key.
	Public []byte `cbor:"5,keyasint,omitempty"`
}

var encMode, _ = cbor.CoreDetEncOptions().EncMode()

// Marshal encodes kb in deterministic CBOR.
func (kb *KeyBlob) Marshal() ([]byte, error) {
	data, err := encMode.Marshal(kb)
	if err != nil {
		return nil, fmt.Errorf("keymaster: failed to encode key blob: %w", err)
	}
	return data, nil
}

// ParseKeyBlob decodes a key blob and checks that it belongs to device.
// An empty device name skips the ownership check.
func ParseKeyBlob(data []byte, device string) (*KeyBlob, error) {
	if len(data) == 0 {
		return nil, ErrInvalidKeyBlob
	}
	var kb KeyBlob
	if err := cbor.Unmarshal(data, &kb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyBlob, err)
	}
	if kb.Device == "" || kb.Algorithm == AlgorithmUnknown {
		return nil, ErrInvalidKeyBlob
	}
	if device != "" && kb.Device != device {
		return nil, fmt.Errorf("%w: %q", ErrWrongDevice, kb.Device)
	}
	return &kb, nil
}
