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

	"github.com/hashicorp/go-multierror"
)

// Exporter is implemented by devices whose key blobs carry PKCS#8
// material, which lets fallback keys move to hardware later.
type Exporter interface {
	Export(keyBlob []byte) ([]byte, error)
}

// Capability pairs the preferred device with the software fallback used
// when the preferred device cannot handle a key. With no hardware device
// the fallback serves every request.
type Capability struct {
	hardware Device
	fallback Device
}

// NewCapability returns a Capability. fallback is required; hardware may be
// nil.
func NewCapability(hardware, fallback Device) (*Capability, error) {
	if fallback == nil {
		return nil, ErrNoDevice
	}
	if hardware == nil {
		hardware = fallback
	}
	return &Capability{hardware: hardware, fallback: fallback}, nil
}

// Hardware returns the preferred device.
func (c *Capability) Hardware() Device {
	return c.hardware
}

// Fallback returns the software device.
func (c *Capability) Fallback() Device {
	return c.fallback
}

// Device returns the device that owns a key blob stored with or without
// the fallback flag.
func (c *Capability) Device(fallback bool) Device {
	if fallback {
		return c.fallback
	}
	return c.hardware
}

// Generate creates a key pair on the hardware device, or on the fallback
// when the hardware lacks alg. fallback reports which one was used.
func (c *Capability) Generate(alg Algorithm, params *KeyParams) (keyBlob []byte, fallback bool, err error) {
	p := KeyParams{}
	if params != nil {
		p = *params
	}
	if p, err = p.Normalize(alg); err != nil {
		return nil, false, err
	}

	dev, fallback := c.hardware, c.separate() && !c.hardware.Capabilities().Supports(alg)
	if fallback {
		dev = c.fallback
	}
	keyBlob, err = dev.Generate(alg, &p)
	return keyBlob, fallback, err
}

// Import stores PKCS#8 key material on the hardware device, falling back
// to software when the hardware rejects it.
func (c *Capability) Import(pkcs8 []byte) (keyBlob []byte, fallback bool, err error) {
	if c.separate() && c.hardware.Capabilities().SupportsImport {
		keyBlob, err = c.hardware.Import(pkcs8)
		if err == nil {
			return keyBlob, false, nil
		}
	}
	keyBlob, err = c.fallback.Import(pkcs8)
	return keyBlob, c.separate(), err
}

// CanUpgrade reports whether fallback keys can be moved to hardware.
func (c *Capability) CanUpgrade() bool {
	if !c.separate() {
		return false
	}
	caps := c.hardware.Capabilities()
	return !caps.SoftwareOnly && caps.SupportsImport
}

// Upgrade imports a fallback key blob into the hardware device.
func (c *Capability) Upgrade(keyBlob []byte) ([]byte, error) {
	if !c.CanUpgrade() {
		return nil, ErrImportNotSupported
	}
	exp, ok := c.fallback.(Exporter)
	if !ok {
		return nil, ErrImportNotSupported
	}
	der, err := exp.Export(keyBlob)
	if err != nil {
		return nil, err
	}
	out, err := c.hardware.Import(der)
	if err != nil {
		return nil, fmt.Errorf("keymaster: hardware import failed: %w", err)
	}
	return out, nil
}

// IsHardwareBacked reports whether keys of keyType live in hardware. RSA is
// assumed whenever the device is not software-only.
func (c *Capability) IsHardwareBacked(keyType string) bool {
	caps := c.hardware.Capabilities()
	if caps.SoftwareOnly {
		return false
	}
	alg, err := ParseAlgorithm(keyType)
	if err != nil {
		return false
	}
	return alg == AlgorithmRSA || caps.Supports(alg)
}

// DeleteAll removes every key from both devices.
func (c *Capability) DeleteAll() error {
	var result *multierror.Error
	if err := c.hardware.DeleteAll(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.separate() {
		if err := c.fallback.DeleteAll(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close releases both devices.
func (c *Capability) Close() error {
	var result *multierror.Error
	if err := c.hardware.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.separate() {
		if err := c.fallback.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (c *Capability) separate() bool {
	return c.hardware != c.fallback
}
