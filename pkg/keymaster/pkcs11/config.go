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

// Package pkcs11 implements a keymaster device on a PKCS#11 token. Private
// keys are generated on, or imported into, the token and never leave it;
// the key blob stored by the keystore only carries the object label.
//
// The device is compiled only with the pkcs11 build tag.
package pkcs11

import (
	"errors"
	"fmt"
)

// DeviceName is recorded in every key blob this device creates.
const DeviceName = "pkcs11"

// LabelPrefix marks the token objects owned by the keystore.
const LabelPrefix = "keystore-"

var (
	ErrNotCompiled  = errors.New("pkcs11: support not compiled in, rebuild with -tags pkcs11")
	ErrNoLibrary    = errors.New("pkcs11: library path is required")
	ErrNoToken      = errors.New("pkcs11: token label is required")
	ErrTokenMissing = errors.New("pkcs11: token not found")
)

// Config selects the PKCS#11 module and token.
type Config struct {
	Library    string `yaml:"library"`
	TokenLabel string `yaml:"token_label"`
	PIN        string `yaml:"pin"`

	// Slot pins the slot when several tokens share a label.
	Slot *uint `yaml:"slot,omitempty"`
}

// Validate checks that the module and token are named.
func (c *Config) Validate() error {
	if c == nil || c.Library == "" {
		return ErrNoLibrary
	}
	if c.TokenLabel == "" {
		return ErrNoToken
	}
	return nil
}

func label(id string) []byte {
	return []byte(LabelPrefix + id)
}

func idFromLabel(l string) (string, error) {
	if len(l) <= len(LabelPrefix) || l[:len(LabelPrefix)] != LabelPrefix {
		return "", fmt.Errorf("pkcs11: foreign object label %q", l)
	}
	return l[len(LabelPrefix):], nil
}
