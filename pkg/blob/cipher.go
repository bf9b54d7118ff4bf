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

package blob

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// Cipher encrypts and decrypts the blob body in place-compatible CBC mode.
// len(src) is always a multiple of BlockSize.
type Cipher interface {
	Encrypt(iv, dst, src []byte) error
	Decrypt(iv, dst, src []byte) error
}

// AESCipher is a Cipher over AES in CBC mode.
type AESCipher struct {
	block cipher.Block
}

// NewAESCipher returns an AES-CBC cipher. The key length selects AES-128,
// AES-192 or AES-256; master keys are 16 bytes.
func NewAESCipher(key []byte) (*AESCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("blob: failed to create AES cipher: %w", err)
	}
	return &AESCipher{block: block}, nil
}

// Encrypt CBC-encrypts src into dst.
func (c *AESCipher) Encrypt(iv, dst, src []byte) error {
	if err := checkCBC(iv, dst, src); err != nil {
		return err
	}
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(dst, src)
	return nil
}

// Decrypt CBC-decrypts src into dst.
func (c *AESCipher) Decrypt(iv, dst, src []byte) error {
	if err := checkCBC(iv, dst, src); err != nil {
		return err
	}
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(dst, src)
	return nil
}

func checkCBC(iv, dst, src []byte) error {
	if len(iv) != aes.BlockSize {
		return ErrInvalidIV
	}
	if len(src)%aes.BlockSize != 0 || len(dst) < len(src) {
		return fmt.Errorf("blob: CBC input is not block aligned")
	}
	return nil
}
