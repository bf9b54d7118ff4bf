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

package client

import "github.com/jeremyhahn/go-keystore/pkg/types"

// CodeHeader carries the response code on replies without a body (HEAD).
const CodeHeader = "X-Keystore-Code"

// Response is the body of every keystore reply. Only the fields the
// operation produces are set.
type Response struct {
	Code      types.ResponseCode `json:"code"`
	Status    string             `json:"status"`
	Value     []byte             `json:"value,omitempty"`
	Names     [][]byte           `json:"names,omitempty"`
	MTime     *int64             `json:"mtime,omitempty"`
	Signature []byte             `json:"signature,omitempty"`
	PublicKey []byte             `json:"public_key,omitempty"`
	Hardware  *bool              `json:"hardware,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// A nil UID in a request targets the caller's own namespace.

type InsertRequest struct {
	Value []byte      `json:"value"`
	UID   *int64      `json:"uid,omitempty"`
	Flags types.Flags `json:"flags"`
}

type DuplicateRequest struct {
	SrcUID   *int64 `json:"src_uid,omitempty"`
	DestName []byte `json:"dest_name"`
	DestUID  *int64 `json:"dest_uid,omitempty"`
}

type GrantRequest struct {
	Grantee uint32 `json:"grantee"`
}

type PasswordRequest struct {
	Password []byte `json:"password"`
}

// GenerateRequest describes a new key pair. Algorithm is "RSA", "EC" or
// "Ed25519"; an empty algorithm selects RSA.
type GenerateRequest struct {
	UID       *int64      `json:"uid,omitempty"`
	Algorithm string      `json:"algorithm"`
	KeySize   int         `json:"key_size"`
	Flags     types.Flags `json:"flags"`
	Args      [][]byte    `json:"args,omitempty"`
}

// ImportRequest carries a PKCS#8 DER private key.
type ImportRequest struct {
	UID   *int64      `json:"uid,omitempty"`
	Data  []byte      `json:"data"`
	Flags types.Flags `json:"flags"`
}

type SignRequest struct {
	Data []byte `json:"data"`
}

type VerifyRequest struct {
	Data      []byte `json:"data"`
	Signature []byte `json:"signature"`
}
