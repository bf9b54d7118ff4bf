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

// Package types holds the wire-level values shared by every keystore
// component: response codes, user states, permission bits and blob flags.
package types

import "fmt"

// =============================================================================
// Response Codes
// =============================================================================

// ResponseCode is the result of every keystore operation. The numeric values
// are stable and returned verbatim to clients.
type ResponseCode int32

const (
	NoError          ResponseCode = 1
	Locked           ResponseCode = 2
	Uninitialized    ResponseCode = 3
	SystemError      ResponseCode = 4
	ProtocolError    ResponseCode = 5
	PermissionDenied ResponseCode = 6
	KeyNotFound      ResponseCode = 7
	ValueCorrupted   ResponseCode = 8
	UndefinedAction  ResponseCode = 9
	WrongPassword0   ResponseCode = 10
	WrongPassword1   ResponseCode = 11
	WrongPassword2   ResponseCode = 12
	WrongPassword3   ResponseCode = 13
)

var responseCodeNames = map[ResponseCode]string{
	NoError:          "NO_ERROR",
	Locked:           "LOCKED",
	Uninitialized:    "UNINITIALIZED",
	SystemError:      "SYSTEM_ERROR",
	ProtocolError:    "PROTOCOL_ERROR",
	PermissionDenied: "PERMISSION_DENIED",
	KeyNotFound:      "KEY_NOT_FOUND",
	ValueCorrupted:   "VALUE_CORRUPTED",
	UndefinedAction:  "UNDEFINED_ACTION",
	WrongPassword0:   "WRONG_PASSWORD_0",
	WrongPassword1:   "WRONG_PASSWORD_1",
	WrongPassword2:   "WRONG_PASSWORD_2",
	WrongPassword3:   "WRONG_PASSWORD_3",
}

// String returns the canonical upper-case name of the code.
func (c ResponseCode) String() string {
	if name, ok := responseCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("RESPONSE_CODE(%d)", int32(c))
}

// OK reports whether the code is NoError.
func (c ResponseCode) OK() bool {
	return c == NoError
}

// WrongPassword returns the wrong-password code carrying the number of
// attempts left before the user is reset. Values outside 0..3 are clamped.
func WrongPassword(remaining int) ResponseCode {
	if remaining < 0 {
		remaining = 0
	}
	if remaining > 3 {
		remaining = 3
	}
	return WrongPassword0 + ResponseCode(remaining)
}

// IsWrongPassword reports whether c is one of the WrongPasswordN codes.
func (c ResponseCode) IsWrongPassword() bool {
	return c >= WrongPassword0 && c <= WrongPassword3
}

// RetriesRemaining returns N for WrongPasswordN and -1 for any other code.
func (c ResponseCode) RetriesRemaining() int {
	if !c.IsWrongPassword() {
		return -1
	}
	return int(c - WrongPassword0)
}

// ParseResponseCode returns the code with the given canonical name.
func ParseResponseCode(name string) (ResponseCode, error) {
	for code, n := range responseCodeNames {
		if n == name {
			return code, nil
		}
	}
	return 0, fmt.Errorf("types: unknown response code %q", name)
}

// =============================================================================
// User State
// =============================================================================

// State is the lock state of a single user's keystore. The values coincide
// with the matching response codes so a state can be returned as a result.
type State int32

const (
	StateNoError       State = State(NoError)
	StateLocked        State = State(Locked)
	StateUninitialized State = State(Uninitialized)
)

// Code returns the response code with the same value as the state.
func (s State) Code() ResponseCode {
	return ResponseCode(s)
}

func (s State) String() string {
	switch s {
	case StateNoError:
		return "unlocked"
	case StateLocked:
		return "locked"
	case StateUninitialized:
		return "uninitialized"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
