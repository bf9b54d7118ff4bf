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

// Package keyname maps caller supplied key names onto file names that are
// safe to place in a single directory.
//
// Bytes in the range '0'..'~' are kept as-is. Every other byte b is written
// as the two bytes '+'+(b>>6) and '0'+(b&0x3F), which never collide with a
// pass-through byte because '+' through '.' sit below '0'.
package keyname

import (
	"strconv"
	"strings"
)

const (
	low  = '0'
	high = '~'
)

// Encode returns the file-safe form of name.
func Encode(name []byte) string {
	var sb strings.Builder
	sb.Grow(len(name) * 2)
	for _, c := range name {
		if c < low || c > high {
			sb.WriteByte('+' + (c >> 6))
			sb.WriteByte(low + (c & 0x3F))
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// Decode reverses Encode. A lead byte with no continuation is dropped.
func Decode(encoded string) []byte {
	out := make([]byte, 0, len(encoded))
	for i := 0; i < len(encoded); i++ {
		c := encoded[i]
		if c < low || c > high {
			if i+1 >= len(encoded) {
				break
			}
			i++
			out = append(out, (c-'+')<<6|(encoded[i]-low)&0x3F)
			continue
		}
		out = append(out, c)
	}
	return out
}

// ForUID returns "<uid>_<encoded name>", the file name of a key owned by uid.
func ForUID(uid uint32, name []byte) string {
	return strconv.FormatUint(uint64(uid), 10) + "_" + Encode(name)
}

// UIDPrefix returns the "<uid>_" prefix shared by every file of uid.
func UIDPrefix(uid uint32) string {
	return strconv.FormatUint(uint64(uid), 10) + "_"
}

// Parse splits a "<uid>_<encoded>" file name. ok is false when the name
// does not start with decimal digits followed by '_' and a non-empty rest.
func Parse(filename string) (uid uint32, encoded string, ok bool) {
	i := 0
	for i < len(filename) && filename[i] >= '0' && filename[i] <= '9' {
		i++
	}
	if i == 0 || i+1 >= len(filename) || filename[i] != '_' {
		return 0, "", false
	}
	n, err := strconv.ParseUint(filename[:i], 10, 32)
	if err != nil {
		return 0, "", false
	}
	return uint32(n), filename[i+1:], true
}

// Owner returns the uid prefix of a "<uid>_..." file name. Unlike Parse it
// accepts an empty encoded name.
func Owner(filename string) (uint32, bool) {
	i := strings.IndexByte(filename, '_')
	if i <= 0 {
		return 0, false
	}
	for j := 0; j < i; j++ {
		if filename[j] < '0' || filename[j] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(filename[:i], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
