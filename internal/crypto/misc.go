/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"hash/crc32"
)

// CRC32 computes the IEEE CRC-32 used by the protocol framing. Not a
// package-integrity mechanism.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// HMACSHA256 computes an HMAC-SHA-256 tag.
func HMACSHA256(key, message []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(message)
	return m.Sum(nil)
}

// VerifyHMACSHA256 checks a tag in constant time.
func VerifyHMACSHA256(key, message, tag []byte) bool {
	return hmac.Equal(HMACSHA256(key, message), tag)
}

// EncodeBase64 encodes with the standard alphabet.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes a standard-alphabet string.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
