/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package crypto

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
)

var ErrSignatureInvalid = errors.New("signature verification failed")

// ParseRSAPublicKey accepts a DER-encoded RSA public key. Firmware
// signing keys are provisioned as PKCS#1; keys re-provisioned by newer
// servers arrive as SubjectPublicKeyInfo, so that form is tried second.
func ParseRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	if pub, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return pub, nil
	}
	generic, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := generic.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return pub, nil
}

// VerifyPSS checks an RSA-PSS signature over a SHA-1 package digest
// against a DER-encoded public key.
func VerifyPSS(sha1Digest, signature, publicKeyDER []byte) error {
	pub, err := ParseRSAPublicKey(publicKeyDER)
	if err != nil {
		return err
	}
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA1}
	if err := rsa.VerifyPSS(pub, crypto.SHA1, sha1Digest, signature, opts); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}
