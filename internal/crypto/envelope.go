/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package crypto

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	cose "github.com/veraison/go-cose"
)

var ErrEnvelopeInvalid = errors.New("package envelope verification failed")

// VerifyEnvelope validates the software package envelope: a COSE_Sign1
// structure whose payload is the SHA-256 digest of the package bytes.
// The signing key is provisioned as a CBOR-encoded COSE_Key in the
// software credential slot.
func VerifyEnvelope(envelope, packageDigest, coseKeyBytes []byte) error {
	var key cose.Key
	if err := cbor.Unmarshal(coseKeyBytes, &key); err != nil {
		return fmt.Errorf("decode signing key: %w", err)
	}
	alg, err := key.AlgorithmOrDefault()
	if err != nil {
		return fmt.Errorf("detect signing algorithm: %w", err)
	}
	pub, err := key.PublicKey()
	if err != nil {
		return fmt.Errorf("extract public key: %w", err)
	}
	verifier, err := cose.NewVerifier(alg, pub)
	if err != nil {
		return fmt.Errorf("init verifier: %w", err)
	}

	var sign1 cose.Sign1Message
	if err := sign1.UnmarshalCBOR(envelope); err != nil {
		return fmt.Errorf("%w: not a COSE_Sign1 structure", ErrEnvelopeInvalid)
	}
	if err := sign1.Verify(nil, verifier); err != nil {
		return fmt.Errorf("%w: %v", ErrEnvelopeInvalid, err)
	}

	if len(sign1.Payload) != len(packageDigest) ||
		subtle.ConstantTimeCompare(sign1.Payload, packageDigest) != 1 {
		return fmt.Errorf("%w: digest mismatch", ErrEnvelopeInvalid)
	}
	return nil
}
