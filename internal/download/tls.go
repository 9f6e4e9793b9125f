/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package download

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/nkondo/avc-agent/resources"
)

// Bundle is the provisioned cipher-suite bundle: a root certificate,
// an optional client certificate/key pair, and the authentication mode
// the pair implies.
type Bundle struct {
	RootPEM       []byte
	ClientCertPEM []byte
	ClientKeyPEM  []byte
}

// Mutual reports whether the bundle carries a client pair.
func (b Bundle) Mutual() bool {
	return len(b.ClientCertPEM) > 0 && len(b.ClientKeyPEM) > 0
}

// TLSConfig builds the TLS client configuration. A nil or rootless
// bundle falls back to the baked-in default root certificate.
func TLSConfig(bundle *Bundle) (*tls.Config, error) {
	rootPEM := resources.DefaultRootCertPEM
	if bundle != nil && len(bundle.RootPEM) > 0 {
		rootPEM = bundle.RootPEM
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(rootPEM) {
		// Corrupt provisioned root: one-time fallback to the default.
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(resources.DefaultRootCertPEM) {
			return nil, fmt.Errorf("%w: no usable root certificate", ErrCert)
		}
	}

	cfg := &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}
	if bundle != nil && bundle.Mutual() {
		pair, err := tls.X509KeyPair(bundle.ClientCertPEM, bundle.ClientKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("%w: client pair: %v", ErrCert, err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}
