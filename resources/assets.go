/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package resources

import (
	_ "embed"
)

var (
	// DefaultRootCertPEM is the baked-in root certificate used for
	// HTTPS downloads when no cipher-suite bundle is provisioned, and
	// as the fallback when the provisioned bundle is corrupt.
	//go:embed default_root_cert.pem
	DefaultRootCertPEM []byte
)
