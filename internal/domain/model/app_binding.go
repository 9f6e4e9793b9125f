/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "time"

// UnknownVersion is substituted when an installed application reports
// an empty version string.
const UnknownVersion = "unknown"

// AppBinding ties an installed application to its stable object 9
// instance id. Bindings persist across reboots; instance ids are small
// dense integers.
type AppBinding struct {
	AppName    string
	InstanceID int
	Version    string
	Activated  bool
	CreatedAt  time.Time
}
