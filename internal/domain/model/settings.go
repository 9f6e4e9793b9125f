/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

// APNConfig carries the access-point settings handed to the bearer
// service before a connect.
type APNConfig struct {
	Name     string `cbor:"1,keyasint"`
	UserName string `cbor:"2,keyasint,omitempty"`
	Password string `cbor:"3,keyasint,omitempty"`
}

// Settings is the persisted device configuration blob: retry timers,
// polling interval and last polling epoch, user-agreement flags and APN
// settings. Serialized as one CBOR record under the config path.
type Settings struct {
	Retry           RetryTimers   `cbor:"1,keyasint"`
	Polling         PollingTimer  `cbor:"2,keyasint"`
	PollingEpochSec int64         `cbor:"3,keyasint"`
	Agreement       UserAgreement `cbor:"4,keyasint"`
	APN             APNConfig     `cbor:"5,keyasint"`
}

// DefaultSettings is the factory configuration applied on first boot or
// after a corrupt config record.
func DefaultSettings() Settings {
	return Settings{
		Retry:     DefaultRetryTimers(),
		Polling:   0,
		Agreement: DefaultUserAgreement(),
	}
}
