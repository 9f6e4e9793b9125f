/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package lwm2m carries the protocol-facing contract the core consumes:
// the Firmware Update (object 5) and Software Management (object 9)
// enums, the parsed server operations handed in by the external codec,
// and the interface of the protocol stack itself. No CoAP or TLV
// handling happens here.
package lwm2m

// ObjectID identifies an LwM2M object definition.
type ObjectID int

const (
	ObjectFirmwareUpdate ObjectID = 5
	ObjectSoftwareUpdate ObjectID = 9
)

// FwState mirrors object 5 resource 3 (State).
type FwState int

const (
	FwStateIdle        FwState = 0
	FwStateDownloading FwState = 1
	FwStateDownloaded  FwState = 2
	FwStateUpdating    FwState = 3
)

// FwResult mirrors object 5 resource 5 (Update Result).
type FwResult int

const (
	FwResultInitial          FwResult = 0
	FwResultSuccess          FwResult = 1
	FwResultNoStorage        FwResult = 2
	FwResultOutOfMemory      FwResult = 3
	FwResultConnectionLost   FwResult = 4
	FwResultIntegrityFailure FwResult = 5
	FwResultUnsupportedType  FwResult = 6
	FwResultInvalidURI       FwResult = 7
	FwResultUpdateFailed     FwResult = 8
)

// SwState mirrors object 9 resource 7 (Update State).
type SwState int

const (
	SwStateInitial         SwState = 0
	SwStateDownloadStarted SwState = 1
	SwStateDownloaded      SwState = 2
	SwStateDelivered       SwState = 3
	SwStateInstalled       SwState = 4
)

// SwResult mirrors object 9 resource 9 (Update Result).
type SwResult int

const (
	SwResultInitial          SwResult = 0
	SwResultDownloading      SwResult = 1
	SwResultInstalled        SwResult = 2
	SwResultVerified         SwResult = 3
	SwResultNoStorage        SwResult = 50
	SwResultOutOfMemory      SwResult = 51
	SwResultConnectionLost   SwResult = 52
	SwResultCheckFailure     SwResult = 53
	SwResultUnsupportedType  SwResult = 54
	SwResultInvalidURI       SwResult = 56
	SwResultUpdateError      SwResult = 57
	SwResultInstallFailure   SwResult = 58
	SwResultUninstallFailure SwResult = 59
)
